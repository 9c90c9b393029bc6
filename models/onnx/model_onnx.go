//go:build onnx

package onnx

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/go-medreport/generation"
	"github.com/gomlx/go-medreport/imageproc"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

var (
	initOnce sync.Once
	initErr  error
)

// initRuntime initializes the ONNX Runtime environment once per process. The library path of the first
// call is the one used.
func initRuntime(libraryPath string) error {
	initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = errors.Wrap(err, "initializing ONNX Runtime")
			return
		}
		klog.V(1).Infof("ONNX Runtime initialized")
	})
	return initErr
}

// Model is a vision encoder plus text decoder pair running on ONNX Runtime. It implements
// generation.Model and is safe for concurrent use.
type Model struct {
	files  ModelFiles
	device string

	encoder       *ort.DynamicAdvancedSession
	encoderInput  string
	encoderOutput string
	decoder       *ort.DynamicAdvancedSession
	decoderInputs []string
}

var _ generation.Model = (*Model)(nil)

// Load the encoder and decoder from dir.
func Load(dir string, options Options) (*Model, error) {
	options, err := options.normalize()
	if err != nil {
		return nil, err
	}
	files, err := FindModelFiles(dir)
	if err != nil {
		return nil, err
	}
	if err := initRuntime(options.LibraryPath); err != nil {
		return nil, err
	}
	m := &Model{files: files, device: options.Device}
	if err := m.openEncoder(options); err != nil {
		return nil, err
	}
	if err := m.openDecoder(options); err != nil {
		_ = m.Close()
		return nil, err
	}
	klog.Infof("loaded ONNX model from %q on %s: encoder %q, decoder %q", dir, m.device, files.Encoder, files.Decoder)
	return m, nil
}

// Device where the model runs.
func (m *Model) Device() string { return m.device }

func newSessionOptions(options Options) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "creating ONNX session options")
	}
	if err := so.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		_ = so.Destroy()
		return nil, errors.Wrap(err, "setting graph optimization level")
	}
	if options.NumThreads > 0 {
		if err := so.SetIntraOpNumThreads(options.NumThreads); err != nil {
			_ = so.Destroy()
			return nil, errors.Wrapf(err, "setting %d intra-op threads", options.NumThreads)
		}
	}
	if options.Device == DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			_ = so.Destroy()
			return nil, errors.Wrap(err, "creating CUDA provider options")
		}
		defer func() { _ = cuda.Destroy() }()
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			_ = so.Destroy()
			return nil, errors.Wrap(err, "enabling the CUDA execution provider")
		}
	}
	return so, nil
}

func newSession(path string, inputs, outputs []string, options Options) (*ort.DynamicAdvancedSession, error) {
	so, err := newSessionOptions(options)
	if err != nil {
		return nil, err
	}
	defer func() { _ = so.Destroy() }()
	session, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, so)
	if err != nil {
		return nil, errors.Wrapf(err, "creating ONNX session for %q", path)
	}
	return session, nil
}

func (m *Model) openEncoder(options Options) error {
	ins, outs, err := ort.GetInputOutputInfo(m.files.Encoder)
	if err != nil {
		return errors.Wrapf(err, "reading inputs and outputs of %q", m.files.Encoder)
	}
	for _, in := range ins {
		if in.DataType == ort.TensorElementDataTypeFloat && (m.encoderInput == "" || strings.Contains(in.Name, "pixel")) {
			m.encoderInput = in.Name
		}
	}
	for _, out := range outs {
		if out.DataType == ort.TensorElementDataTypeFloat && (m.encoderOutput == "" || strings.Contains(out.Name, "last_hidden_state")) {
			m.encoderOutput = out.Name
		}
	}
	if m.encoderInput == "" || m.encoderOutput == "" {
		return errors.Errorf("encoder %q has no float pixel input or hidden state output", m.files.Encoder)
	}
	m.encoder, err = newSession(m.files.Encoder, []string{m.encoderInput}, []string{m.encoderOutput}, options)
	return err
}

func (m *Model) openDecoder(options Options) error {
	ins, outs, err := ort.GetInputOutputInfo(m.files.Decoder)
	if err != nil {
		return errors.Wrapf(err, "reading inputs and outputs of %q", m.files.Decoder)
	}
	for _, in := range ins {
		if isPastKeyValues(in.Name) {
			return errors.Errorf("decoder %q requires cached key/values input %q, export it without past", m.files.Decoder, in.Name)
		}
		switch in.Name {
		case "input_ids", "attention_mask", "encoder_hidden_states", "encoder_attention_mask":
			m.decoderInputs = append(m.decoderInputs, in.Name)
		default:
			return errors.Errorf("decoder %q has unsupported input %q", m.files.Decoder, in.Name)
		}
	}
	hasLogits := slices.ContainsFunc(outs, func(out ort.InputOutputInfo) bool { return out.Name == "logits" })
	if !hasLogits {
		return errors.Errorf("decoder %q has no \"logits\" output", m.files.Decoder)
	}
	// Only the logits are requested.
	m.decoder, err = newSession(m.files.Decoder, m.decoderInputs, []string{"logits"}, options)
	return err
}

// EncodeImage runs the vision encoder.
func (m *Model) EncodeImage(ctx context.Context, pixels *imageproc.Tensor) (*generation.EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shape := ort.NewShape(int64(pixels.Shape[0]), int64(pixels.Shape[1]), int64(pixels.Shape[2]), int64(pixels.Shape[3]))
	input, err := ort.NewTensor(shape, pixels.Data)
	if err != nil {
		return nil, errors.Wrap(err, "creating pixel values tensor")
	}
	defer func() { _ = input.Destroy() }()

	outputs := []ort.Value{nil}
	if err := m.encoder.Run([]ort.Value{input}, outputs); err != nil {
		return nil, errors.Wrap(err, "running vision encoder")
	}
	defer func() { _ = outputs[0].Destroy() }()
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("vision encoder output %q is not a float32 tensor", m.encoderOutput)
	}
	out := &generation.EncoderOutput{Hidden: append([]float32(nil), hidden.GetData()...)}
	for _, d := range hidden.GetShape() {
		out.Shape = append(out.Shape, int(d))
	}
	if len(out.Shape) != 3 || out.Shape[0] != 1 {
		return nil, errors.Errorf("vision encoder output has shape %v, expected [1, sequence, hidden]", out.Shape)
	}
	return out, nil
}

// DecodeStep runs the text decoder on the full sequences and returns the logits of their last position.
func (m *Model) DecodeStep(ctx context.Context, encoded *generation.EncoderOutput, sequences [][]int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, length := len(sequences), len(sequences[0])
	encLen, hiddenSize := encoded.Shape[1], encoded.Shape[2]

	ids := make([]int64, 0, batch*length)
	for _, seq := range sequences {
		if len(seq) != length {
			return nil, errors.Errorf("sequences of different lengths %d and %d", length, len(seq))
		}
		for _, id := range seq {
			ids = append(ids, int64(id))
		}
	}
	hidden := make([]float32, 0, batch*len(encoded.Hidden))
	for range batch {
		hidden = append(hidden, encoded.Hidden...)
	}

	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for _, name := range m.decoderInputs {
		var (
			v   ort.Value
			err error
		)
		switch name {
		case "input_ids":
			v, err = ort.NewTensor(ort.NewShape(int64(batch), int64(length)), ids)
		case "attention_mask":
			v, err = ort.NewTensor(ort.NewShape(int64(batch), int64(length)), ones(batch*length))
		case "encoder_hidden_states":
			v, err = ort.NewTensor(ort.NewShape(int64(batch), int64(encLen), int64(hiddenSize)), hidden)
		case "encoder_attention_mask":
			v, err = ort.NewTensor(ort.NewShape(int64(batch), int64(encLen)), ones(batch*encLen))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "creating decoder input %q", name)
		}
		inputs = append(inputs, v)
	}

	outputs := []ort.Value{nil}
	if err := m.decoder.Run(inputs, outputs); err != nil {
		return nil, errors.Wrap(err, "running text decoder")
	}
	defer func() { _ = outputs[0].Destroy() }()
	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("text decoder logits are not a float32 tensor")
	}
	shape := logits.GetShape()
	if len(shape) != 3 || int(shape[0]) != batch || int(shape[1]) != length {
		return nil, errors.Errorf("text decoder logits have shape %v, expected [%d, %d, vocab]", shape, batch, length)
	}
	vocab := int(shape[2])
	data := logits.GetData()
	rows := make([][]float32, batch)
	for b := range batch {
		start := (b*length + length - 1) * vocab
		rows[b] = append([]float32(nil), data[start:start+vocab]...)
	}
	return rows, nil
}

func ones(n int) []int64 {
	s := make([]int64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

// Close releases the ONNX sessions.
func (m *Model) Close() error {
	var firstErr error
	for _, s := range []*ort.DynamicAdvancedSession{m.encoder, m.decoder} {
		if s == nil {
			continue
		}
		if err := s.Destroy(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "destroying ONNX session")
		}
	}
	m.encoder, m.decoder = nil, nil
	return firstErr
}
