// Package onnx runs the vision encoder and the text decoder of a captioning model exported to ONNX, with
// ONNX Runtime.
//
// The runtime is only linked when building with the "onnx" tag (it requires the onnxruntime shared
// library); otherwise Load returns ErrNotCompiled.
//
// The exported model is expected as two files in the model directory (or its "onnx" subdirectory): an
// image encoder taking "pixel_values" and returning the hidden states, and a text decoder taking the
// "input_ids" and the "encoder_hidden_states" and returning the "logits". Decoders exported "with past"
// (taking past key values as input) are not supported.
package onnx

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotCompiled is returned by Load when the binary was built without the "onnx" tag.
var ErrNotCompiled = errors.New("ONNX Runtime support not compiled in, rebuild with -tags onnx")

var (
	// EncoderFileNames are the accepted names for the vision encoder, in order of preference.
	EncoderFileNames = []string{"vision_model.onnx", "encoder_model.onnx", "vision_encoder.onnx"}

	// DecoderFileNames are the accepted names for the text decoder, in order of preference.
	DecoderFileNames = []string{"text_decoder_model.onnx", "decoder_model.onnx", "text_decoder.onnx"}
)

// Devices supported by Options.Device.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Options for Load.
type Options struct {
	// LibraryPath of the onnxruntime shared library. If empty the system default is used.
	LibraryPath string

	// Device is DeviceCPU (default) or DeviceCUDA.
	Device string

	// NumThreads used by each operator. 0 lets the runtime decide.
	NumThreads int
}

// normalize validates the options and fills the defaults.
func (o Options) normalize() (Options, error) {
	o.Device = strings.ToLower(strings.TrimSpace(o.Device))
	if o.Device == "" || o.Device == "auto" {
		o.Device = DeviceCPU
	}
	if o.Device != DeviceCPU && o.Device != DeviceCUDA {
		return o, errors.Errorf("unsupported device %q, use %q or %q", o.Device, DeviceCPU, DeviceCUDA)
	}
	if o.NumThreads < 0 {
		return o, errors.Errorf("invalid number of threads %d", o.NumThreads)
	}
	return o, nil
}

// ModelFiles are the paths of the exported encoder and decoder.
type ModelFiles struct {
	Encoder, Decoder string
}

// FindModelFiles looks for the encoder and decoder files in dir and in dir/onnx.
func FindModelFiles(dir string) (ModelFiles, error) {
	var files ModelFiles
	for _, d := range []string{dir, filepath.Join(dir, "onnx")} {
		if files.Encoder == "" {
			files.Encoder = firstExisting(d, EncoderFileNames)
		}
		if files.Decoder == "" {
			files.Decoder = firstExisting(d, DecoderFileNames)
		}
	}
	if files.Encoder == "" {
		return files, errors.Errorf("no ONNX vision encoder (%s) found in %q", strings.Join(EncoderFileNames, ", "), dir)
	}
	if files.Decoder == "" {
		return files, errors.Errorf("no ONNX text decoder (%s) found in %q", strings.Join(DecoderFileNames, ", "), dir)
	}
	return files, nil
}

func firstExisting(dir string, names []string) string {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// isPastKeyValues returns whether the decoder input name is a cached attention input.
func isPastKeyValues(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "past_key_values") || strings.HasPrefix(n, "past_") || n == "use_cache_branch"
}
