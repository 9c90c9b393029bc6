// Package pipeline turns an uploaded image into a report: preprocessing, beam search generation and
// decoding of the generated ids.
//
// A Pipeline is created once at startup and is read-only afterwards: it is safe to call Generate from
// concurrent requests.
package pipeline

import (
	"context"
	"io"
	"strings"

	"github.com/gomlx/go-medreport/generation"
	"github.com/gomlx/go-medreport/imageproc"
	"github.com/gomlx/go-medreport/report"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEmptyImage is returned for an empty upload.
var ErrEmptyImage = errors.New("empty image")

// Info describes the loaded model, for the health check.
type Info struct {
	Device    string `json:"device"`
	ModelDir  string `json:"model_dir"`
	ModelType string `json:"model_type,omitempty"`
}

// Pipeline holds the loaded components.
type Pipeline struct {
	processor *imageproc.Processor
	engine    *generation.Engine
	tokenizer api.Tokenizer
	decoder   *report.Decoder

	info   Info
	closer io.Closer
}

// New assembles a Pipeline from its components. The tokenizer encodes the prompts, the decoder turns the
// generated ids into the report.
func New(processor *imageproc.Processor, engine *generation.Engine, tokenizer api.Tokenizer, decoder *report.Decoder) (*Pipeline, error) {
	if processor == nil || engine == nil || tokenizer == nil || decoder == nil {
		return nil, errors.New("pipeline requires an image processor, a generation engine, a tokenizer and a decoder")
	}
	return &Pipeline{processor: processor, engine: engine, tokenizer: tokenizer, decoder: decoder}, nil
}

// WithInfo sets the information returned by Info.
func (p *Pipeline) WithInfo(info Info) *Pipeline {
	p.info = info
	return p
}

// Info returns the model description.
func (p *Pipeline) Info() Info {
	return p.info
}

// Generate the report for the image. A non-empty prompt conditions the generation: the report then
// starts with it.
//
// Failures of the report decoding match report.ErrInference.
func (p *Pipeline) Generate(ctx context.Context, image []byte, prompt string) (string, error) {
	if len(image) == 0 {
		return "", errors.WithStack(ErrEmptyImage)
	}
	pixels, err := p.processor.ProcessBytes(image)
	if err != nil {
		return "", err
	}
	var promptIDs []int
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		promptIDs = p.tokenizer.Encode(prompt)
	}
	seq, err := p.engine.Generate(ctx, pixels, promptIDs)
	if err != nil {
		return "", errors.WithMessage(err, "generation failed")
	}
	klog.V(2).Infof("generated token ids %v", []int(seq))
	return p.decoder.Decode(seq)
}

// Close releases the model.
func (p *Pipeline) Close() error {
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}
