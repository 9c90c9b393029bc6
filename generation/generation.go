// Package generation implements the beam search that turns an encoded image into a sequence of token ids.
//
// The model is abstracted by the Model interface: it encodes the image once, and then returns the
// next-token logits for a batch of partial sequences at each step. The Engine holds no per-request state
// and can be shared by concurrent requests.
package generation

import (
	"context"
	"math"
	"slices"

	"github.com/gomlx/go-medreport/imageproc"
	"github.com/gomlx/go-medreport/report"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// ErrNonFiniteLogits is returned when the model produces a logits row without any finite value.
var ErrNonFiniteLogits = errors.New("model produced no finite logits")

// EncoderOutput holds the image encoder hidden states, in row-major order.
type EncoderOutput struct {
	Hidden []float32

	// Shape is usually [batch=1, sequence, hidden].
	Shape []int

	// Handle can be used by a Model implementation to keep backend specific values (e.g. device tensors)
	// alive between decoding steps.
	Handle any
}

// Model is the encoder-decoder network driven by the Engine.
type Model interface {
	// EncodeImage runs the vision encoder on the pixel tensor.
	EncodeImage(ctx context.Context, pixels *imageproc.Tensor) (*EncoderOutput, error)

	// DecodeStep runs the text decoder on each of the sequences (all of the same length) and returns
	// the logits of the next token for each of them, over the whole vocabulary.
	DecodeStep(ctx context.Context, encoded *EncoderOutput, sequences [][]int) ([][]float32, error)
}

// Config of the beam search.
type Config struct {
	// MaxLength is the maximum length of the generated sequence, start token and prompt included.
	MaxLength int

	// MinLength before which the end-of-sentence tokens are not allowed.
	MinLength int

	NumBeams int

	// EarlyStopping finishes the search as soon as NumBeams hypotheses are finished.
	EarlyStopping bool

	// RepetitionPenalty > 1 discourages tokens already in the sequence. 1 disables it.
	RepetitionPenalty float64

	// LengthPenalty is the exponent of the length by which finished hypotheses scores are divided.
	LengthPenalty float64

	// StartTokenID starts every sequence.
	StartTokenID int

	// EOSTokenIDs finish a hypothesis. If empty, generation runs until MaxLength.
	EOSTokenIDs []int
}

// DefaultConfig returns the generation parameters used by the service, without token ids.
func DefaultConfig() Config {
	return Config{
		MaxLength:         64,
		MinLength:         0,
		NumBeams:          3,
		EarlyStopping:     true,
		RepetitionPenalty: 1.05,
		LengthPenalty:     1.0,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	switch {
	case c.MaxLength <= 0:
		return errors.Errorf("max_length must be positive, got %d", c.MaxLength)
	case c.MinLength < 0 || c.MinLength > c.MaxLength:
		return errors.Errorf("min_length must be in [0, max_length=%d], got %d", c.MaxLength, c.MinLength)
	case c.NumBeams <= 0:
		return errors.Errorf("num_beams must be positive, got %d", c.NumBeams)
	case c.RepetitionPenalty <= 0 || math.IsNaN(c.RepetitionPenalty):
		return errors.Errorf("repetition_penalty must be positive, got %g", c.RepetitionPenalty)
	case math.IsNaN(c.LengthPenalty) || math.IsInf(c.LengthPenalty, 0):
		return errors.Errorf("invalid length_penalty %g", c.LengthPenalty)
	case c.StartTokenID < 0:
		return errors.Errorf("invalid start token id %d", c.StartTokenID)
	}
	return nil
}

// Engine generates token sequences with a Model. It is immutable and safe for concurrent use.
type Engine struct {
	model  Model
	config Config
}

// New creates an Engine.
func New(model Model, config Config) (*Engine, error) {
	if model == nil {
		return nil, errors.New("generation engine requires a model")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid generation configuration")
	}
	config.EOSTokenIDs = slices.Clone(config.EOSTokenIDs)
	return &Engine{model: model, config: config}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	c := e.config
	c.EOSTokenIDs = slices.Clone(c.EOSTokenIDs)
	return c
}

// Generate runs the beam search for the image and returns the best sequence: the start token, the
// prompt, the generated tokens and, if one was generated, the end-of-sentence token.
//
// The prompt token ids (which may be empty) condition the generation.
func (e *Engine) Generate(ctx context.Context, pixels *imageproc.Tensor, prompt []int) (report.TokenSequence, error) {
	if pixels == nil {
		return nil, errors.New("no pixels given to generate")
	}
	encoded, err := e.model.EncodeImage(ctx, pixels)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding image")
	}
	prefix := append([]int{e.config.StartTokenID}, prompt...)
	if len(prefix) >= e.config.MaxLength {
		return report.TokenSequence(prefix[:e.config.MaxLength]), nil
	}
	s := newSearch(e.config, prefix)
	for !s.done() {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "generation interrupted after %d steps", s.step)
		}
		logits, err := e.model.DecodeStep(ctx, encoded, s.sequences())
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding step %d", s.step)
		}
		if len(logits) != len(s.beams) {
			return nil, errors.Errorf("decoding step %d: model returned %d logits rows for %d sequences",
				s.step, len(logits), len(s.beams))
		}
		if err := s.advance(logits); err != nil {
			return nil, err
		}
	}
	best := s.best()
	klog.V(2).Infof("generated %d tokens in %d steps (score %.4f)", len(best.tokens)-len(prefix), s.step, best.score)
	return report.TokenSequence(best.tokens), nil
}

// logSoftmax converts one row of logits into log-probabilities, after masking non-finite values and
// applying the repetition penalty to the tokens already in seq.
func logSoftmax(row []float32, seq []int, penalty float64) ([]float64, error) {
	scores := make([]float64, len(row))
	var nonFinite int
	for i, v := range row {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			nonFinite++
			f = math.Inf(-1)
		}
		scores[i] = f
	}
	if nonFinite == len(scores) {
		return nil, errors.WithStack(ErrNonFiniteLogits)
	}
	if nonFinite > 0 {
		klog.Warningf("masked %d non-finite logits out of %d", nonFinite, len(scores))
	}
	if penalty != 1 {
		for _, id := range seq {
			if id < 0 || id >= len(scores) || math.IsInf(scores[id], -1) {
				continue
			}
			if scores[id] > 0 {
				scores[id] /= penalty
			} else {
				scores[id] *= penalty
			}
		}
	}
	floats.AddConst(-floats.LogSumExp(scores), scores)
	return scores, nil
}
