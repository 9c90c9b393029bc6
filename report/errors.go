package report

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInference is matched (with errors.Is) by every failure of the report decoder, so that callers can
// handle them as a class.
var ErrInference = errors.New("inference failed")

var (
	// ErrNoTokens is returned when generation produced an empty sequence.
	ErrNoTokens error = &inferenceError{"generation produced no tokens"}

	// ErrEmptyOutput is returned when the decoded text is empty or only whitespace.
	ErrEmptyOutput error = &inferenceError{"decoded output is empty"}
)

type inferenceError struct {
	msg string
}

func (e *inferenceError) Error() string { return e.msg }

func (e *inferenceError) Is(target error) bool { return target == ErrInference }

// MaxDiagnosticTokens is the maximum number of raw token ids kept in a DecodeFailure.
const MaxDiagnosticTokens = 50

// DecodeFailure is returned when the decoded text is degenerate ("nan") and the sanitized fallback
// decode didn't produce usable text either. It carries the diagnostics needed to debug the model and
// tokenizer mismatch.
type DecodeFailure struct {
	// FirstTokens are the first (up to MaxDiagnosticTokens) raw token ids.
	FirstTokens []int
	// NumTokens is the length of the full sequence.
	NumTokens  int
	VocabSize  int
	SpecialIDs []int
	// Fallback is the text of the sanitized decode, valid if HasFallback.
	Fallback    string
	HasFallback bool
}

// Error implements error.
func (f *DecodeFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "degenerate decode (\"nan\"): vocab_size=%d, first %d of %d tokens=%v, special_ids=%v",
		f.VocabSize, len(f.FirstTokens), f.NumTokens, f.FirstTokens, f.SpecialIDs)
	if f.HasFallback {
		fmt.Fprintf(&sb, ", fallback decode=%q", f.Fallback)
	} else {
		sb.WriteString(", no fallback decode")
	}
	return sb.String()
}

// Is makes DecodeFailure match ErrInference.
func (f *DecodeFailure) Is(target error) bool { return target == ErrInference }
