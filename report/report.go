// Package report turns the token ids generated by a captioning model into the text of a report.
//
// Decoding is defensive: a checkpoint and tokenizer mismatch can make the model emit ids beyond the
// vocabulary, which some tokenizers render as the literal text "nan". The Decoder detects that
// degenerate output, logs diagnostics, and retries with the out-of-vocabulary ids replaced (see
// Sanitize). When no usable text can be produced it returns one of the typed failures in errors.go,
// all of which match ErrInference.
package report

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TokenSequence is the sequence of token ids generated for one request. It is never modified:
// Sanitize returns a new sequence.
type TokenSequence []int

// degenerateText is the text a corrupted decode collapses to.
const degenerateText = "nan"

// TextDecoder is the tokenizer's native decode routine.
type TextDecoder interface {
	Decode(ids []int) string
}

// Sanitize returns a copy of seq with every id >= vocab.Size() replaced by the unknown token id or, if the
// vocabulary has none, by vocab.Size()-1.
func Sanitize(seq TokenSequence, vocab *VocabularyInfo) TokenSequence {
	replacement, ok := vocab.UnknownID()
	if !ok {
		replacement = vocab.Size() - 1
	}
	out := make(TokenSequence, len(seq))
	for i, id := range seq {
		if id >= vocab.Size() {
			id = replacement
		}
		out[i] = id
	}
	return out
}

// Decoder converts generated token sequences to report text. It is immutable and safe for concurrent use.
type Decoder struct {
	tok      TextDecoder
	vocab    *VocabularyInfo
	snapshot ModelSnapshot
}

// NewDecoder creates a Decoder for the given tokenizer and vocabulary.
func NewDecoder(tok TextDecoder, vocab *VocabularyInfo) (*Decoder, error) {
	if tok == nil {
		return nil, errors.New("report decoder requires a tokenizer")
	}
	if vocab == nil {
		return nil, errors.New("report decoder requires vocabulary information")
	}
	if err := vocab.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid vocabulary for report decoder")
	}
	return &Decoder{tok: tok, vocab: vocab}, nil
}

// WithSnapshot returns a copy of the Decoder that logs the given model configuration along with the
// diagnostics of degenerate decodes.
func (d *Decoder) WithSnapshot(snapshot ModelSnapshot) *Decoder {
	newD := *d
	newD.snapshot = snapshot
	return &newD
}

// Vocabulary returns the vocabulary information used by the decoder.
func (d *Decoder) Vocabulary() *VocabularyInfo {
	return d.vocab
}

// decodeText strips the special tokens and decodes the remaining ids.
func (d *Decoder) decodeText(seq TokenSequence) string {
	ids := make([]int, 0, len(seq))
	for _, id := range seq {
		if !d.vocab.IsSpecial(id) {
			ids = append(ids, id)
		}
	}
	return d.tok.Decode(ids)
}

func isDegenerate(text string) bool {
	return strings.ToLower(strings.TrimSpace(text)) == degenerateText
}

// Decode converts seq to the report text.
//
// A primary decode that is "nan" (case-insensitive, ignoring surrounding spaces) is retried on the
// sanitized sequence, and the fallback text is returned if usable. Otherwise a *DecodeFailure is
// returned. A tokenizer panic during the primary decode is handled the same way. Empty sequences
// fail with ErrNoTokens and empty texts with ErrEmptyOutput.
//
// The primary decode is returned unchanged, including any surrounding whitespace; ids beyond the
// vocabulary that didn't produce a degenerate decode are left to the tokenizer.
func (d *Decoder) Decode(seq TokenSequence) (string, error) {
	if len(seq) == 0 {
		return "", ErrNoTokens
	}
	primary, ok := d.tryDecodeText(seq)
	if !ok {
		return d.fallbackDecode(seq, "tokenizer panic")
	}
	if isDegenerate(primary) {
		return d.fallbackDecode(seq, fmt.Sprintf("degenerate decode %q", degenerateText))
	}
	if strings.TrimSpace(primary) == "" {
		return "", ErrEmptyOutput
	}
	return primary, nil
}

// fallbackDecode handles a primary decode that is degenerate or failed: it logs the diagnostics and
// decodes the sanitized sequence.
func (d *Decoder) fallbackDecode(seq TokenSequence, reason string) (string, error) {
	size := d.vocab.Size()
	outOfRange := 0
	for _, id := range seq {
		if id >= size {
			outOfRange++
		}
	}
	first := seq[:min(len(seq), MaxDiagnosticTokens)]
	klog.Warningf("%s: %d tokens (%d out of vocabulary), first tokens=%v, %s, special_ids=%v, %s",
		reason, len(seq), outOfRange, first, d.vocab, d.vocab.SpecialIDs(), d.snapshot)

	failure := &DecodeFailure{
		FirstTokens: append([]int(nil), first...),
		NumTokens:   len(seq),
		VocabSize:   size,
		SpecialIDs:  d.vocab.SpecialIDs(),
	}
	fallback, ok := d.tryDecodeText(Sanitize(seq, d.vocab))
	if !ok {
		return "", failure
	}
	failure.Fallback, failure.HasFallback = fallback, true
	trimmed := strings.TrimSpace(fallback)
	if trimmed == "" || isDegenerate(trimmed) {
		klog.Errorf("sanitized fallback decode unusable: %q", fallback)
		return "", failure
	}
	klog.Warningf("recovered with sanitized fallback decode (%d ids replaced): %q", outOfRange, fallback)
	return fallback, nil
}

// tryDecodeText is decodeText where a tokenizer panic is reported as ok=false instead of crashing
// the request.
func (d *Decoder) tryDecodeText(seq TokenSequence) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("decoding %d tokens failed: %v", len(seq), r)
			text, ok = "", false
		}
	}()
	return d.decodeText(seq), true
}
