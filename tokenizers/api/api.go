// Package api defines the Tokenizer API used by the report decoder.
//
// It is kept apart from the implementations to break the cyclic dependency, and allow users to import
// `tokenizers` and get the default implementations.
package api

import "fmt"

// Tokenizer interface allows one to convert text to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int

	// Decode converts ids back to text. Special tokens are decoded like any other token, and
	// ids unknown to the tokenizer are dropped.
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// TokenizerWithVocabulary extends Tokenizer with information about its vocabulary, needed to validate
// the ids produced by a model.
type TokenizerWithVocabulary interface {
	Tokenizer

	// VocabSize is the number of ids the tokenizer can decode: valid ids are in [0, VocabSize).
	VocabSize() int

	// SpecialTokenIDs returns the ids of all tokens flagged as special (padding, separators, etc.),
	// in increasing order. These are the tokens skipped when decoding model output into text.
	SpecialTokenIDs() []int
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}

// SpecialTokenValues returns all valid special tokens, excluding TokSpecialTokensCount.
func SpecialTokenValues() []SpecialToken {
	values := make([]SpecialToken, 0, TokSpecialTokensCount)
	for t := TokBeginningOfSentence; t < TokSpecialTokensCount; t++ {
		values = append(values, t)
	}
	return values
}
