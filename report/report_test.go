package report

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/gomlx/go-medreport/tokenizers/hftokenizer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// fakeTokenizer decodes with a function and records every sequence it was asked to decode.
type fakeTokenizer struct {
	decode func(ids []int) string
	calls  [][]int
}

func (f *fakeTokenizer) Decode(ids []int) string {
	f.calls = append(f.calls, append([]int(nil), ids...))
	return f.decode(ids)
}

// wordsTokenizer decodes id i as "w<i>", joined by spaces.
func wordsTokenizer() *fakeTokenizer {
	return &fakeTokenizer{decode: func(ids []int) string {
		words := make([]string, len(ids))
		for i, id := range ids {
			words[i] = fmt.Sprintf("w%d", id)
		}
		return strings.Join(words, " ")
	}}
}

// constTokenizer returns primary for sequences with ids >= 100, and fallback otherwise.
func constTokenizer(primary, fallback string) *fakeTokenizer {
	return &fakeTokenizer{decode: func(ids []int) string {
		for _, id := range ids {
			if id >= 100 {
				return primary
			}
		}
		return fallback
	}}
}

func newTestDecoder(t *testing.T, tok TextDecoder, vocab *VocabularyInfo) *Decoder {
	t.Helper()
	d, err := NewDecoder(tok, vocab)
	require.NoError(t, err)
	return d
}

func TestSanitize(t *testing.T) {
	withUnk := NewVocabularyInfo(100).WithUnknownID(0)
	noUnk := NewVocabularyInfo(100)
	tests := []struct {
		name  string
		seq   TokenSequence
		vocab *VocabularyInfo
		want  TokenSequence
	}{
		{"replaced by unknown id", TokenSequence{5, 150, 7}, withUnk, TokenSequence{5, 0, 7}},
		{"clamped without unknown id", TokenSequence{150}, noUnk, TokenSequence{99}},
		{"boundary id", TokenSequence{99, 100}, noUnk, TokenSequence{99, 99}},
		{"in range unchanged", TokenSequence{1, 2, 3}, withUnk, TokenSequence{1, 2, 3}},
		{"empty", TokenSequence{}, withUnk, TokenSequence{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := append(TokenSequence(nil), tt.seq...)
			got := Sanitize(tt.seq, tt.vocab)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, original, tt.seq, "input must not be modified")
			// Sanitizing again changes nothing.
			assert.Equal(t, got, Sanitize(got, tt.vocab))
		})
	}
}

func TestDecodeInRange(t *testing.T) {
	vocab := NewVocabularyInfo(100).WithUnknownID(1).WithSpecialIDs(0, 2)
	tok := wordsTokenizer()
	d := newTestDecoder(t, tok, vocab)

	got, err := d.Decode(TokenSequence{2, 10, 11, 0, 12, 0})
	require.NoError(t, err)
	assert.Equal(t, "w10 w11 w12", got)
	require.Len(t, tok.calls, 1, "no fallback for valid output")
	assert.Equal(t, []int{10, 11, 12}, tok.calls[0])

	// Decoding a sanitized in-range sequence is the same as decoding it directly.
	seq := TokenSequence{3, 4, 5}
	direct, err := d.Decode(seq)
	require.NoError(t, err)
	sanitized, err := d.Decode(Sanitize(seq, vocab))
	require.NoError(t, err)
	assert.Equal(t, direct, sanitized)
}

func TestDecodeOutOfRangeWithoutDegeneracy(t *testing.T) {
	tok := wordsTokenizer()
	d := newTestDecoder(t, tok, NewVocabularyInfo(100).WithUnknownID(0))
	got, err := d.Decode(TokenSequence{5, 150})
	require.NoError(t, err)
	assert.Equal(t, "w5 w150", got)
	require.Len(t, tok.calls, 1)
}

func TestDecodeKeepsPrimaryUntrimmed(t *testing.T) {
	d := newTestDecoder(t, constTokenizer("", " lungs are clear "), NewVocabularyInfo(100))
	got, err := d.Decode(TokenSequence{1})
	require.NoError(t, err)
	assert.Equal(t, " lungs are clear ", got)
}

func TestDecodeNoTokens(t *testing.T) {
	tok := wordsTokenizer()
	d := newTestDecoder(t, tok, NewVocabularyInfo(100))
	for _, seq := range []TokenSequence{nil, {}} {
		_, err := d.Decode(seq)
		require.ErrorIs(t, err, ErrNoTokens)
		require.ErrorIs(t, err, ErrInference)
	}
	assert.Empty(t, tok.calls)
}

func TestDecodeEmptyOutput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		t.Run(fmt.Sprintf("%q", text), func(t *testing.T) {
			d := newTestDecoder(t, constTokenizer(text, text), NewVocabularyInfo(100))
			got, err := d.Decode(TokenSequence{1, 2})
			require.ErrorIs(t, err, ErrEmptyOutput)
			require.ErrorIs(t, err, ErrInference)
			assert.Empty(t, got)
		})
	}

	// Only special tokens: nothing left to decode.
	d := newTestDecoder(t, wordsTokenizer(), NewVocabularyInfo(100).WithSpecialIDs(0, 1))
	_, err := d.Decode(TokenSequence{0, 1, 1})
	require.ErrorIs(t, err, ErrEmptyOutput)
}

func TestDecodeRecoversDegenerateOutput(t *testing.T) {
	for _, primary := range []string{"nan", "Nan", " NaN \n"} {
		t.Run(fmt.Sprintf("%q", primary), func(t *testing.T) {
			tok := constTokenizer(primary, "lungs are clear")
			d := newTestDecoder(t, tok, NewVocabularyInfo(100).WithUnknownID(0))
			got, err := d.Decode(TokenSequence{5, 150, 7})
			require.NoError(t, err)
			assert.Equal(t, "lungs are clear", got)
			require.Len(t, tok.calls, 2)
			assert.Equal(t, []int{5, 0, 7}, tok.calls[1], "fallback decodes the sanitized sequence")
		})
	}
}

func TestDecodeClampsWithoutUnknownID(t *testing.T) {
	tok := constTokenizer("nan", "lungs are clear")
	d := newTestDecoder(t, tok, NewVocabularyInfo(100))
	got, err := d.Decode(TokenSequence{150})
	require.NoError(t, err)
	assert.Equal(t, "lungs are clear", got)
	assert.Equal(t, []int{99}, tok.calls[1])
}

func TestDecodeFailure(t *testing.T) {
	for _, fallback := range []string{"nan", " NAN", "", "  "} {
		t.Run(fmt.Sprintf("fallback=%q", fallback), func(t *testing.T) {
			tok := constTokenizer("nan", fallback)
			d := newTestDecoder(t, tok, NewVocabularyInfo(100).WithUnknownID(0).WithSpecialIDs(3))
			got, err := d.Decode(TokenSequence{5, 150, 7})
			assert.Empty(t, got)
			require.ErrorIs(t, err, ErrInference)
			require.Len(t, tok.calls, 2, "fallback attempted before failing")

			var failure *DecodeFailure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, []int{5, 150, 7}, failure.FirstTokens)
			assert.Equal(t, 3, failure.NumTokens)
			assert.Equal(t, 100, failure.VocabSize)
			assert.Equal(t, []int{3}, failure.SpecialIDs)
			assert.True(t, failure.HasFallback)
			assert.Equal(t, fallback, failure.Fallback)
			assert.Contains(t, err.Error(), "vocab_size=100")
			assert.Contains(t, err.Error(), "[5 150 7]")
		})
	}
}

func TestDecodeFailureTruncatesTokens(t *testing.T) {
	seq := make(TokenSequence, 80)
	for i := range seq {
		seq[i] = 100 + i
	}
	d := newTestDecoder(t, constTokenizer("nan", "nan"), NewVocabularyInfo(100))
	_, err := d.Decode(seq)
	var failure *DecodeFailure
	require.True(t, errors.As(err, &failure))
	assert.Len(t, failure.FirstTokens, MaxDiagnosticTokens)
	assert.Equal(t, []int(seq[:MaxDiagnosticTokens]), failure.FirstTokens)
	assert.Equal(t, 80, failure.NumTokens)
}

func TestDecodeFallbackUnavailable(t *testing.T) {
	calls := 0
	tok := &fakeTokenizer{decode: func(ids []int) string {
		calls++
		if calls > 1 {
			panic("index out of range")
		}
		return "nan"
	}}
	d := newTestDecoder(t, tok, NewVocabularyInfo(10))
	_, err := d.Decode(TokenSequence{42})
	var failure *DecodeFailure
	require.True(t, errors.As(err, &failure))
	assert.False(t, failure.HasFallback)
	assert.Contains(t, failure.Error(), "no fallback decode")
}

func TestDecodePrimaryPanic(t *testing.T) {
	// Tokenizers indexing their vocabulary without bounds checks panic on out-of-vocabulary ids.
	tok := &fakeTokenizer{decode: func(ids []int) string {
		words := make([]string, len(ids))
		for i, id := range ids {
			if id >= 10 {
				panic("index out of range")
			}
			words[i] = fmt.Sprintf("w%d", id)
		}
		return strings.Join(words, " ")
	}}
	d := newTestDecoder(t, tok, NewVocabularyInfo(10).WithUnknownID(0))
	got, err := d.Decode(TokenSequence{3, 42})
	require.NoError(t, err)
	assert.Equal(t, "w3 w0", got)
	require.Len(t, tok.calls, 2)
	assert.Equal(t, []int{3, 0}, tok.calls[1])

	alwaysPanics := &fakeTokenizer{decode: func([]int) string { panic("corrupted vocabulary") }}
	d = newTestDecoder(t, alwaysPanics, NewVocabularyInfo(10))
	_, err = d.Decode(TokenSequence{3, 42})
	require.ErrorIs(t, err, ErrInference)
	var failure *DecodeFailure
	require.True(t, errors.As(err, &failure))
	assert.False(t, failure.HasFallback)
	assert.Equal(t, []int{3, 42}, failure.FirstTokens)
}

func TestDecodeLogsDiagnosticsBeforeRecovery(t *testing.T) {
	var logs bytes.Buffer
	klog.LogToStderr(false)
	klog.SetOutput(&logs)
	defer func() {
		klog.SetOutput(os.Stderr)
		klog.LogToStderr(true)
	}()

	var logsAtFallback string
	tok := constTokenizer("nan", "lungs are clear")
	decode := tok.decode
	tok.decode = func(ids []int) string {
		if len(tok.calls) == 2 {
			klog.Flush()
			logsAtFallback = logs.String()
		}
		return decode(ids)
	}
	d := newTestDecoder(t, tok, NewVocabularyInfo(100).WithUnknownID(0)).
		WithSnapshot(ModelSnapshot{ModelType: "blip", VocabSize: SomeID(100)})
	got, err := d.Decode(TokenSequence{5, 150, 7})
	require.NoError(t, err)
	assert.Equal(t, "lungs are clear", got)

	assert.Contains(t, logsAtFallback, `degenerate decode "nan"`)
	assert.Contains(t, logsAtFallback, "first tokens=[5 150 7]")
	assert.Contains(t, logsAtFallback, "(1 out of vocabulary)")
	assert.Contains(t, logsAtFallback, "model_type=blip")
	klog.Flush()
	assert.Contains(t, logs.String(), "recovered with sanitized fallback decode")
}

func TestNewDecoderValidation(t *testing.T) {
	tok := wordsTokenizer()
	_, err := NewDecoder(tok, NewVocabularyInfo(0))
	require.Error(t, err)
	_, err = NewDecoder(tok, NewVocabularyInfo(10).WithUnknownID(10))
	require.Error(t, err)
	_, err = NewDecoder(nil, NewVocabularyInfo(10))
	require.Error(t, err)
	_, err = NewDecoder(tok, nil)
	require.Error(t, err)

	d := newTestDecoder(t, tok, NewVocabularyInfo(10))
	withSnapshot := d.WithSnapshot(ModelSnapshot{ModelType: "blip", EOS: SomeID(102)})
	assert.NotSame(t, d, withSnapshot)
	assert.Equal(t, "blip", withSnapshot.snapshot.ModelType)
	assert.Empty(t, d.snapshot.ModelType)
}

func TestVocabularyInfo(t *testing.T) {
	v := NewVocabularyInfo(30524).WithSpecialIDs(102, 0, 101, -1)
	_, ok := v.UnknownID()
	assert.False(t, ok)
	assert.Equal(t, []int{0, 101, 102}, v.SpecialIDs())
	assert.True(t, v.IsSpecial(101))
	assert.False(t, v.IsSpecial(-1))
	assert.False(t, v.IsSpecial(5))
	assert.Contains(t, v.String(), "unknown=absent")

	v.WithUnknownID(100)
	id, ok := v.UnknownID()
	assert.True(t, ok)
	assert.Equal(t, 100, id)
}

func TestModelSnapshot(t *testing.T) {
	s := ModelSnapshot{ModelType: "blip", VocabSize: SomeID(30524), BOS: SomeID(30522), EOS: SomeID(102)}
	assert.Equal(t, "model_type=blip vocab_size=30524 bos=30522 eos=102 pad=absent", s.String())
	assert.Equal(t, "model_type=unknown vocab_size=absent bos=absent eos=absent pad=absent", ModelSnapshot{}.String())
}

func TestVocabularyFromTokenizer(t *testing.T) {
	tok, err := hftokenizer.NewFromContent(nil, []byte(`{
		"added_tokens": [
			{"id": 0, "content": "[PAD]", "special": true},
			{"id": 1, "content": "[UNK]", "special": true},
			{"id": 2, "content": "[SEP]", "special": true}
		],
		"decoder": {"type": "WordPiece", "prefix": "##"},
		"model": {"type": "WordPiece", "unk_token": "[UNK]",
			"vocab": {"[PAD]": 0, "[UNK]": 1, "[SEP]": 2, "lungs": 3, "are": 4, "clear": 5}}
	}`))
	require.NoError(t, err)
	var _ api.TokenizerWithVocabulary = tok

	vocab := VocabularyFromTokenizer(tok)
	assert.Equal(t, 6, vocab.Size())
	unk, ok := vocab.UnknownID()
	require.True(t, ok)
	assert.Equal(t, 1, unk)
	assert.Equal(t, []int{0, 1, 2}, vocab.SpecialIDs())

	d := newTestDecoder(t, tok, vocab)
	got, err := d.Decode(TokenSequence{3, 4, 5, 2, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, "lungs are clear", got)
}
