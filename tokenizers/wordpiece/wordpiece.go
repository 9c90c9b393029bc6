// Package wordpiece implements a BERT-style tokenizer for checkpoints that only ship a "vocab.txt",
// using github.com/sugarme/tokenizer.
package wordpiece

import (
	"slices"

	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoder"
	swordpiece "github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"k8s.io/klog/v2"
)

// FileName of the WordPiece vocabulary: one token per line, the line number is the id.
const FileName = "vocab.txt"

// Tokenizer wraps a sugarme WordPiece tokenizer.
type Tokenizer struct {
	tk         *tk.Tokenizer
	special    map[api.SpecialToken]int
	specialIDs []int
}

var _ api.TokenizerWithVocabulary = &Tokenizer{}

// defaultSpecialTokens used by BERT vocabularies.
var defaultSpecialTokens = map[api.SpecialToken]string{
	api.TokUnknown:             "[UNK]",
	api.TokPad:                 "[PAD]",
	api.TokClassification:      "[CLS]",
	api.TokBeginningOfSentence: "[CLS]",
	api.TokEndOfSentence:       "[SEP]",
	api.TokMask:                "[MASK]",
}

// New creates a WordPiece tokenizer from the repo "vocab.txt". The config (from "tokenizer_config.json")
// may be nil.
func New(config *api.Config, repo *hub.Repo) (*Tokenizer, error) {
	if !repo.HasFile(FileName) {
		return nil, errors.Errorf("%q file not found in %s", FileName, repo)
	}
	vocabPath, err := repo.DownloadFile(FileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't download %s file", FileName)
	}
	return NewFromFile(config, vocabPath)
}

// NewFromFile creates a WordPiece tokenizer from a local vocabulary file.
func NewFromFile(config *api.Config, vocabPath string) (*Tokenizer, error) {
	names := make(map[api.SpecialToken]string, len(defaultSpecialTokens))
	for tok, name := range defaultSpecialTokens {
		names[tok] = name
	}
	lowercase := true
	if config != nil {
		lowercase = config.DoLowerCase
		for tok, name := range config.SpecialTokenStrings() {
			names[tok] = name
		}
	}

	model, err := swordpiece.NewWordPieceFromFile(vocabPath, names[api.TokUnknown])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load WordPiece vocabulary %q", vocabPath)
	}
	t := tk.NewTokenizer(model)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, lowercase, lowercase))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	t.WithDecoder(decoder.NewWordPieceDecoder("##", true))

	w := &Tokenizer{tk: t, special: make(map[api.SpecialToken]int)}
	for tok, name := range names {
		if id, ok := t.TokenToId(name); ok {
			w.special[tok] = id
			if !slices.Contains(w.specialIDs, id) {
				w.specialIDs = append(w.specialIDs, id)
			}
		}
	}
	slices.Sort(w.specialIDs)
	return w, nil
}

// Encode converts text to token ids, without adding special tokens.
func (w *Tokenizer) Encode(text string) []int {
	enc, err := w.tk.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), false)
	if err != nil {
		klog.Warningf("wordpiece encoding of %q failed, using no tokens: %v", text, err)
		return nil
	}
	return enc.GetIds()
}

// Decode converts ids back to text. Special tokens are kept, unknown ids are dropped.
func (w *Tokenizer) Decode(ids []int) string {
	return w.tk.Decode(ids, false)
}

// SpecialTokenID returns the ID for the given special token, if present in the vocabulary.
func (w *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if id, ok := w.special[token]; ok {
		return id, nil
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// VocabSize returns the number of tokens in the vocabulary.
func (w *Tokenizer) VocabSize() int {
	return w.tk.GetVocabSize(true)
}

// SpecialTokenIDs returns the sorted ids of the special tokens found in the vocabulary.
func (w *Tokenizer) SpecialTokenIDs() []int {
	return slices.Clone(w.specialIDs)
}
