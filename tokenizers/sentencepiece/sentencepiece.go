// Package sentencepiece implements a tokenizer based on SentencePiece "tokenizer.model" files, for
// checkpoints that don't ship a "tokenizer.json".
package sentencepiece

import (
	"slices"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/pkg/errors"
)

// FileName of the SentencePiece model proto in a model repository.
const FileName = "tokenizer.model"

// New creates a SentencePiece tokenizer based on the repo "tokenizer.model" file, which must be a
// SentencePiece Model proto.
//
// The config is accepted for symmetry with the other tokenizers: SentencePiece models carry their
// own special tokens.
func New(_ *api.Config, repo *hub.Repo) (*Tokenizer, error) {
	if !repo.HasFile(FileName) {
		return nil, errors.Errorf("%q file not found in %s", FileName, repo)
	}
	tokenizerFile, err := repo.DownloadFile(FileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't download %s file", FileName)
	}
	proc, err := esentencepiece.NewProcessorFromPath(tokenizerFile)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", tokenizerFile)
	}
	return &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
	}, nil
}

// Tokenizer implements api.TokenizerWithVocabulary based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

var _ api.TokenizerWithVocabulary = &Tokenizer{}

// Encode returns the text encoded into a sequence of ids.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = t.ID
	}
	return ids
}

// Decode returns the text from a sequence of ids. Ids outside the vocabulary are dropped.
func (p *Tokenizer) Decode(ids []int) string {
	size := p.VocabSize()
	valid := ids
	for i, id := range ids {
		if id < 0 || id >= size {
			valid = make([]int, 0, len(ids))
			valid = append(valid, ids[:i]...)
			for _, id := range ids[i+1:] {
				if id >= 0 && id < size {
					valid = append(valid, id)
				}
			}
			break
		}
	}
	return p.Processor.Decode(valid)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
// SentencePiece marks disabled special tokens with negative ids.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	var id int
	switch token {
	case api.TokUnknown:
		id = p.Info.UnknownID
	case api.TokPad:
		id = p.Info.PadID
	case api.TokBeginningOfSentence:
		id = p.Info.BeginningOfSentenceID
	case api.TokEndOfSentence:
		id = p.Info.EndOfSentenceID
	default:
		return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
	}
	if id < 0 {
		return 0, errors.Errorf("special token %s is disabled in the sentencepiece model", token)
	}
	return id, nil
}

// VocabSize returns the number of pieces of the model.
func (p *Tokenizer) VocabSize() int {
	return p.Info.VocabularySize
}

// SpecialTokenIDs returns the enabled pad, beginning, end and unknown ids, sorted.
func (p *Tokenizer) SpecialTokenIDs() []int {
	var ids []int
	for _, id := range []int{p.Info.UnknownID, p.Info.PadID, p.Info.BeginningOfSentenceID, p.Info.EndOfSentenceID} {
		if id >= 0 && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
