// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format.
// This format is used by the HuggingFace Tokenizers library (the "fast" tokenizers)
// and supports WordPiece (BERT, and the text decoder of BLIP), BPE (GPT-2, RoBERTa), and Unigram models.
//
// Decoding is the operation that matters for captioning models: the decoder pipeline
// (WordPiece, ByteLevel, Metaspace, BPEDecoder and the Sequence steps Replace, Strip, ByteFallback
// and Fuse) is implemented as in the reference library.
package hftokenizer

import (
	"encoding/json"
	"os"
	"slices"
	"sort"

	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
type TokenizerJSON struct {
	Version       string          `json:"version"`
	Truncation    json.RawMessage `json:"truncation"`
	Padding       json.RawMessage `json:"padding"`
	AddedTokens   []AddedToken    `json:"added_tokens"`
	Normalizer    *Normalizer     `json:"normalizer"`
	PreTokenizer  *PreTokenizer   `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Decoder       *Decoder        `json:"decoder"`
	Model         Model           `json:"model"`
}

// AddedToken represents a token added to the vocabulary, usually a special one.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Pattern for string or regex based operations.
type Pattern struct {
	Regex  string `json:"Regex,omitempty"`
	String string `json:"String,omitempty"`
}

// Model represents the tokenizer model (WordPiece, BPE, or Unigram).
type Model struct {
	Type                    string   `json:"type"`
	Vocab                   Vocab    `json:"vocab"`
	Merges                  Merges   `json:"merges"`
	UnkToken                string   `json:"unk_token"`
	UnkID                   *int     `json:"unk_id"`
	ContinuingSubwordPrefix string   `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int      `json:"max_input_chars_per_word"`
	FuseUnk                 bool     `json:"fuse_unk"`
	ByteFallback            bool     `json:"byte_fallback"`
	Dropout                 *float64 `json:"dropout"`
	EndOfWordSuffix         string   `json:"end_of_word_suffix"`
}

// Vocab maps tokens to ids.
//
// In tokenizer.json it is either an object (WordPiece, BPE) or, for Unigram models, a list of
// [piece, score] pairs where the id is the position in the list. Scores are kept for the latter.
type Vocab struct {
	IDs    map[string]int
	Scores []float64
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Vocab) UnmarshalJSON(data []byte) error {
	v.IDs = make(map[string]int)
	v.Scores = nil
	if string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, &v.IDs); err == nil {
		return nil
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return errors.Wrap(err, "vocab must be an object or a list of [piece, score] pairs")
	}
	v.IDs = make(map[string]int, len(pairs))
	v.Scores = make([]float64, len(pairs))
	for id, pair := range pairs {
		var piece string
		if err := json.Unmarshal(pair[0], &piece); err != nil {
			return errors.Wrapf(err, "invalid piece in vocab entry #%d", id)
		}
		if err := json.Unmarshal(pair[1], &v.Scores[id]); err != nil {
			return errors.Wrapf(err, "invalid score in vocab entry #%d", id)
		}
		v.IDs[piece] = id
	}
	return nil
}

// Merges of a BPE model. In tokenizer.json they are either "a b" strings or ["a", "b"] pairs.
type Merges []string

// UnmarshalJSON implements json.Unmarshaler.
func (m *Merges) UnmarshalJSON(data []byte) error {
	var strs []string
	if err := json.Unmarshal(data, &strs); err == nil {
		*m = strs
		return nil
	}
	var pairs [][2]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return errors.Wrap(err, "merges must be a list of strings or of pairs")
	}
	*m = make([]string, len(pairs))
	for i, p := range pairs {
		(*m)[i] = p[0] + " " + p[1]
	}
	return nil
}

// Tokenizer implements the api.TokenizerWithVocabulary interface for HuggingFace tokenizer.json files.
type Tokenizer struct {
	config     *api.Config
	tokenizer  *TokenizerJSON
	idToToken  map[int]string
	mergeRanks map[string]int // BPE: "token1 token2" -> merge priority.
	vocabSize  int

	// special maps the special token semantic to its id, if known.
	special map[api.SpecialToken]int
	// clsID and sepID are used as fallbacks for beginning/end of sentence in BERT-style models.
	clsID, sepID int

	// Added tokens lookup (content -> id).
	addedTokens map[string]int
	specialIDs  []int
}

var (
	_ api.Tokenizer               = &Tokenizer{}
	_ api.TokenizerWithVocabulary = &Tokenizer{}
)

// New creates a HuggingFace tokenizer from the repo "tokenizer.json" file.
// The config, parsed from "tokenizer_config.json", is optional and may be nil.
func New(config *api.Config, repo *hub.Repo) (*Tokenizer, error) {
	if !repo.HasFile("tokenizer.json") {
		return nil, errors.Errorf("\"tokenizer.json\" file not found in %s", repo)
	}
	tokenizerFile, err := repo.DownloadFile("tokenizer.json")
	if err != nil {
		return nil, errors.WithMessage(err, "can't download tokenizer.json file")
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(config, content)
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	if tj.Model.Vocab.IDs == nil {
		tj.Model.Vocab.IDs = make(map[string]int)
	}

	t := &Tokenizer{
		config:      config,
		tokenizer:   &tj,
		idToToken:   make(map[int]string),
		addedTokens: make(map[string]int),
		special:     make(map[api.SpecialToken]int),
		clsID:       -1,
		sepID:       -1,
	}
	for token, id := range tj.Model.Vocab.IDs {
		t.idToToken[id] = token
		t.vocabSize = max(t.vocabSize, id+1)
	}
	for _, at := range tj.AddedTokens {
		t.addedTokens[at.Content] = at.ID
		t.idToToken[at.ID] = at.Content
		t.vocabSize = max(t.vocabSize, at.ID+1)
	}
	if tj.Model.Type == "BPE" {
		t.mergeRanks = make(map[string]int, len(tj.Model.Merges))
		for i, merge := range tj.Model.Merges {
			t.mergeRanks[merge] = i
		}
	}
	t.resolveSpecialTokens()
	return t, nil
}

// resolveSpecialTokens maps special tokens to their ids: first from the model and the added tokens
// flagged as special, then from the tokenizer config, which takes precedence.
func (t *Tokenizer) resolveSpecialTokens() {
	model := &t.tokenizer.Model
	if model.UnkToken != "" {
		if id, ok := t.TokenToID(model.UnkToken); ok {
			t.special[api.TokUnknown] = id
		}
	} else if model.UnkID != nil {
		t.special[api.TokUnknown] = *model.UnkID
	}

	specialSet := make(map[int]bool)
	for _, at := range t.tokenizer.AddedTokens {
		if !at.Special {
			continue
		}
		specialSet[at.ID] = true
		switch at.Content {
		case "[UNK]", "<unk>":
			t.special[api.TokUnknown] = at.ID
		case "[PAD]", "<pad>":
			t.special[api.TokPad] = at.ID
		case "[CLS]":
			t.clsID = at.ID
		case "[SEP]":
			t.sepID = at.ID
		case "<s>":
			t.special[api.TokBeginningOfSentence] = at.ID
		case "</s>":
			t.special[api.TokEndOfSentence] = at.ID
		case "[MASK]", "<mask>":
			t.special[api.TokMask] = at.ID
		}
	}

	if t.config != nil {
		for tok, content := range t.config.SpecialTokenStrings() {
			id, ok := t.TokenToID(content)
			if !ok {
				continue
			}
			specialSet[id] = true
			if tok == api.TokClassification {
				t.clsID = id
				continue
			}
			t.special[tok] = id
		}
		if id, ok := t.TokenToID(t.config.SepToken); ok && t.config.SepToken != "" {
			t.sepID = id
		}
		for idStr, added := range t.config.AddedTokensDecoder {
			if !added.Special {
				continue
			}
			if id, ok := t.TokenToID(added.Content); ok {
				specialSet[id] = true
			} else {
				klog.V(2).Infof("added token #%s %q of tokenizer config not in tokenizer.json", idStr, added.Content)
			}
		}
	}
	for _, id := range t.special {
		specialSet[id] = true
	}
	if t.clsID >= 0 {
		specialSet[t.clsID] = true
	}
	if t.sepID >= 0 {
		specialSet[t.sepID] = true
	}
	t.specialIDs = make([]int, 0, len(specialSet))
	for id := range specialSet {
		t.specialIDs = append(t.specialIDs, id)
	}
	slices.Sort(t.specialIDs)
}

// SpecialTokenID returns the ID for a given special token.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if id, ok := t.special[token]; ok {
		return id, nil
	}
	switch token {
	case api.TokBeginningOfSentence, api.TokClassification:
		// BERT-style models use CLS to start sequences.
		if t.clsID >= 0 {
			return t.clsID, nil
		}
	case api.TokEndOfSentence:
		if t.sepID >= 0 {
			return t.sepID, nil
		}
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// SpecialTokenIDs returns the sorted ids of all special tokens. It implements api.TokenizerWithVocabulary.
func (t *Tokenizer) SpecialTokenIDs() []int {
	return slices.Clone(t.specialIDs)
}

// VocabSize returns the number of decodable ids: one more than the largest id known, which accounts for
// vocabularies with holes or added tokens past the model vocabulary.
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

// GetVocab returns the full vocabulary mapping, including added tokens.
func (t *Tokenizer) GetVocab() map[string]int {
	vocab := make(map[string]int, len(t.tokenizer.Model.Vocab.IDs)+len(t.addedTokens))
	for k, v := range t.tokenizer.Model.Vocab.IDs {
		vocab[k] = v
	}
	for k, v := range t.addedTokens {
		vocab[k] = v
	}
	return vocab
}

// GetTokenizerType returns the model type (WordPiece, BPE, Unigram).
func (t *Tokenizer) GetTokenizerType() string {
	return t.tokenizer.Model.Type
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.addedTokens[token]; ok {
		return id, true
	}
	id, ok := t.tokenizer.Model.Vocab.IDs[token]
	return id, ok
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// AddedTokensList returns the list of added tokens sorted by ID.
func (t *Tokenizer) AddedTokensList() []AddedToken {
	result := slices.Clone(t.tokenizer.AddedTokens)
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}
