// Package tokenizers creates the tokenizer of a model repository, choosing the implementation from
// the files the repository holds.
//
// Example:
//
//	repo := hub.NewLocal(modelDir)
//	tok, err := tokenizers.New(repo)
//	text := tok.Decode(ids)
package tokenizers

import (
	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/gomlx/go-medreport/tokenizers/hftokenizer"
	"github.com/gomlx/go-medreport/tokenizers/sentencepiece"
	"github.com/gomlx/go-medreport/tokenizers/wordpiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConfigFileName is the optional tokenizer configuration, used to resolve special tokens.
const ConfigFileName = "tokenizer_config.json"

// Constructor creates a tokenizer from a repo.
type Constructor func(config *api.Config, repo *hub.Repo) (api.TokenizerWithVocabulary, error)

type backend struct {
	name     string
	fileName string
	new      Constructor
}

// backends in order of preference.
var backends = []backend{
	{"hftokenizer", "tokenizer.json", func(c *api.Config, r *hub.Repo) (api.TokenizerWithVocabulary, error) {
		return hftokenizer.New(c, r)
	}},
	{"sentencepiece", sentencepiece.FileName, func(c *api.Config, r *hub.Repo) (api.TokenizerWithVocabulary, error) {
		return sentencepiece.New(c, r)
	}},
	{"wordpiece", wordpiece.FileName, func(c *api.Config, r *hub.Repo) (api.TokenizerWithVocabulary, error) {
		return wordpiece.New(c, r)
	}},
}

// New creates the tokenizer of the repo: "tokenizer.json" is preferred, then a SentencePiece
// "tokenizer.model", then a WordPiece "vocab.txt".
func New(repo *hub.Repo) (api.TokenizerWithVocabulary, error) {
	config, err := LoadConfig(repo)
	if err != nil {
		return nil, err
	}
	for _, b := range backends {
		if !repo.HasFile(b.fileName) {
			continue
		}
		tok, err := b.new(config, repo)
		if err != nil {
			return nil, errors.WithMessagef(err, "creating %s tokenizer for %s", b.name, repo)
		}
		klog.V(1).Infof("using %s tokenizer (%s) from %s: vocabulary size %d", b.name, b.fileName, repo, tok.VocabSize())
		return tok, nil
	}
	return nil, errors.Errorf("no tokenizer file (tokenizer.json, %s or %s) found in %s",
		sentencepiece.FileName, wordpiece.FileName, repo)
}

// LoadConfig returns the parsed "tokenizer_config.json" of the repo, or nil if it has none.
func LoadConfig(repo *hub.Repo) (*api.Config, error) {
	if !repo.HasFile(ConfigFileName) {
		return nil, nil
	}
	path, err := repo.DownloadFile(ConfigFileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't download %s", ConfigFileName)
	}
	return api.ParseConfigFile(path)
}
