package tokenizers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/gomlx/go-medreport/tokenizers/hftokenizer"
	"github.com/gomlx/go-medreport/tokenizers/wordpiece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTokenizerJSON = `{
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "special": true},
    {"id": 1, "content": "[UNK]", "special": true},
    {"id": 5, "content": "[DEC]", "special": true}
  ],
  "normalizer": {"type": "BertNormalizer", "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "decoder": {"type": "WordPiece", "prefix": "##", "cleanup": true},
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "vocab": {"[PAD]": 0, "[UNK]": 1, "lungs": 2, "are": 3, "clear": 4}
  }
}`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestNewPrefersTokenizerJSON(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"tokenizer.json":        testTokenizerJSON,
		"vocab.txt":             "[PAD]\n[UNK]\nlungs\n",
		"tokenizer_config.json": `{"bos_token": "[DEC]", "do_lower_case": true}`,
	})
	tok, err := New(hub.NewLocal(dir))
	require.NoError(t, err)
	require.IsType(t, &hftokenizer.Tokenizer{}, tok)

	assert.Equal(t, 6, tok.VocabSize())
	assert.Equal(t, []int{0, 1, 5}, tok.SpecialTokenIDs())
	bos, err := tok.SpecialTokenID(api.TokBeginningOfSentence)
	require.NoError(t, err)
	assert.Equal(t, 5, bos)
	assert.Equal(t, "lungs are clear", tok.Decode(tok.Encode("Lungs are clear")))
}

func TestNewFallsBackToVocab(t *testing.T) {
	dir := writeFiles(t, map[string]string{"vocab.txt": "[PAD]\n[UNK]\n[CLS]\n[SEP]\nlungs\n"})
	tok, err := New(hub.NewLocal(dir))
	require.NoError(t, err)
	assert.IsType(t, &wordpiece.Tokenizer{}, tok)
}

func TestNewErrors(t *testing.T) {
	_, err := New(hub.NewLocal(t.TempDir()))
	require.Error(t, err)

	dir := writeFiles(t, map[string]string{"tokenizer.json": "{not json"})
	_, err = New(hub.NewLocal(dir))
	require.Error(t, err)

	dir = writeFiles(t, map[string]string{"tokenizer.json": testTokenizerJSON, ConfigFileName: "[]"})
	_, err = New(hub.NewLocal(dir))
	require.Error(t, err)
}
