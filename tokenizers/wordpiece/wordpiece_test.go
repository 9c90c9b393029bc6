package wordpiece

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var testVocab = []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "lungs", "are", "clear", "test", "##ing", "."}

func writeVocab(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(strings.Join(testVocab, "\n")+"\n"), 0644))
	return dir
}

func TestWordPiece(t *testing.T) {
	tok, err := New(nil, hub.NewLocal(writeVocab(t)))
	require.NoError(t, err)

	assert.Equal(t, len(testVocab), tok.VocabSize())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, tok.SpecialTokenIDs())

	ids := tok.Encode("Lungs are clear")
	assert.Equal(t, []int{5, 6, 7}, ids)
	assert.Equal(t, "lungs are clear", tok.Decode(ids))
	assert.Equal(t, "testing", tok.Decode([]int{8, 9}))

	unk, err := tok.SpecialTokenID(api.TokUnknown)
	require.NoError(t, err)
	assert.Equal(t, 1, unk)
	eos, err := tok.SpecialTokenID(api.TokEndOfSentence)
	require.NoError(t, err)
	assert.Equal(t, 3, eos)
}

func TestWordPieceMissingVocab(t *testing.T) {
	_, err := New(nil, hub.NewLocal(t.TempDir()))
	require.Error(t, err)
}

func TestEncodeFailureIsLogged(t *testing.T) {
	// Without an unknown token in the vocabulary, words that can't be split fail to encode.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("[PAD]\nlungs\n"), 0644))
	tok, err := New(nil, hub.NewLocal(dir))
	require.NoError(t, err)

	var logs bytes.Buffer
	klog.LogToStderr(false)
	klog.SetOutput(&logs)
	defer func() {
		klog.SetOutput(os.Stderr)
		klog.LogToStderr(true)
	}()
	assert.Empty(t, tok.Encode("xyzzy"))
	klog.Flush()
	assert.Contains(t, logs.String(), `wordpiece encoding of "xyzzy" failed`)
}
