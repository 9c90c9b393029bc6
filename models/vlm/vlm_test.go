package vlm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-medreport/hub"
	"github.com/gomlx/go-medreport/imageproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blipConfig = `{
  "architectures": ["BlipForConditionalGeneration"],
  "model_type": "blip",
  "text_config": {
    "vocab_size": 30524,
    "bos_token_id": 30522,
    "eos_token_id": 2,
    "pad_token_id": 0,
    "sep_token_id": 102,
    "max_length": 20
  },
  "vision_config": {"image_size": 384}
}`

const blipPreprocessor = `{
  "do_normalize": true,
  "do_resize": true,
  "image_mean": [0.5, 0.5, 0.5],
  "image_std": [0.25, 0.25, 0.25],
  "rescale_factor": 0.00392156862745098,
  "size": {"height": 224, "width": 224}
}`

func TestParseBLIP(t *testing.T) {
	c, err := Parse([]byte(blipConfig), []byte(blipPreprocessor))
	require.NoError(t, err)
	assert.Equal(t, "blip", c.ModelType)
	assert.Equal(t, 20, c.MaxLength)

	size, ok := c.VocabSize.Get()
	require.True(t, ok)
	assert.Equal(t, 30524, size)

	start, ok := c.StartTokenID()
	require.True(t, ok)
	assert.Equal(t, 30522, start)
	assert.Equal(t, []int{102}, c.StopTokenIDs())

	assert.Equal(t, 224, c.Image.Size)
	assert.Equal(t, [3]float32{0.5, 0.5, 0.5}, c.Image.Mean)
	assert.Equal(t, [3]float32{0.25, 0.25, 0.25}, c.Image.Std)
	assert.True(t, c.Image.DoResize)

	snapshot := c.Snapshot()
	assert.Equal(t, "model_type=blip vocab_size=30524 bos=30522 eos=102 pad=0", snapshot.String())
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte(`{"model_type": "vision-encoder-decoder", "decoder": {"vocab_size": 50257, "eos_token_id": [50256, 50257], "decoder_start_token_id": 50256}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, imageproc.DefaultConfig(), c.Image)
	assert.Equal(t, []int{50256, 50257}, c.StopTokenIDs())
	start, ok := c.StartTokenID()
	require.True(t, ok)
	assert.Equal(t, 50256, start)
	_, ok = c.PadTokenID.Get()
	assert.False(t, ok)
	assert.Equal(t, "model_type=vision-encoder-decoder vocab_size=50257 bos=absent eos=50256 pad=absent", c.Snapshot().String())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`{`), nil)
	require.Error(t, err)
	_, err = Parse([]byte(`{"eos_token_id": "x"}`), nil)
	require.Error(t, err)
	_, err = Parse([]byte(`{}`), []byte(`{"image_mean": [0.5]}`))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(blipConfig), 0o644))

	c, err := Load(hub.NewLocal(dir))
	require.NoError(t, err)
	assert.Equal(t, 384, c.Image.Size)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PreprocessorConfigFileName), []byte(blipPreprocessor), 0o644))
	c, err = Load(hub.NewLocal(dir))
	require.NoError(t, err)
	assert.Equal(t, 224, c.Image.Size)

	_, err = Load(hub.NewLocal(t.TempDir()))
	require.Error(t, err)
}
