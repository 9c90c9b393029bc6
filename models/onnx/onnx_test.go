package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o644))
}

func TestFindModelFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := FindModelFiles(dir)
	require.Error(t, err)

	touch(t, filepath.Join(dir, "encoder_model.onnx"))
	_, err = FindModelFiles(dir)
	require.ErrorContains(t, err, "text decoder")

	touch(t, filepath.Join(dir, "onnx", "decoder_model.onnx"))
	touch(t, filepath.Join(dir, "vision_model.onnx"))
	files, err := FindModelFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vision_model.onnx"), files.Encoder)
	assert.Equal(t, filepath.Join(dir, "onnx", "decoder_model.onnx"), files.Decoder)
}

func TestOptions(t *testing.T) {
	o, err := Options{}.normalize()
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, o.Device)

	o, err = Options{Device: " CUDA "}.normalize()
	require.NoError(t, err)
	assert.Equal(t, DeviceCUDA, o.Device)

	_, err = Options{Device: "tpu"}.normalize()
	require.Error(t, err)
	_, err = Options{NumThreads: -1}.normalize()
	require.Error(t, err)
}

func TestIsPastKeyValues(t *testing.T) {
	assert.True(t, isPastKeyValues("past_key_values.0.key"))
	assert.True(t, isPastKeyValues("use_cache_branch"))
	assert.False(t, isPastKeyValues("input_ids"))
	assert.False(t, isPastKeyValues("encoder_hidden_states"))
}
