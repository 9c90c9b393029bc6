package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, image []byte, prompt string) (string, error) {
	if string(image) == "broken" {
		return "", errors.New("invalid image")
	}
	return strings.TrimSpace(prompt + " lungs are clear"), nil
}

func TestCaptionAll(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	broken := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(good, []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(broken, []byte("broken"), 0o644))
	missing := filepath.Join(dir, "missing.png")

	var reported []string
	results := captionAll(context.Background(), fakeGenerator{}, []string{good, broken, missing}, "",
		func(r Result) { reported = append(reported, r.File) })
	require.Len(t, results, 3)
	assert.Equal(t, []string{good, broken, missing}, reported)
	assert.Equal(t, "lungs are clear", results[0].Report)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "invalid image", results[1].Error)
	assert.NotEmpty(t, results[2].Error)

	assert.Contains(t, render(results[0]), "lungs are clear")
	assert.Contains(t, render(results[1]), "error: invalid image")

	output := filepath.Join(dir, "reports.parquet")
	require.NoError(t, writeResults(output, results))
	rows, err := parquet.ReadFile[Result](output)
	require.NoError(t, err)
	assert.Equal(t, results, rows)
}

func TestCaptionAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := captionAll(ctx, fakeGenerator{}, []string{"a.png", "b.png"}, "", nil)
	assert.Empty(t, results)
}
