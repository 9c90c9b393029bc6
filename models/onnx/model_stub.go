//go:build !onnx

package onnx

import (
	"context"

	"github.com/gomlx/go-medreport/generation"
	"github.com/gomlx/go-medreport/imageproc"
	"github.com/pkg/errors"
)

// Model is not available without the "onnx" build tag.
type Model struct{}

var _ generation.Model = (*Model)(nil)

// Load validates the options and model files, and returns ErrNotCompiled.
func Load(dir string, options Options) (*Model, error) {
	if _, err := options.normalize(); err != nil {
		return nil, err
	}
	if _, err := FindModelFiles(dir); err != nil {
		return nil, err
	}
	return nil, errors.WithStack(ErrNotCompiled)
}

// Device always returns DeviceCPU.
func (m *Model) Device() string { return DeviceCPU }

// EncodeImage returns ErrNotCompiled.
func (m *Model) EncodeImage(context.Context, *imageproc.Tensor) (*generation.EncoderOutput, error) {
	return nil, errors.WithStack(ErrNotCompiled)
}

// DecodeStep returns ErrNotCompiled.
func (m *Model) DecodeStep(context.Context, *generation.EncoderOutput, [][]int) ([][]float32, error) {
	return nil, errors.WithStack(ErrNotCompiled)
}

// Close is a no-op.
func (m *Model) Close() error { return nil }
