package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProcessBytes(t *testing.T) {
	config := DefaultConfig()
	config.Size = 8
	p, err := New(config)
	require.NoError(t, err)

	tensor, err := p.ProcessBytes(solidPNG(t, 20, 10, color.NRGBA{R: 255, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 3, 8, 8}, tensor.Shape)
	require.Len(t, tensor.Data, 3*8*8)

	plane := 8 * 8
	wantR := (1 - config.Mean[0]) / config.Std[0]
	wantG := (0 - config.Mean[1]) / config.Std[1]
	wantB := (0 - config.Mean[2]) / config.Std[2]
	for i := range plane {
		assert.InDelta(t, wantR, tensor.Data[i], 0.02)
		assert.InDelta(t, wantG, tensor.Data[plane+i], 0.02)
		assert.InDelta(t, wantB, tensor.Data[2*plane+i], 0.02)
	}
}

func TestProcessWithoutResizeOrNormalize(t *testing.T) {
	p, err := New(Config{Size: 1, RescaleFactor: 1.0 / 255.0, DoRescale: true})
	require.NoError(t, err)
	tensor, err := p.ProcessBytes(solidPNG(t, 3, 2, color.Gray{Y: 51}))
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 3, 2, 3}, tensor.Shape)
	for _, v := range tensor.Data {
		assert.InDelta(t, 0.2, v, 1e-6)
	}
}

func TestProcessBytesInvalid(t *testing.T) {
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	for _, data := range [][]byte{nil, []byte("not an image"), solidPNG(t, 4, 4, color.White)[:30]} {
		_, err := p.ProcessBytes(data)
		require.ErrorIs(t, err, ErrInvalidImage)
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Size: 0})
	require.Error(t, err)
	config := DefaultConfig()
	config.Std[1] = 0
	_, err = New(config)
	require.Error(t, err)
}

func TestOrient(t *testing.T) {
	// 2x1 image: red on the left, blue on the right.
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	src.Set(0, 0, red)
	src.Set(1, 0, blue)

	tests := []struct {
		orientation   int
		width, height int
		first         color.NRGBA // Top-left pixel after orientation.
	}{
		{1, 2, 1, red},
		{2, 2, 1, blue},
		{3, 2, 1, blue},
		{4, 2, 1, red},
		{5, 1, 2, red},
		{6, 1, 2, red},
		{7, 1, 2, blue},
		{8, 1, 2, blue},
	}
	for _, tt := range tests {
		got := orient(src, tt.orientation)
		assert.Equal(t, tt.width, got.Bounds().Dx(), "orientation %d", tt.orientation)
		assert.Equal(t, tt.height, got.Bounds().Dy(), "orientation %d", tt.orientation)
		assert.Equal(t, tt.first, color.NRGBAModel.Convert(got.At(0, 0)), "orientation %d", tt.orientation)
	}
}

func TestExifOrientationAbsent(t *testing.T) {
	assert.Equal(t, 0, exifOrientation(solidPNG(t, 2, 2, color.White)))
}
