// Package imageproc converts uploaded image bytes into the normalized pixel tensor consumed by the
// vision encoder: decode, EXIF orientation, RGB conversion, resize, rescale and normalization.
package imageproc

import (
	"bytes"
	"image"
	_ "image/gif"  // Register GIF decoder.
	_ "image/jpeg" // Register JPEG decoder.
	_ "image/png"  // Register PNG decoder.

	"github.com/pkg/errors"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp" // Register BMP decoder.
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder.
	_ "golang.org/x/image/webp" // Register WebP decoder.
	"k8s.io/klog/v2"
)

// ErrInvalidImage is returned for bytes that can't be decoded as a supported image.
var ErrInvalidImage = errors.New("invalid image")

// MaxPixels is the largest image (width*height) accepted for decoding.
const MaxPixels = 1 << 26

// Config of the preprocessing.
type Config struct {
	// Size of the square image fed to the encoder.
	Size int

	Mean, Std     [3]float32
	RescaleFactor float32

	DoResize, DoRescale, DoNormalize bool
}

// DefaultConfig returns BLIP's preprocessing: 384x384 bicubic resize, 1/255 rescale and the CLIP
// normalization constants.
func DefaultConfig() Config {
	return Config{
		Size:          384,
		Mean:          [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:           [3]float32{0.26862954, 0.26130258, 0.27577711},
		RescaleFactor: 1.0 / 255.0,
		DoResize:      true,
		DoRescale:     true,
		DoNormalize:   true,
	}
}

// Tensor is a float32 image batch in NCHW layout.
type Tensor struct {
	Data  []float32
	Shape [4]int
}

// Processor converts images to tensors. It is immutable and safe for concurrent use.
type Processor struct {
	config Config
}

// New creates a Processor.
func New(config Config) (*Processor, error) {
	if config.Size <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.Size)
	}
	for i, s := range config.Std {
		if config.DoNormalize && s == 0 {
			return nil, errors.Errorf("image_std[%d] is 0", i)
		}
	}
	return &Processor{config: config}, nil
}

// Config returns the preprocessing configuration.
func (p *Processor) Config() Config {
	return p.config
}

// ProcessBytes decodes the image in data and returns its [1, 3, H, W] tensor.
func (p *Processor) ProcessBytes(data []byte) (*Tensor, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "%v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, errors.Wrapf(ErrInvalidImage, "unsupported image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "decoding %s: %v", format, err)
	}
	if orientation := exifOrientation(data); orientation > 1 {
		klog.V(2).Infof("applying EXIF orientation %d", orientation)
		img = orient(img, orientation)
	}
	return p.Process(img), nil
}

// Process converts img to its [1, 3, H, W] tensor.
func (p *Processor) Process(img image.Image) *Tensor {
	c := p.config
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if c.DoResize {
		width, height = c.Size, c.Size
	}
	// NRGBA drops the alpha channel the same way an RGB conversion does.
	rgb := image.NewNRGBA(image.Rect(0, 0, width, height))
	if c.DoResize {
		draw.CatmullRom.Scale(rgb, rgb.Bounds(), img, bounds, draw.Src, nil)
	} else {
		draw.Draw(rgb, rgb.Bounds(), img, bounds.Min, draw.Src)
	}

	plane := width * height
	t := &Tensor{Data: make([]float32, 3*plane), Shape: [4]int{1, 3, height, width}}
	for y := range height {
		for x := range width {
			offset := rgb.PixOffset(x, y)
			for ch := range 3 {
				v := float32(rgb.Pix[offset+ch])
				if c.DoRescale {
					v *= c.RescaleFactor
				}
				if c.DoNormalize {
					v = (v - c.Mean[ch]) / c.Std[ch]
				}
				t.Data[ch*plane+y*width+x] = v
			}
		}
	}
	return t
}

// exifOrientation returns the EXIF orientation tag (1 to 8), or 0 if absent.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 0
	}
	return o
}

// orient returns img transformed according to the EXIF orientation o.
func orient(img image.Image, o int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dw, dh := w, h
	if o >= 5 {
		dw, dh = h, w
	}
	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	for y := range dh {
		for x := range dw {
			var sx, sy int
			switch o {
			case 2:
				sx, sy = w-1-x, y
			case 3:
				sx, sy = w-1-x, h-1-y
			case 4:
				sx, sy = x, h-1-y
			case 5:
				sx, sy = y, x
			case 6:
				sx, sy = y, h-1-x
			case 7:
				sx, sy = w-1-y, h-1-x
			case 8:
				sx, sy = w-1-y, x
			default:
				sx, sy = x, y
			}
			dst.Set(x, y, img.At(b.Min.X+sx, b.Min.Y+sy))
		}
	}
	return dst
}
