// Package imageproc prepares a photographed drawing for the vision model and
// the mesh service.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/models"
)

// Options controls both transforms.
type Options struct {
	// HeaderCropRatio is the share of the height removed from the top.
	HeaderCropRatio float64
	// MaxDimension bounds the longer side after normalization; 0 keeps size.
	MaxDimension int
	// ForcePortrait rotates landscape photos a quarter turn.
	ForcePortrait bool
	JPEGQuality   int
}

// OptionsFromConfig maps image settings out of the service config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		HeaderCropRatio: cfg.ImageHeaderCropRatio,
		MaxDimension:    cfg.ImageMaxDimension,
		ForcePortrait:   cfg.ImageForcePortrait,
		JPEGQuality:     cfg.ImageJPEGQuality,
	}
}

// Transformer implements Normalize and CropHeader on encoded image bytes.
// Output is always JPEG.
type Transformer struct {
	opts Options
}

func New(opts Options) *Transformer {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 95
	}
	if opts.HeaderCropRatio < 0 || opts.HeaderCropRatio >= 1 {
		opts.HeaderCropRatio = 0.15
	}
	return &Transformer{opts: opts}
}

// Normalize applies EXIF orientation, optionally forces portrait, and
// downscales so the longer side fits MaxDimension.
func (t *Transformer) Normalize(data []byte) ([]byte, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}

	if t.opts.ForcePortrait && img.Bounds().Dx() > img.Bounds().Dy() {
		img = imaging.Rotate270(img)
	}
	img = downscale(img, t.opts.MaxDimension)
	return t.encode(img)
}

// CropHeader removes the top band of the drawing where the design and name
// are printed.
func (t *Transformer) CropHeader(data []byte) ([]byte, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	cut := int(float64(b.Dy()) * t.opts.HeaderCropRatio)
	if cut >= b.Dy() {
		return nil, fmt.Errorf("%w: image too short to crop", models.ErrValidation)
	}
	cropped := imaging.Crop(img, image.Rect(b.Min.X, b.Min.Y+cut, b.Max.X, b.Max.Y))
	return t.encode(cropped)
}

func decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", models.ErrValidation)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, errors.New("invalid image dimensions")
	}
	return img, nil
}

func downscale(src image.Image, maxDim int) image.Image {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return src
	}
	newW, newH := maxDim, maxDim
	if w >= h {
		newH = int(float64(h) * float64(maxDim) / float64(w))
	} else {
		newW = int(float64(w) * float64(maxDim) / float64(h))
	}
	if newW == 0 {
		newW = 1
	}
	if newH == 0 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func (t *Transformer) encode(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(t.opts.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
