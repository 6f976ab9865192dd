package service

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// maxDecodePixels guards against decompression bombs.
const maxDecodePixels = 100_000_000

const (
	watermarkOpacity = 0.6
	watermarkMargin  = 16
)

// Watermarker turns originals into downsized, watermarked JPEG proofs.
type Watermarker struct {
	maxSize int
	quality int
	text    string
	font    *opentype.Font
}

// NewWatermarker creates a Watermarker. Size and quality are clamped.
// Parameters:
//   - maxSize: bounding box for the longest edge, in pixels.
//   - quality: JPEG quality.
//   - text: watermark text, stamped at the bottom-right corner.
//
// Returns:
//   - *Watermarker: ready transformer.
//   - error: non-nil if the bundled font cannot be parsed.
func NewWatermarker(maxSize, quality int, text string) (*Watermarker, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watermark font: %w", err)
	}
	if text == "" {
		text = DefaultWatermarkText
	}
	return &Watermarker{
		maxSize: ClampMaxSize(maxSize),
		quality: ClampQuality(quality),
		text:    text,
		font:    f,
	}, nil
}

// MaxSize returns the effective bounding box.
func (w *Watermarker) MaxSize() int { return w.maxSize }

// Quality returns the effective JPEG quality.
func (w *Watermarker) Quality() int { return w.quality }

// Transform writes a proof of src to dst.
// Returns ErrUnsupportedImage when src cannot be decoded.
func (w *Watermarker) Transform(src, dst string) error {
	if err := checkDimensions(src); err != nil {
		return err
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	b := img.Bounds()
	var out *image.NRGBA
	if b.Dx() > w.maxSize || b.Dy() > w.maxSize {
		out = imaging.Fit(img, w.maxSize, w.maxSize, imaging.Lanczos)
	} else {
		out = imaging.Clone(img)
	}
	return w.save(w.stamp(out), dst)
}

// Placeholder writes a grey watermarked JPEG to dst, used when an original cannot be decoded.
func (w *Watermarker) Placeholder(dst string) error {
	bg := imaging.New(w.maxSize, w.maxSize*2/3, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
	return w.save(w.stamp(bg), dst)
}

func checkDimensions(src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width*cfg.Height > maxDecodePixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUnsupportedImage, cfg.Width, cfg.Height, maxDecodePixels)
	}
	return nil
}

// stamp overlays the watermark label on the bottom-right corner of img.
func (w *Watermarker) stamp(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	label := w.label(b.Dx())
	if label == nil {
		return img
	}
	lb := label.Bounds()
	pos := image.Pt(max(b.Dx()-lb.Dx()-watermarkMargin, 0), max(b.Dy()-lb.Dy()-watermarkMargin, 0))
	return imaging.Overlay(img, label, pos, watermarkOpacity)
}

// label renders the watermark text on a dark band sized for an image of the given width.
func (w *Watermarker) label(width int) *image.NRGBA {
	size := max(float64(width)/40, 12)
	face, err := w.face(size)
	if err != nil {
		return nil
	}
	adv := font.MeasureString(face, w.text).Ceil()
	limit := width * 9 / 10
	if adv > limit && adv > 0 {
		face.Close()
		size = size * float64(limit) / float64(adv)
		if face, err = w.face(size); err != nil {
			return nil
		}
		adv = font.MeasureString(face, w.text).Ceil()
	}
	defer face.Close()

	m := face.Metrics()
	ascent, height := m.Ascent.Ceil(), (m.Ascent + m.Descent).Ceil()
	pad := max(height/2, 4)

	label := image.NewNRGBA(image.Rect(0, 0, adv+2*pad, height+2*pad))
	draw.Draw(label, label.Bounds(), image.NewUniform(color.NRGBA{A: 160}), image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  label,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(pad, pad+ascent),
	}
	d.DrawString(w.text)
	return label
}

func (w *Watermarker) face(size float64) (font.Face, error) {
	return opentype.NewFace(w.font, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

func (w *Watermarker) save(img image.Image, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create proof file: %w", err)
	}
	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(w.quality)); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode proof: %w", err)
	}
	return f.Close()
}
