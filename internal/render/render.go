// Package render draws detection boxes and the status overlay onto frames.
//
// Rendering never fails the pipeline: if the configured font cannot be loaded
// the text layer is disabled and only boxes are drawn.
package render

import (
	"fmt"
	"image"
	"image/color"
	"os"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

const boxThickness = 2

var (
	personColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	eventColor  = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	textColor   = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	shadowColor = color.RGBA{A: 200}
)

// Позиции строк статуса, как в исходном стенде: (10,30) и (10,70)
var (
	personsLine = image.Pt(10, 30)
	warningLine = image.Pt(10, 70)
)

type Options struct {
	FontPath      string
	FontSize      float64
	PersonsFormat string
	WarningFormat string
}

// Overlay is what the renderer draws on one frame.
type Overlay struct {
	Detections []models.LabeledDetection
	Persons    int
	// Warning is the aggregated warning line; empty still draws the prefix.
	Warning string
}

type Renderer struct {
	face          font.Face
	personsFormat string
	warningFormat string
	log           *zap.Logger
}

func New(opts Options, log *zap.Logger) *Renderer {
	r := &Renderer{
		personsFormat: opts.PersonsFormat,
		warningFormat: opts.WarningFormat,
		log:           log,
	}
	if r.personsFormat == "" {
		r.personsFormat = "Workers: %d"
	}
	if r.warningFormat == "" {
		r.warningFormat = "Warning: %s"
	}

	if opts.FontPath == "" {
		r.face = basicfont.Face7x13
		return r
	}

	face, err := loadFace(opts.FontPath, opts.FontSize)
	if err != nil {
		log.Error("overlay font unavailable, text disabled", zap.String("font", opts.FontPath), zap.Error(err))
		return r
	}
	r.face = face
	return r
}

func loadFace(path string, size float64) (font.Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	if size <= 0 {
		size = 25
	}
	return opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// TextEnabled reports whether overlay text is drawn.
func (r *Renderer) TextEnabled() bool {
	return r.face != nil
}

// Render returns an annotated copy of src. src is never modified.
func (r *Renderer) Render(src image.Image, o Overlay) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	for _, d := range o.Detections {
		c := eventColor
		if d.Person {
			c = personColor
		}
		rect := d.Detection.Box.Rect().Sub(b.Min).Intersect(dst.Bounds())
		if rect.Empty() {
			continue
		}
		drawBox(dst, rect, c)
		r.text(dst, image.Pt(rect.Min.X, max(rect.Min.Y-4, 12)), fmt.Sprintf("%s %.2f", d.Label, d.Detection.Confidence), c)
	}

	r.text(dst, personsLine, fmt.Sprintf(r.personsFormat, o.Persons), textColor)
	r.text(dst, warningLine, fmt.Sprintf(r.warningFormat, o.Warning), textColor)

	return dst
}

func (r *Renderer) text(dst draw.Image, at image.Point, s string, c color.Color) {
	if r.face == nil {
		return
	}
	defer func() {
		// битый глиф в шрифте не должен ронять поток
		if rec := recover(); rec != nil {
			r.log.Warn("overlay text skipped", zap.Any("panic", rec))
		}
	}()

	shadow := &font.Drawer{Dst: dst, Src: image.NewUniform(shadowColor), Face: r.face, Dot: fixed.P(at.X+1, at.Y+1)}
	shadow.DrawString(s)
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: r.face, Dot: fixed.P(at.X, at.Y)}
	d.DrawString(s)
}

func drawBox(dst draw.Image, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// Resize scales img to width x height. A zero size or an already matching
// image is returned unchanged.
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if width <= 0 || height <= 0 || (b.Dx() == width && b.Dy() == height) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
