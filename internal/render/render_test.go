package render

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

func grayFrame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func TestRender_DrawsBoxesWithoutTouchingSource(t *testing.T) {
	r := New(Options{}, zap.NewNop())
	src := grayFrame(200, 200)

	out := r.Render(src, Overlay{
		Detections: []models.LabeledDetection{
			{Detection: models.Detection{Box: models.BBox{X1: 100, Y1: 100, X2: 150, Y2: 150}, Confidence: 0.9}, Label: "fire"},
			{Detection: models.Detection{Box: models.BBox{X1: 20, Y1: 120, X2: 60, Y2: 190}, Confidence: 0.8}, Label: "worker", Person: true},
		},
		Persons: 1,
		Warning: "fire",
	})

	require.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, eventColor, out.RGBAAt(100, 120))
	assert.Equal(t, eventColor, out.RGBAAt(149, 120))
	assert.Equal(t, personColor, out.RGBAAt(20, 150))
	// внутренность рамки не закрашивается
	assert.Equal(t, color.RGBA{128, 128, 128, 128}, out.RGBAAt(125, 125))
	assert.Equal(t, color.RGBA{128, 128, 128, 128}, src.RGBAAt(100, 120))
}

func TestRender_TextLayer(t *testing.T) {
	r := New(Options{}, zap.NewNop())
	require.True(t, r.TextEnabled())

	out := r.Render(grayFrame(320, 120), Overlay{})
	assert.True(t, hasColor(out, image.Rect(0, 15, 200, 75), textColor), "empty warning still draws the overlay lines")
}

func TestRender_MissingFontDisablesText(t *testing.T) {
	r := New(Options{FontPath: filepath.Join(t.TempDir(), "missing.ttf")}, zap.NewNop())
	require.False(t, r.TextEnabled())

	out := r.Render(grayFrame(320, 120), Overlay{
		Detections: []models.LabeledDetection{
			{Detection: models.Detection{Box: models.BBox{X1: 200, Y1: 10, X2: 300, Y2: 100}}, Label: "fall"},
		},
		Warning: "fall",
	})
	assert.False(t, hasColor(out, out.Bounds(), textColor))
	assert.Equal(t, eventColor, out.RGBAAt(200, 50))
}

func TestRender_BoxOutsideFrameIgnored(t *testing.T) {
	r := New(Options{}, zap.NewNop())
	out := r.Render(grayFrame(50, 50), Overlay{
		Detections: []models.LabeledDetection{
			{Detection: models.Detection{Box: models.BBox{X1: 100, Y1: 100, X2: 150, Y2: 150}}, Label: "fire"},
		},
	})
	assert.False(t, hasColor(out, out.Bounds(), eventColor))
}

func TestResize(t *testing.T) {
	src := grayFrame(1280, 960)

	out := Resize(src, 640, 480)
	assert.Equal(t, image.Rect(0, 0, 640, 480), out.Bounds())

	assert.Same(t, src, Resize(src, 0, 0).(*image.RGBA))
	assert.Same(t, src, Resize(src, 1280, 960).(*image.RGBA))
}

func hasColor(img *image.RGBA, r image.Rectangle, c color.RGBA) bool {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				return true
			}
		}
	}
	return false
}
