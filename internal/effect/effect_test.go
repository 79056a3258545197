package effect

import (
	"image"
	"image/color"
	"testing"

	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradient fills a frame with a position-dependent pattern so every operator changes it.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: uint8((x ^ y) * 3), A: 255})
		}
	}
	return img
}

func clone(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}

// assertOutsideUntouched checks that no pixel outside rect changed.
func assertOutsideUntouched(t *testing.T, before, after *image.RGBA, rect image.Rectangle) {
	t.Helper()
	b := before.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if image.Pt(x, y).In(rect) {
				continue
			}
			if before.RGBAAt(x, y) != after.RGBAAt(x, y) {
				t.Fatalf("pixel (%d,%d) outside %v changed", x, y, rect)
			}
		}
	}
}

func TestRegion(t *testing.T) {
	bounds := image.Rect(0, 0, 100, 80)
	tests := []struct {
		name    string
		box     types.Box
		padding float64
		want    image.Rectangle
	}{
		{"no padding", types.Box{X: 10, Y: 10, W: 20, H: 20}, 0, image.Rect(10, 10, 30, 30)},
		{"padded", types.Box{X: 10, Y: 10, W: 20, H: 20}, 0.25, image.Rect(5, 5, 35, 35)},
		{"clamped at origin", types.Box{X: 2, Y: 1, W: 20, H: 20}, 0.5, image.Rect(0, 0, 32, 31)},
		{"clamped at far edge", types.Box{X: 90, Y: 70, W: 20, H: 20}, 0, image.Rect(90, 70, 100, 80)},
		{"outside frame", types.Box{X: 200, Y: 200, W: 10, H: 10}, 0.1, image.Rectangle{}},
		{"negative padding ignored", types.Box{X: 10, Y: 10, W: 20, H: 20}, -1, image.Rect(10, 10, 30, 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Region(tt.box, tt.padding, bounds)
			if tt.want.Empty() {
				assert.True(t, got.Empty(), "got %v", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSolid(t *testing.T) {
	img := gradient(40, 40)
	before := clone(img)
	rect := image.Rect(5, 5, 15, 20)

	r := NewRenderer()
	r.Color = color.RGBA{R: 200, G: 10, B: 30, A: 255}
	r.Apply(img, rect, types.EffectSolid)

	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			require.Equal(t, r.Color, img.RGBAAt(x, y))
		}
	}
	assertOutsideUntouched(t, before, img, rect)
}

func TestSecureUsesBorderAverage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		img.Pix[i] = 100
	}
	rect := image.Rect(3, 3, 6, 6)
	// make the inside distinct so we can tell it was overwritten
	fill(img, rect, color.RGBA{R: 255, A: 255})

	NewRenderer().Apply(img, rect, types.EffectSecure)
	assert.Equal(t, color.RGBA{R: 100, G: 100, B: 100, A: 255}, img.RGBAAt(4, 4))
}

func TestPixelateProducesUniformBlocks(t *testing.T) {
	img := gradient(64, 48)
	before := clone(img)
	rect := image.Rect(4, 4, 36, 30)

	r := Renderer{BlockSize: 8}
	r.Apply(img, rect, types.EffectPixelate)

	for by := rect.Min.Y; by < rect.Max.Y; by += 8 {
		for bx := rect.Min.X; bx < rect.Max.X; bx += 8 {
			cell := image.Rect(bx, by, bx+8, by+8).Intersect(rect)
			want := img.RGBAAt(cell.Min.X, cell.Min.Y)
			for y := cell.Min.Y; y < cell.Max.Y; y++ {
				for x := cell.Min.X; x < cell.Max.X; x++ {
					require.Equal(t, want, img.RGBAAt(x, y), "block at (%d,%d)", bx, by)
				}
			}
		}
	}
	assert.NotEqual(t, before.Pix, img.Pix)
	assertOutsideUntouched(t, before, img, rect)
}

func TestBlurKeepsFlatRegionsFlat(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 30, 30))
	fill(img, img.Bounds(), color.RGBA{R: 80, G: 90, B: 100, A: 255})
	rect := image.Rect(5, 5, 25, 25)

	Renderer{BlurRadius: 4}.Apply(img, rect, types.EffectBlur)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			require.Equal(t, color.RGBA{R: 80, G: 90, B: 100, A: 255}, img.RGBAAt(x, y))
		}
	}
}

func TestBlurSmoothsDetail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	before := clone(img)
	rect := image.Rect(10, 10, 30, 30)

	Renderer{BlurRadius: 3}.Apply(img, rect, types.EffectBlur)

	c := img.RGBAAt(20, 20)
	assert.InDelta(t, 127, int(c.R), 20, "checkerboard should average out")
	assertOutsideUntouched(t, before, img, rect)
}

func TestApplyClipsToImage(t *testing.T) {
	img := gradient(20, 20)
	assert.NotPanics(t, func() {
		NewRenderer().Apply(img, image.Rect(-10, -10, 50, 50), types.EffectBlur)
		NewRenderer().Apply(img, image.Rect(30, 30, 50, 50), types.EffectPixelate)
	})
}

func TestRenderTracksOrdersByIDAndSkipsExcluded(t *testing.T) {
	base := gradient(80, 60)
	t3 := &tracker.Track{ID: 3, Box: types.Box{X: 10, Y: 10, W: 30, H: 30}}
	t7 := &tracker.Track{ID: 7, Box: types.Box{X: 25, Y: 20, W: 30, H: 30}}
	t9 := &tracker.Track{ID: 9, Box: types.Box{X: 60, Y: 40, W: 10, H: 10}, Excluded: true}
	r := Renderer{BlockSize: 6}

	want := clone(base)
	r.Apply(want, Region(t3.Box, 0.1, want.Bounds()), types.EffectPixelate)
	r.Apply(want, Region(t7.Box, 0.1, want.Bounds()), types.EffectPixelate)

	forward := clone(base)
	n := r.RenderTracks(forward, []*tracker.Track{t3, t7, t9}, types.EffectPixelate, 0.1)
	assert.Equal(t, 2, n)

	reversed := clone(base)
	r.RenderTracks(reversed, []*tracker.Track{t9, t7, t3}, types.EffectPixelate, 0.1)

	assert.Equal(t, want.Pix, forward.Pix)
	assert.Equal(t, want.Pix, reversed.Pix)

	excludedRegion := Region(t9.Box, 0.1, base.Bounds())
	for y := excludedRegion.Min.Y; y < excludedRegion.Max.Y; y++ {
		for x := excludedRegion.Min.X; x < excludedRegion.Max.X; x++ {
			require.Equal(t, base.RGBAAt(x, y), forward.RGBAAt(x, y))
		}
	}
}

func TestRenderTracksPrefersSmoothedBox(t *testing.T) {
	img := gradient(50, 50)
	tr := &tracker.Track{ID: 1, Box: types.Box{X: 0, Y: 0, W: 10, H: 10}, Smoothed: types.Box{X: 30, Y: 30, W: 10, H: 10}}
	before := clone(img)

	NewRenderer().RenderTracks(img, []*tracker.Track{tr}, types.EffectSolid, 0)
	assert.Equal(t, before.RGBAAt(5, 5), img.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(35, 35))
}
