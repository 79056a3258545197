// Package effect applies destructive redaction operators to regions of an RGBA frame.
package effect

import (
	"image"
	"image/color"
	"math"
	"sort"
	"sync"

	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"golang.org/x/image/draw"
)

const (
	DefaultBlockSize  = 15
	DefaultBlurRadius = 15
	blurPasses        = 3 // three box passes approximate a Gaussian
)

// Renderer holds the operator parameters shared by every region of a session.
type Renderer struct {
	BlockSize  int        // pixelate cell size in pixels
	BlurRadius int        // box blur kernel radius
	Color      color.RGBA // solid fill
}

// NewRenderer returns a Renderer with default strengths and an opaque black fill.
func NewRenderer() Renderer {
	return Renderer{
		BlockSize:  DefaultBlockSize,
		BlurRadius: DefaultBlurRadius,
		Color:      color.RGBA{A: 255},
	}
}

// Region pads box by padding*width and padding*height on every side and clamps it to bounds.
func Region(box types.Box, padding float64, bounds image.Rectangle) image.Rectangle {
	if padding < 0 {
		padding = 0
	}
	padded := types.Box{
		X: box.X - box.W*padding,
		Y: box.Y - box.H*padding,
		W: box.W * (1 + 2*padding),
		H: box.H * (1 + 2*padding),
	}
	return padded.Rect().Intersect(bounds)
}

// Apply redacts region of img in place. Regions outside the image are clipped.
func (r Renderer) Apply(img *image.RGBA, region image.Rectangle, kind types.Effect) {
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return
	}

	switch kind {
	case types.EffectSolid:
		fill(img, region, r.Color)
	case types.EffectSecure:
		fill(img, region, borderAverage(img, region))
	case types.EffectBlur:
		radius := r.BlurRadius
		if radius < 1 {
			radius = DefaultBlurRadius
		}
		for i := 0; i < blurPasses; i++ {
			boxBlur(img, region, radius)
		}
	default:
		r.pixelate(img, region)
	}
}

// RenderTracks applies kind to every non-excluded track, lowest id first, and
// returns how many regions were drawn.
func (r Renderer) RenderTracks(img *image.RGBA, tracks []*tracker.Track, kind types.Effect, padding float64) int {
	ordered := make([]*tracker.Track, 0, len(tracks))
	for _, t := range tracks {
		if t != nil && !t.Excluded {
			ordered = append(ordered, t)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	drawn := 0
	for _, t := range ordered {
		box := t.Smoothed
		if box.IsEmpty() {
			box = t.Box
		}
		region := Region(box, padding, img.Bounds())
		if region.Empty() {
			continue
		}
		r.Apply(img, region, kind)
		drawn++
	}
	return drawn
}

func fill(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		off := img.PixOffset(rect.Min.X, y)
		for x := 0; x < rect.Dx(); x++ {
			img.Pix[off] = c.R
			img.Pix[off+1] = c.G
			img.Pix[off+2] = c.B
			img.Pix[off+3] = c.A
			off += 4
		}
	}
}

// borderAverage is the mean colour of the one-pixel ring just outside rect,
// so the fill blends into the surroundings.
func borderAverage(img *image.RGBA, rect image.Rectangle) color.RGBA {
	b := img.Bounds()
	var r, g, bl, count uint64
	add := func(x, y int) {
		off := img.PixOffset(x, y)
		r += uint64(img.Pix[off])
		g += uint64(img.Pix[off+1])
		bl += uint64(img.Pix[off+2])
		count++
	}

	for x := rect.Min.X; x < rect.Max.X; x++ {
		if y := rect.Min.Y - 1; y >= b.Min.Y {
			add(x, y)
		}
		if y := rect.Max.Y; y < b.Max.Y {
			add(x, y)
		}
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		if x := rect.Min.X - 1; x >= b.Min.X {
			add(x, y)
		}
		if x := rect.Max.X; x < b.Max.X {
			add(x, y)
		}
	}

	if count == 0 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: uint8(r / count), G: uint8(g / count), B: uint8(bl / count), A: 255}
}

// pixelate shrinks the region onto a coarse grid and fills each block of the
// region with its grid cell's colour.
func (r Renderer) pixelate(img *image.RGBA, rect image.Rectangle) {
	block := r.BlockSize
	if block < 1 {
		block = DefaultBlockSize
	}
	gw := int(math.Ceil(float64(rect.Dx()) / float64(block)))
	gh := int(math.Ceil(float64(rect.Dy()) / float64(block)))

	grid := image.NewRGBA(image.Rect(0, 0, gw, gh))
	draw.ApproxBiLinear.Scale(grid, grid.Bounds(), img, rect, draw.Src, nil)

	// Re-expand cell by cell so every block is exactly block×block pixels
	// (clipped at the right/bottom edge) regardless of the region size.
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			cell := image.Rect(
				rect.Min.X+gx*block,
				rect.Min.Y+gy*block,
				rect.Min.X+(gx+1)*block,
				rect.Min.Y+(gy+1)*block,
			).Intersect(rect)
			fill(img, cell, grid.RGBAAt(gx, gy))
		}
	}
}

// blurScratchPool recycles the intermediate buffer of the horizontal pass.
var blurScratchPool = sync.Pool{
	New: func() interface{} { return make([]uint8, 0, 1024*1024) },
}

// colSumsPool recycles the per-column accumulators of the vertical pass.
var colSumsPool = sync.Pool{
	New: func() interface{} { return make([]uint32, 0, 1024) },
}

// boxBlur is a separable sliding-window box blur confined to rect. Samples
// past the region edge are clamped to the edge so nothing outside rect leaks in.
func boxBlur(img *image.RGBA, rect image.Rectangle, radius int) {
	w, h := rect.Dx(), rect.Dy()
	if radius > w/2 {
		radius = w / 2
	}
	if radius > h/2 {
		radius = h / 2
	}
	if radius < 1 {
		return
	}
	count := uint32(2*radius + 1)
	clamp := func(v, n int) int {
		if v < 0 {
			return 0
		}
		if v >= n {
			return n - 1
		}
		return v
	}

	need := w * h * 4
	scratch := blurScratchPool.Get().([]uint8)
	if cap(scratch) < need {
		scratch = make([]uint8, need)
	}
	buf := scratch[:need]
	defer blurScratchPool.Put(scratch)

	pix := img.Pix

	// horizontal: image -> buf
	for y := 0; y < h; y++ {
		row := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		var rs, gs, bs uint32
		for k := -radius; k <= radius; k++ {
			off := row + clamp(k, w)*4
			rs += uint32(pix[off])
			gs += uint32(pix[off+1])
			bs += uint32(pix[off+2])
		}
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			buf[o] = uint8(rs / count)
			buf[o+1] = uint8(gs / count)
			buf[o+2] = uint8(bs / count)
			buf[o+3] = 255

			rem := row + clamp(x-radius, w)*4
			add := row + clamp(x+radius+1, w)*4
			rs = rs - uint32(pix[rem]) + uint32(pix[add])
			gs = gs - uint32(pix[rem+1]) + uint32(pix[add+1])
			bs = bs - uint32(pix[rem+2]) + uint32(pix[add+2])
		}
	}

	// vertical: buf -> image, row by row with one running sum per column
	sums := colSumsPool.Get().([]uint32)
	if cap(sums) < w*3 {
		sums = make([]uint32, w*3)
	}
	cols := sums[:w*3]
	for i := range cols {
		cols[i] = 0
	}
	defer colSumsPool.Put(sums)

	for k := -radius; k <= radius; k++ {
		ro := clamp(k, h) * w * 4
		for x := 0; x < w; x++ {
			o := ro + x*4
			cols[x*3] += uint32(buf[o])
			cols[x*3+1] += uint32(buf[o+1])
			cols[x*3+2] += uint32(buf[o+2])
		}
	}

	for y := 0; y < h; y++ {
		dst := img.PixOffset(rect.Min.X, rect.Min.Y+y)
		rem := clamp(y-radius, h) * w * 4
		add := clamp(y+radius+1, h) * w * 4
		for x := 0; x < w; x++ {
			d := dst + x*4
			pix[d] = uint8(cols[x*3] / count)
			pix[d+1] = uint8(cols[x*3+1] / count)
			pix[d+2] = uint8(cols[x*3+2] / count)

			cols[x*3] = cols[x*3] - uint32(buf[rem+x*4]) + uint32(buf[add+x*4])
			cols[x*3+1] = cols[x*3+1] - uint32(buf[rem+x*4+1]) + uint32(buf[add+x*4+1])
			cols[x*3+2] = cols[x*3+2] - uint32(buf[rem+x*4+2]) + uint32(buf[add+x*4+2])
		}
	}
}
