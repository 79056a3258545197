// Package smooth stabilises track geometry between frames with an exponential filter.
package smooth

import (
	"math"

	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
)

const (
	DefaultAlpha = 0.5
	DefaultSnap  = 0.5 // pixels
)

// Smoother blends each track's raw box into its previous smoothed box:
// smoothed = Alpha*raw + (1-Alpha)*previous. Components closer than Snap
// pixels to the raw value are snapped onto it, so a constant input settles
// exactly instead of approaching it forever.
type Smoother struct {
	Alpha float64
	Snap  float64
}

// New returns a Smoother with the default weights.
func New() Smoother {
	return Smoother{Alpha: DefaultAlpha, Snap: DefaultSnap}
}

// Smooth advances t.Smoothed by one frame and returns it. Only t is read or written.
func (s Smoother) Smooth(t *tracker.Track) types.Box {
	alpha := s.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}

	raw := t.Box
	if t.Smoothed.IsEmpty() {
		t.Smoothed = raw
		return raw
	}

	prev := t.Smoothed
	t.Smoothed = types.Box{
		X: s.blend(alpha, raw.X, prev.X),
		Y: s.blend(alpha, raw.Y, prev.Y),
		W: s.blend(alpha, raw.W, prev.W),
		H: s.blend(alpha, raw.H, prev.H),
	}
	return t.Smoothed
}

func (s Smoother) blend(alpha, raw, prev float64) float64 {
	v := alpha*raw + (1-alpha)*prev
	if math.Abs(v-raw) <= s.Snap {
		return raw
	}
	return v
}

// SmoothAll smooths every track in the slice independently.
func (s Smoother) SmoothAll(tracks []*tracker.Track) {
	for _, t := range tracks {
		s.Smooth(t)
	}
}
