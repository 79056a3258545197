package smooth

import (
	"testing"

	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstFrameTakesRawBox(t *testing.T) {
	tr := &tracker.Track{ID: 1, Box: types.Box{X: 10, Y: 20, W: 30, H: 40}}
	got := New().Smooth(tr)
	assert.Equal(t, tr.Box, got)
	assert.Equal(t, tr.Box, tr.Smoothed)
}

func TestBlendsTowardsRaw(t *testing.T) {
	s := Smoother{Alpha: 0.5}
	tr := &tracker.Track{Box: types.Box{X: 0, Y: 0, W: 10, H: 10}}
	s.Smooth(tr)

	tr.Box = types.Box{X: 20, Y: 0, W: 10, H: 10}
	got := s.Smooth(tr)
	assert.InDelta(t, 10.0, got.X, 1e-9)
	assert.Equal(t, 10.0, got.W)
}

func TestConstantInputConverges(t *testing.T) {
	s := New()
	raw := types.Box{X: 10, Y: 10, W: 50, H: 50}
	tr := &tracker.Track{Box: types.Box{X: 90, Y: 70, W: 20, H: 25}}
	s.Smooth(tr)

	tr.Box = raw
	converged := -1
	for i := 0; i < 30; i++ {
		got := s.Smooth(tr)
		if got == raw && converged < 0 {
			converged = i
		}
		if converged >= 0 {
			require.Equal(t, raw, got, "left the raw box after converging at step %d", converged)
		}
	}
	assert.GreaterOrEqual(t, converged, 0, "never converged")
}

func TestConstantFromBirthStaysPut(t *testing.T) {
	s := New()
	raw := types.Box{X: 10, Y: 10, W: 50, H: 50}
	tr := &tracker.Track{Box: raw}
	for i := 0; i < 5; i++ {
		assert.Equal(t, raw, s.Smooth(tr))
	}
}

func TestTracksDoNotInteract(t *testing.T) {
	s := New()
	a := &tracker.Track{ID: 1, Box: types.Box{X: 0, Y: 0, W: 10, H: 10}}
	b := &tracker.Track{ID: 2, Box: types.Box{X: 500, Y: 500, W: 80, H: 80}}
	s.SmoothAll([]*tracker.Track{a, b})

	a.Box = types.Box{X: 40, Y: 0, W: 10, H: 10}
	before := b.Smoothed
	s.Smooth(a)
	assert.Equal(t, before, b.Smoothed)
}

func TestInvalidAlphaFallsBack(t *testing.T) {
	s := Smoother{Alpha: 7}
	tr := &tracker.Track{Box: types.Box{X: 0, Y: 0, W: 10, H: 10}}
	s.Smooth(tr)
	tr.Box.X = 20
	assert.InDelta(t, 10.0, s.Smooth(tr).X, 1e-9)
}
