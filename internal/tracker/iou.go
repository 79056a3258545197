package tracker

import (
	"math"

	"github.com/andresmejia3/veil/internal/types"
)

// IoU is the intersection-over-union of two axis-aligned boxes, in [0,1].
func IoU(a, b types.Box) float64 {
	interW := math.Max(0, math.Min(a.Right(), b.Right())-math.Max(a.X, b.X))
	interH := math.Max(0, math.Min(a.Bottom(), b.Bottom())-math.Max(a.Y, b.Y))
	inter := interW * interH

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
