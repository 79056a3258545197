package types

import (
	"fmt"
	"image"
	"math"
	"strings"
	"time"
)

// Box is an axis-aligned rectangle in the pixel space of a frame.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

func (b Box) Right() float64  { return b.X + b.W }
func (b Box) Bottom() float64 { return b.Y + b.H }

// Area returns zero for degenerate boxes instead of a negative value.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

func (b Box) IsEmpty() bool {
	return b.W <= 0 || b.H <= 0
}

// Rect converts to integer pixel bounds, rounding outwards so no covered pixel is lost.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)),
		int(math.Floor(b.Y)),
		int(math.Ceil(b.Right())),
		int(math.Ceil(b.Bottom())),
	)
}

func (b Box) String() string {
	return fmt.Sprintf("(%.1f,%.1f %.1fx%.1f)", b.X, b.Y, b.W, b.H)
}

// Detection is one face observation for a single frame.
type Detection struct {
	Box      Box       `json:"box"`
	Score    float64   `json:"score"`
	Identity []float64 `json:"identity,omitempty"` // nil when the detector has no descriptor
}

// FrameSample is a decoded frame and the playback position it was sampled at.
type FrameSample struct {
	Index     int
	Timestamp time.Duration
	Image     *image.RGBA
}

// TimeRange is the half-open interval [Start, End).
type TimeRange struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

func (r TimeRange) Duration() time.Duration {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Effect selects the redaction operator.
type Effect int

const (
	EffectPixelate Effect = iota
	EffectBlur
	EffectSolid
	EffectSecure
)

var effectNames = map[Effect]string{
	EffectPixelate: "pixelate",
	EffectBlur:     "blur",
	EffectSolid:    "solid",
	EffectSecure:   "secure",
}

func (e Effect) String() string {
	if name, ok := effectNames[e]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(e))
}

// ParseEffect accepts the canonical names plus the older style aliases (pixel, gauss, black).
func ParseEffect(s string) (Effect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pixelate", "pixel":
		return EffectPixelate, nil
	case "blur", "gauss":
		return EffectBlur, nil
	case "solid", "black":
		return EffectSolid, nil
	case "secure":
		return EffectSecure, nil
	}
	return 0, fmt.Errorf("invalid effect '%s'. Must be one of: pixelate, blur, solid, secure", s)
}

func (e Effect) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Effect) UnmarshalText(b []byte) error {
	v, err := ParseEffect(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
