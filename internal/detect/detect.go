// Package detect adapts an external face detector to the per-frame detection contract.
package detect

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"

	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/types"
)

// RawDetector runs the external model on one frame and returns its JSON output.
type RawDetector interface {
	DetectRaw(ctx context.Context, img *image.RGBA) ([]byte, error)
}

// RawFunc lets a plain function serve as a RawDetector.
type RawFunc func(ctx context.Context, img *image.RGBA) ([]byte, error)

func (f RawFunc) DetectRaw(ctx context.Context, img *image.RGBA) ([]byte, error) {
	return f(ctx, img)
}

// Detector yields the detections for a frame. It never fails.
type Detector interface {
	Detect(ctx context.Context, frame types.FrameSample) []types.Detection
}

// DetectionError records a detector failure that was replaced by an empty result.
type DetectionError struct {
	Index int
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection failed on frame %d: %v", e.Index, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// Filter drops weak or tiny detections.
type Filter struct {
	MinScore float64
	MinSize  float64 // pixels, applied to both sides
}

func (f Filter) Apply(dets []types.Detection) []types.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Score < f.MinScore {
			continue
		}
		if d.Box.W < f.MinSize || d.Box.H < f.MinSize {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Adapter normalizes a RawDetector's output. A failing or unparsable call is
// logged and treated as a frame with no faces.
type Adapter struct {
	Raw    RawDetector
	Filter Filter
	Logger *slog.Logger

	failures atomic.Int64
	last     atomic.Pointer[DetectionError]
}

// NewAdapter wraps raw with an empty filter.
func NewAdapter(raw RawDetector, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Adapter{Raw: raw, Logger: logger}
}

func (a *Adapter) Detect(ctx context.Context, frame types.FrameSample) []types.Detection {
	raw, err := a.Raw.DetectRaw(ctx, frame.Image)
	if err != nil {
		a.fail(frame, err)
		return nil
	}
	dets, err := Normalize(raw)
	if err != nil {
		a.fail(frame, err)
		return nil
	}
	return a.Filter.Apply(dets)
}

func (a *Adapter) fail(frame types.FrameSample, err error) {
	derr := &DetectionError{Index: frame.Index, Err: err}
	a.failures.Add(1)
	a.last.Store(derr)
	if a.Logger != nil {
		a.Logger.Warn("detector failed, treating frame as empty",
			"frame", frame.Index, "timestamp", frame.Timestamp, "error", err)
	}
}

// Failures is the number of frames whose detection was swallowed.
func (a *Adapter) Failures() int64 {
	return a.failures.Load()
}

// LastError returns the most recent swallowed failure, or nil.
func (a *Adapter) LastError() *DetectionError {
	return a.last.Load()
}
