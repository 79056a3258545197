// Package source turns playback-position requests into decoded frames.
//
// A Decoder models a media element with a playback cursor: seeking is
// asynchronous and reports completion on a channel. The Sampler wraps it
// with the frame-accurate contract the export loop needs: skip the seek when
// the cursor is already within Epsilon of the request, otherwise seek and
// wait for completion, but never longer than SeekTimeout.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/types"
)

const (
	DefaultEpsilon     = 10 * time.Millisecond
	DefaultSeekTimeout = 100 * time.Millisecond
	// DefaultStartupTimeout bounds the wait for the very first frame, which
	// includes starting the decoder.
	DefaultStartupTimeout = 10 * time.Second
)

// ErrEndOfStream is reported when a seek lands past the last decodable frame.
var ErrEndOfStream = errors.New("end of stream")

// DecodeError is a fatal failure of the underlying stream.
type DecodeError struct {
	Timestamp time.Duration
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed at %s: %v", e.Timestamp, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder is the media decode source.
type Decoder interface {
	// Position is the timestamp of the frame Current presents.
	Position() time.Duration
	// Seek repositions the cursor. The returned channel yields exactly one
	// value (nil once the frame at ts is presented) and is then closed.
	Seek(ts time.Duration) <-chan error
	// Current returns a copy of the presented frame, or nil before the first seek completes.
	Current() *image.RGBA
	Close() error
}

// Stats counts how the sampler resolved its requests.
type Stats struct {
	Samples  int64
	Seeks    int64
	Skipped  int64 // served without seeking
	Timeouts int64 // seek did not confirm within SeekTimeout
}

// Sampler implements deterministic seek-and-sample over a Decoder.
type Sampler struct {
	Decoder        Decoder
	Epsilon        time.Duration
	SeekTimeout    time.Duration
	StartupTimeout time.Duration // used instead of SeekTimeout while no frame exists
	Logger         *slog.Logger

	index    int
	samples  atomic.Int64
	seeks    atomic.Int64
	skipped  atomic.Int64
	timeouts atomic.Int64
}

// NewSampler wraps d with the default epsilon and seek timeout.
func NewSampler(d Decoder, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sampler{
		Decoder:        d,
		Epsilon:        DefaultEpsilon,
		SeekTimeout:    DefaultSeekTimeout,
		StartupTimeout: DefaultStartupTimeout,
		Logger:         logger,
	}
}

// Sample positions the decoder at ts and returns the frame presented there.
func (s *Sampler) Sample(ctx context.Context, ts time.Duration) (types.FrameSample, error) {
	s.samples.Add(1)
	if err := ctx.Err(); err != nil {
		return types.FrameSample{}, err
	}

	if abs(s.Decoder.Position()-ts) < s.epsilon() {
		if img := s.Decoder.Current(); img != nil {
			s.skipped.Add(1)
			return s.frame(ts, img)
		}
	}

	s.seeks.Add(1)
	done := s.Decoder.Seek(ts)
	wait := s.timeout()
	if s.Decoder.Current() == nil && s.StartupTimeout > wait {
		wait = s.StartupTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return types.FrameSample{}, &DecodeError{Timestamp: ts, Err: err}
		}
	case <-timer.C:
		s.timeouts.Add(1)
		s.Logger.Warn("seek did not complete in time, frame may be stale",
			"requested", ts, "position", s.Decoder.Position(), "timeout", wait)
	case <-ctx.Done():
		return types.FrameSample{}, ctx.Err()
	}

	return s.frame(ts, s.Decoder.Current())
}

func (s *Sampler) frame(ts time.Duration, img *image.RGBA) (types.FrameSample, error) {
	if img == nil {
		return types.FrameSample{}, &DecodeError{Timestamp: ts, Err: errors.New("no frame decoded yet")}
	}
	sample := types.FrameSample{Index: s.index, Timestamp: ts, Image: img}
	s.index++
	return sample, nil
}

func (s *Sampler) epsilon() time.Duration {
	if s.Epsilon <= 0 {
		return DefaultEpsilon
	}
	return s.Epsilon
}

func (s *Sampler) timeout() time.Duration {
	if s.SeekTimeout <= 0 {
		return DefaultSeekTimeout
	}
	return s.SeekTimeout
}

// Stats returns a snapshot of the sampler counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Samples:  s.samples.Load(),
		Seeks:    s.seeks.Load(),
		Skipped:  s.skipped.Load(),
		Timeouts: s.timeouts.Load(),
	}
}

// Close releases the decoder.
func (s *Sampler) Close() error {
	return s.Decoder.Close()
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
