// Package sink receives rendered frames in order and produces the output artifact.
package sink

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/veil/internal/types"
)

// Sink consumes frames in call order. Finalize is safe to call more than once;
// only the first call does any work.
type Sink interface {
	WriteFrame(ctx context.Context, frame types.FrameSample) error
	Finalize(ctx context.Context) (Artifact, error)
}

// Artifact describes what a finalized sink produced.
type Artifact struct {
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes"`
	Frames  int    `json:"frames"`
	Partial bool   `json:"partial"`
}

// EncodeError is a fatal failure of the output encoder.
type EncodeError struct {
	Frame int // frames accepted before the failure
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode failed after %d frames: %v", e.Frame, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Memory keeps frames in memory. It is meant for tests and for embedding
// callers that do their own encoding.
type Memory struct {
	mu        sync.Mutex
	frames    []types.FrameSample
	finalized int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) WriteFrame(ctx context.Context, frame types.FrameSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized > 0 {
		return &EncodeError{Frame: len(m.frames), Err: fmt.Errorf("write after finalize")}
	}
	m.frames = append(m.frames, frame)
	return nil
}

func (m *Memory) Finalize(ctx context.Context) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized++

	var size int64
	for _, f := range m.frames {
		if f.Image != nil {
			size += int64(len(f.Image.Pix))
		}
	}
	return Artifact{Bytes: size, Frames: len(m.frames)}, nil
}

// Frames returns the frames written so far, in order.
func (m *Memory) Frames() []types.FrameSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.FrameSample, len(m.frames))
	copy(out, m.frames)
	return out
}

// Finalized reports how many times Finalize was called.
func (m *Memory) Finalized() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// rows returns img's pixel rows as one contiguous slice, copying only when the
// image is a sub-image with a wider stride.
func rows(img *image.RGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	if img.Stride == rowLen {
		off := img.PixOffset(b.Min.X, b.Min.Y)
		return img.Pix[off : off+rowLen*b.Dy()]
	}
	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[off:off+rowLen]...)
	}
	return out
}
