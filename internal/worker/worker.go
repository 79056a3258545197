package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1
)

// Config selects the detector process and its per-frame limits.
type Config struct {
	Python             string
	Script             string
	DetectionThreshold float64
	ReadTimeout        time.Duration
}

// DefaultConfig runs python/worker.py with python3.
func DefaultConfig() Config {
	return Config{
		Python:             "python3",
		Script:             "python/worker.py",
		DetectionThreshold: 0.5,
		ReadTimeout:        30 * time.Second,
	}
}

// PythonWorker drives a detector process. Frames go in on stdin and results
// come back on a dedicated pipe (FD 3) so the model's own stdout chatter
// never corrupts the protocol.
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu sync.Mutex
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	def := DefaultConfig()
	if cfg.Python == "" {
		cfg.Python = def.Python
	}
	if cfg.Script == "" {
		cfg.Script = def.Script
	}

	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script,
		"--detection-threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a crashed interpreter
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// DetectRaw sends one RGBA frame and returns the detector's JSON payload.
// Request: [Width][Height][RGBA pixels]. Response: [Status] then either the
// JSON payload (status 0) or [MsgLen][Msg] (status 1).
func (w *PythonWorker) DetectRaw(ctx context.Context, img *image.RGBA) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, fmt.Errorf("nil frame")
	}

	b := img.Bounds()
	req := new(bytes.Buffer)
	req.Grow(8 + b.Dx()*b.Dy()*4)
	binary.Write(req, binary.BigEndian, uint32(b.Dx()))
	binary.Write(req, binary.BigEndian, uint32(b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		req.Write(img.Pix[off : off+b.Dx()*4])
	}

	w.mu.Lock()
	resp, err := w.Communicate(req.Bytes())
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return parseResponse(resp)
}

func parseResponse(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response from python worker")
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		body := resp[1:]
		if len(body) < 4 {
			return nil, fmt.Errorf("python worker error: truncated message")
		}
		n := binary.BigEndian.Uint32(body)
		if int(n) > len(body)-4 {
			return nil, fmt.Errorf("python worker error: truncated message")
		}
		return nil, fmt.Errorf("python worker error: %s", body[4:4+n])
	default:
		return nil, fmt.Errorf("unknown python worker status %d", resp[0])
	}
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
