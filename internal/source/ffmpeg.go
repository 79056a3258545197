package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/utils"
)

// DefaultMaxSkip is how far ahead a seek may be served by reading forward
// before the decoder process is restarted at the target instead.
const DefaultMaxSkip = 2 * time.Second

var errDecoderClosed = errors.New("decoder closed")

// FFmpegDecoder decodes a file into RGBA frames through an ffmpeg child process.
// Forward seeks within MaxSkip read through the stream sequentially; backward or
// distant seeks restart ffmpeg with -ss at the target.
type FFmpegDecoder struct {
	Input   string
	Width   int
	Height  int
	FPS     float64
	MaxSkip time.Duration

	ctx    context.Context
	logger *slog.Logger

	// gen identifies the latest seek; an older one still queued is skipped.
	gen atomic.Int64
	// seekMu serializes seeks, which may block on the pipe.
	seekMu sync.Mutex
	cmd    *utils.SafeCommand
	out    io.ReadCloser
	next   time.Duration // timestamp of the next frame the pipe yields
	buf    []byte

	// mu guards the presented frame and process cancellation.
	mu     sync.Mutex
	frame  *image.RGBA
	pos    time.Duration
	cancel context.CancelFunc
	closed bool
}

// NewFFmpegDecoder prepares a decoder for input. The process starts on the first seek.
func NewFFmpegDecoder(ctx context.Context, input string, width, height int, fps float64, logger *slog.Logger) *FFmpegDecoder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FFmpegDecoder{
		Input:   input,
		Width:   width,
		Height:  height,
		FPS:     fps,
		MaxSkip: DefaultMaxSkip,
		ctx:     ctx,
		logger:  logger,
		pos:     -1,
	}
}

func (d *FFmpegDecoder) Position() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

func (d *FFmpegDecoder) Current() *image.RGBA {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		return nil
	}
	out := image.NewRGBA(d.frame.Rect)
	copy(out.Pix, d.frame.Pix)
	return out
}

func (d *FFmpegDecoder) Seek(ts time.Duration) <-chan error {
	done := make(chan error, 1)
	gen := d.gen.Add(1)
	go func() {
		defer close(done)
		d.seekMu.Lock()
		defer d.seekMu.Unlock()
		if d.gen.Load() != gen {
			done <- nil
			return
		}
		done <- d.seek(ts)
	}()
	return done
}

func (d *FFmpegDecoder) period() time.Duration {
	return time.Duration(float64(time.Second) / d.FPS)
}

func (d *FFmpegDecoder) seek(ts time.Duration) error {
	if d.isClosed() {
		return errDecoderClosed
	}

	half := d.period() / 2
	maxSkip := d.MaxSkip
	if maxSkip <= 0 {
		maxSkip = DefaultMaxSkip
	}
	if d.out == nil || ts < d.next-half || ts-d.next > maxSkip {
		if err := d.restart(ts); err != nil {
			return err
		}
	}

	size := d.Width * d.Height * 4
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	buf := d.buf[:size]

	for {
		if _, err := io.ReadFull(d.out, buf); err != nil {
			return d.readFailed(err)
		}
		at := d.next
		d.next += d.period()
		// take the frame whose presentation interval covers ts
		if at+half > ts {
			d.present(buf, ts)
			return nil
		}
	}
}

func (d *FFmpegDecoder) present(buf []byte, ts time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		d.frame = image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	}
	copy(d.frame.Pix, buf)
	d.pos = ts
}

// readFailed maps a short read into end of stream or the process failure behind it.
func (d *FFmpegDecoder) readFailed(readErr error) error {
	cmd := d.cmd
	werr := cmd.Wait()
	d.stop()
	d.cmd = nil

	if d.isClosed() {
		return errDecoderClosed
	}
	if werr != nil && d.ctx.Err() == nil {
		return fmt.Errorf("ffmpeg decoder exited: %w: %s", werr, cmd.Logs())
	}
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
		return ErrEndOfStream
	}
	return readErr
}

func (d *FFmpegDecoder) restart(ts time.Duration) error {
	if d.cmd != nil {
		d.stop()
		d.cmd.Wait()
		d.cmd = nil
	}

	ctx, cancel := context.WithCancel(d.ctx)
	cmd := utils.NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-ss", utils.FormatSeconds(ts),
		"-i", d.Input,
		"-vf", "fps="+strconv.FormatFloat(d.FPS, 'f', -1, 64),
		"-f", "rawvideo", "-pix_fmt", "rgba", "-")
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start decoder: %w", err)
	}

	d.logger.Debug("decoder started", "input", d.Input, "at", ts)
	d.cmd, d.out, d.next = cmd, out, ts
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	return nil
}

// stop kills the running process. The caller still owns Wait.
func (d *FFmpegDecoder) stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.out = nil
}

func (d *FFmpegDecoder) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close terminates the decoder process. Pending and later seeks fail.
func (d *FFmpegDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()
	// unblocks a seek stuck on the pipe
	if cancel != nil {
		cancel()
	}

	d.seekMu.Lock()
	defer d.seekMu.Unlock()
	if d.cmd != nil {
		d.stop()
		d.cmd.Wait()
		d.cmd = nil
	}
	return nil
}
