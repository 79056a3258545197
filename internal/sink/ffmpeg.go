package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
)

const chunkSize = 64 * 1024

// FFmpegOptions configures the encoder process.
type FFmpegOptions struct {
	Output string
	Width  int
	Height int
	FPS    float64

	// AudioSource, when set, is muxed in from AudioStart for AudioDuration.
	AudioSource   string
	AudioStart    time.Duration
	AudioDuration time.Duration

	// OnChunk is called from the copier goroutine for every piece of encoded
	// output as it becomes available. The slice is only valid during the call.
	OnChunk func(chunk []byte)

	Logger *slog.Logger
}

// FFmpegSink pipes raw RGBA frames into ffmpeg and streams the fragmented MP4
// it produces into the output file.
type FFmpegSink struct {
	opts  FFmpegOptions
	cmd   *utils.SafeCommand
	stdin io.WriteCloser
	file  *os.File

	frames   int
	copyDone chan struct{}
	written  int64
	copyErr  error

	once     sync.Once
	artifact Artifact
	finalErr error
}

// BuildArgs returns the ffmpeg argument list for opts.
func BuildArgs(opts FFmpegOptions) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-r", strconv.FormatFloat(opts.FPS, 'f', -1, 64),
		"-i", "-",
	}
	if opts.AudioSource != "" {
		args = append(args, "-ss", utils.FormatSeconds(opts.AudioStart))
		if opts.AudioDuration > 0 {
			args = append(args, "-t", utils.FormatSeconds(opts.AudioDuration))
		}
		args = append(args, "-i", opts.AudioSource,
			"-map", "0:v:0", "-map", "1:a:0?", "-c:a", "aac", "-shortest")
	}
	return append(args,
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"-f", "mp4", "-")
}

// NewFFmpegSink creates the output file and starts the encoder.
func NewFFmpegSink(ctx context.Context, opts FFmpegOptions) (*FFmpegSink, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.FPS <= 0 {
		return nil, fmt.Errorf("invalid encoder geometry %dx%d@%v", opts.Width, opts.Height, opts.FPS)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	file, err := os.Create(opts.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	cmd := utils.NewSafeCommand(ctx, "ffmpeg", BuildArgs(opts)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create encoder output pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	s := &FFmpegSink{
		opts:     opts,
		cmd:      cmd,
		stdin:    stdin,
		file:     file,
		copyDone: make(chan struct{}),
	}
	go s.copyOutput(stdout)
	return s, nil
}

func (s *FFmpegSink) copyOutput(r io.Reader) {
	defer close(s.copyDone)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := s.file.Write(buf[:n]); werr != nil {
				s.copyErr = werr
				io.Copy(io.Discard, r) // keep ffmpeg from blocking on a full pipe
				return
			}
			s.written += int64(n)
			if s.opts.OnChunk != nil {
				s.opts.OnChunk(buf[:n])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.copyErr = err
			}
			return
		}
	}
}

func (s *FFmpegSink) WriteFrame(ctx context.Context, frame types.FrameSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if frame.Image == nil {
		return &EncodeError{Frame: s.frames, Err: errors.New("nil frame")}
	}
	if b := frame.Image.Bounds(); b.Dx() != s.opts.Width || b.Dy() != s.opts.Height {
		return &EncodeError{Frame: s.frames, Err: fmt.Errorf("frame is %dx%d, encoder expects %dx%d",
			b.Dx(), b.Dy(), s.opts.Width, s.opts.Height)}
	}
	if _, err := s.stdin.Write(rows(frame.Image)); err != nil {
		if logs := s.cmd.Logs(); logs != "" {
			err = fmt.Errorf("%w: %s", err, logs)
		}
		return &EncodeError{Frame: s.frames, Err: err}
	}
	s.frames++
	return nil
}

// Finalize flushes the encoder and waits for the output to be complete.
func (s *FFmpegSink) Finalize(ctx context.Context) (Artifact, error) {
	s.once.Do(func() {
		s.stdin.Close()
		<-s.copyDone
		waitErr := s.cmd.Wait()
		closeErr := s.file.Close()

		s.artifact = Artifact{Path: s.opts.Output, Bytes: s.written, Frames: s.frames}
		switch {
		case waitErr != nil:
			err := waitErr
			if logs := s.cmd.Logs(); logs != "" {
				err = fmt.Errorf("%w: %s", waitErr, logs)
			}
			s.finalErr = &EncodeError{Frame: s.frames, Err: err}
		case s.copyErr != nil:
			s.finalErr = &EncodeError{Frame: s.frames, Err: s.copyErr}
		case closeErr != nil:
			s.finalErr = &EncodeError{Frame: s.frames, Err: closeErr}
		}
		s.opts.Logger.Debug("encoder finalized", "output", s.opts.Output, "frames", s.frames, "bytes", s.written)
	})
	return s.artifact, s.finalErr
}

// Command exposes the encoder process for error reporting.
func (s *FFmpegSink) Command() *utils.SafeCommand {
	return s.cmd
}
