package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// --- 1. Process Safety & Command Wrapping ---

// lockedBuffer is a bytes.Buffer that can be written by exec's copy goroutine
// while ShowError reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg and
// detector logs) so crash information survives the child process.
type SafeCommand struct {
	*exec.Cmd
	Stderr *lockedBuffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns the trimmed stderr captured so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.Stderr.String())
}

// ShowError prints the formatted error box and dumps captured child logs if a
// SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 VEIL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is ShowError followed by exit(1).
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Media Probing ---

// VideoInfo is what redaction needs to know about an input before decoding it.
type VideoInfo struct {
	Width    int
	Height   int
	FPS      float64
	Duration time.Duration
	Frames   int
	HasAudio bool
}

// ProbeVideo runs ffprobe on path and parses the first video stream.
func ProbeVideo(ctx context.Context, path string) (VideoInfo, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	cmd := NewSafeCommand(ctx, "ffprobe", "-v", "error",
		"-show_entries", "stream=codec_type,width,height,avg_frame_rate,r_frame_rate,nb_frames,duration:format=duration",
		"-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		if logs := cmd.Logs(); logs != "" {
			return VideoInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, logs)
		}
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return ParseProbe(out)
}

// ParseProbe extracts VideoInfo from ffprobe's JSON output.
func ParseProbe(data []byte) (VideoInfo, error) {
	if !gjson.ValidBytes(data) {
		return VideoInfo{}, fmt.Errorf("ffprobe returned invalid JSON")
	}
	res := gjson.ParseBytes(data)

	video := res.Get(`streams.#(codec_type=="video")`)
	if !video.Exists() {
		return VideoInfo{}, fmt.Errorf("no video stream found")
	}

	info := VideoInfo{
		Width:    int(video.Get("width").Int()),
		Height:   int(video.Get("height").Int()),
		HasAudio: res.Get(`streams.#(codec_type=="audio")`).Exists(),
	}
	if info.Width <= 0 || info.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid video dimensions %dx%d", info.Width, info.Height)
	}

	// avg_frame_rate is "0/0" for some streams, fall back to r_frame_rate.
	for _, key := range []string{"avg_frame_rate", "r_frame_rate"} {
		if fps, ok := ParseRate(video.Get(key).String()); ok {
			info.FPS = fps
			break
		}
	}
	if info.FPS == 0 {
		return VideoInfo{}, fmt.Errorf("could not determine frame rate")
	}

	dur := res.Get("format.duration").Float()
	if dur <= 0 {
		dur = video.Get("duration").Float()
	}
	info.Duration = time.Duration(dur * float64(time.Second))

	if n, err := strconv.Atoi(video.Get("nb_frames").String()); err == nil && n > 0 {
		info.Frames = n
	} else if info.Duration > 0 {
		info.Frames = int(math.Round(info.Duration.Seconds() * info.FPS))
	}
	return info, nil
}

// ParseRate parses an ffprobe rational such as "30000/1001" or a plain number.
func ParseRate(s string) (float64, bool) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	if !found {
		return n, true
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d <= 0 {
		return 0, false
	}
	return n / d, true
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}

// --- 3. Formatting & Math ---

// FormatClock renders d as MM:SS, or H:MM:SS past the hour.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatSeconds renders d as seconds with millisecond precision, the form ffmpeg's -ss and -t accept.
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// CosineDist returns 1 - cos(a, b). Mismatched or zero vectors count as orthogonal.
func CosineDist(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1.0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
