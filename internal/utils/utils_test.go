package utils

import (
	"context"
	"math"
	"os"
	"strings"
	"testing"
	"time"
)

func TestGenerateVideoID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "video_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateVideoID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateVideoID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateVideoID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"streams": [
			{"codec_type": "audio", "duration": "9.98"},
			{"codec_type": "video", "width": 1280, "height": 720,
			 "avg_frame_rate": "0/0", "r_frame_rate": "30000/1001", "nb_frames": "N/A"}
		],
		"format": {"duration": "10.010000"}
	}`)

	info, err := ParseProbe(out)
	if err != nil {
		t.Fatalf("ParseProbe failed: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("Expected 1280x720, got %dx%d", info.Width, info.Height)
	}
	if math.Abs(info.FPS-29.97) > 0.01 {
		t.Errorf("Expected ~29.97 fps, got %f", info.FPS)
	}
	if info.Duration != 10010*time.Millisecond {
		t.Errorf("Expected 10.01s, got %s", info.Duration)
	}
	if info.Frames != 300 {
		t.Errorf("Expected 300 estimated frames, got %d", info.Frames)
	}
	if !info.HasAudio {
		t.Error("Expected audio stream to be detected")
	}
}

func TestParseProbeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"Invalid JSON", `{"streams": [`, "invalid JSON"},
		{"Audio only", `{"streams": [{"codec_type": "audio"}]}`, "no video stream"},
		{"Zero size", `{"streams": [{"codec_type": "video", "width": 0, "height": 0, "r_frame_rate": "25/1"}]}`, "invalid video dimensions"},
		{"No rate", `{"streams": [{"codec_type": "video", "width": 4, "height": 4, "r_frame_rate": "0/0"}]}`, "frame rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProbe([]byte(tt.in))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"25/1", 25, true},
		{"30000/1001", 30000.0 / 1001.0, true},
		{"24", 24, true},
		{"0/0", 0, false},
		{"30/0", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRate(tt.in)
		if ok != tt.ok || math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("ParseRate(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormatClock(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{3 * time.Second, "00:03"},
		{10*time.Second + 900*time.Millisecond, "00:10"},
		{61 * time.Second, "01:01"},
		{time.Hour + 2*time.Minute + 5*time.Second, "1:02:05"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatClock(tt.in); got != tt.want {
			t.Errorf("FormatClock(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCosineDist(t *testing.T) {
	tests := []struct {
		name string
		a    []float64
		b    []float64
		want float64
	}{
		{"Identical vectors", []float64{1.0, 0.0}, []float64{1.0, 0.0}, 0.0},
		{"Orthogonal vectors", []float64{1.0, 0.0}, []float64{0.0, 1.0}, 1.0},
		{"Opposite vectors", []float64{1.0, 0.0}, []float64{-1.0, 0.0}, 2.0},
		{"B is unnormalized (scaled)", []float64{1.0, 0.0}, []float64{5.0, 0.0}, 0.0},
		{"Empty vectors", []float64{}, []float64{}, 1.0},
		{"Length mismatch", []float64{1.0}, []float64{1.0, 0.0}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineDist(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineDist() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSafeCommandCapturesStderr(t *testing.T) {
	cmd := NewSafeCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err := cmd.Run(); err == nil {
		t.Fatal("Expected non-zero exit")
	}
	if got := cmd.Logs(); got != "boom" {
		t.Errorf("Expected captured stderr %q, got %q", "boom", got)
	}

	var nilCmd *SafeCommand
	if nilCmd.Logs() != "" {
		t.Error("Expected empty logs for nil command")
	}
}
