package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateSampling
	StateDetecting
	StateTracking
	StateRendering
	StateEncoding
	StateFinalizing
	StateDone
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	"idle", "sampling", "detecting", "tracking", "rendering",
	"encoding", "finalizing", "done", "cancelled", "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is the per-frame feed a caller renders.
type Progress struct {
	Percent  int            `json:"percent"`
	Status   string         `json:"status"`
	ETA      *time.Duration `json:"-"`
	Position time.Duration  `json:"-"`
	Faces    int            `json:"faces"`
	Frames   int            `json:"frames"`
	State    State          `json:"state"`
}

// MarshalJSON reports durations in seconds.
func (p Progress) MarshalJSON() ([]byte, error) {
	type alias Progress
	out := struct {
		alias
		Position   float64  `json:"position_seconds"`
		ETASeconds *float64 `json:"eta_seconds,omitempty"`
	}{alias: alias(p), Position: p.Position.Seconds()}
	if p.ETA != nil {
		eta := math.Ceil(p.ETA.Seconds())
		out.ETASeconds = &eta
	}
	return json.Marshal(out)
}

// percent is elapsed video over requested duration, rounded and clamped to [0, 100].
func percent(elapsed, total time.Duration) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(float64(elapsed) / float64(total) * 100))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// estimate projects the remaining wall time linearly. It is nil until more
// than one second of video has been processed.
func estimate(elapsedVideo, total, elapsedWall time.Duration) *time.Duration {
	if elapsedVideo <= time.Second {
		return nil
	}
	remaining := total - elapsedVideo
	if remaining < 0 {
		remaining = 0
	}
	eta := time.Duration(float64(remaining) / float64(elapsedVideo) * float64(elapsedWall))
	return &eta
}

// FormatETA renders an estimate as "~Ns" under a minute and "~Nm Ns" above.
func FormatETA(eta time.Duration) string {
	if eta < time.Minute {
		return fmt.Sprintf("~%ds", ceilSeconds(eta))
	}
	return fmt.Sprintf("~%dm %ds", int(eta/time.Minute), ceilSeconds(eta%time.Minute))
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func effectVerb(e types.Effect) string {
	switch e {
	case types.EffectBlur:
		return "Blurring"
	case types.EffectSolid:
		return "Hiding"
	case types.EffectSecure:
		return "Masking"
	default:
		return "Pixelating"
	}
}

// statusMessage builds e.g. "Pixelating 2 faces (00:03 / 00:10) (~5s)".
func statusMessage(e types.Effect, faces int, pos, end time.Duration, eta *time.Duration) string {
	status := "Encoding"
	if faces > 0 {
		noun := "faces"
		if faces == 1 {
			noun = "face"
		}
		status = fmt.Sprintf("%s %d %s", effectVerb(e), faces, noun)
	}
	status = fmt.Sprintf("%s (%s / %s)", status, utils.FormatClock(pos), utils.FormatClock(end))
	if eta != nil {
		status += " (" + FormatETA(*eta) + ")"
	}
	return status
}
