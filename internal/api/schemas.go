package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/sink"
	"github.com/andresmejia3/veil/internal/types"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	Sessions int    `json:"sessions"`
}

// StartRequest is the body of POST /sessions.
type StartRequest struct {
	Input             string       `json:"input"`
	Output            string       `json:"output"`
	StartSeconds      float64      `json:"start_seconds"`
	EndSeconds        float64      `json:"end_seconds"` // 0 means the end of the video
	Effect            types.Effect `json:"effect"`
	Padding           *float64     `json:"padding,omitempty"`
	FPS               float64      `json:"fps,omitempty"`
	LowPower          bool         `json:"low_power,omitempty"`
	ExcludeIdentities []int        `json:"exclude_identities,omitempty"`
}

// Validate checks the parts of the request that do not need the video.
func (r StartRequest) Validate() error {
	if r.Input == "" {
		return fmt.Errorf("input is required")
	}
	if r.Output == "" {
		return fmt.Errorf("output is required")
	}
	if r.StartSeconds < 0 {
		return fmt.Errorf("start_seconds must not be negative")
	}
	if r.EndSeconds != 0 && r.EndSeconds <= r.StartSeconds {
		return fmt.Errorf("end_seconds must be after start_seconds")
	}
	if r.Padding != nil && *r.Padding < 0 {
		return fmt.Errorf("padding must not be negative")
	}
	if r.FPS < 0 {
		return fmt.Errorf("fps must not be negative")
	}
	return nil
}

// Range converts the request seconds to a TimeRange; End is 0 when open.
func (r StartRequest) Range() types.TimeRange {
	return types.TimeRange{
		Start: time.Duration(r.StartSeconds * float64(time.Second)),
		End:   time.Duration(r.EndSeconds * float64(time.Second)),
	}
}

type StartResponse struct {
	SessionID string `json:"session_id"`
}

type SessionResponse struct {
	ID        string            `json:"id"`
	Input     string            `json:"input"`
	Effect    types.Effect      `json:"effect"`
	State     pipeline.State    `json:"state"`
	Started   time.Time         `json:"started_at"`
	Progress  pipeline.Progress `json:"progress"`
	Artifact  *sink.Artifact    `json:"artifact,omitempty"`
	Frames    int               `json:"frames,omitempty"`
	Tracks    int               `json:"tracks,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
}

type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// SessionToResponse snapshots a live or finished session.
func SessionToResponse(s *pipeline.Session) SessionResponse {
	resp := SessionResponse{
		ID:       s.ID,
		Input:    s.Options.Input,
		Effect:   s.Options.Effect,
		State:    s.State(),
		Started:  s.Started,
		Progress: s.Progress(),
	}
	select {
	case <-s.Done():
		res, err := s.Outcome()
		resp.Artifact = &res.Artifact
		resp.Frames = res.Frames
		resp.Tracks = res.Tracks
		if err != nil {
			resp.Error = err.Error()
			resp.ErrorKind = ErrorKind(err)
		}
	default:
	}
	return resp
}

// ErrorKind reports decode, encode or cancelled for a session error.
func ErrorKind(err error) string {
	var se *pipeline.SessionError
	if errors.As(err, &se) {
		return se.Kind.String()
	}
	return ""
}
