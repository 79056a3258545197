package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/sink"
	"github.com/andresmejia3/veil/internal/smooth"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
)

const (
	DefaultFPS         = 20
	LowPowerFPS        = 15
	DefaultPadding     = 0.1
	DefaultIdentityMax = 0.6 // cosine distance for identity matches
)

// Options is everything a caller chooses when starting an export.
type Options struct {
	Input    string // recorded only
	Range    types.TimeRange
	FPS      float64
	Effect   types.Effect
	Padding  float64
	Tracker  tracker.Config
	Smoother smooth.Smoother
	Renderer effect.Renderer

	// Tracks born from a detection whose descriptor resolves to one of these
	// known identities are excluded from redaction.
	ExcludeIdentities []int
	IdentityThreshold float64

	// OnProgress, if set, is called synchronously after every frame.
	OnProgress func(Progress)
}

// withDefaults fills zero values and rejects unusable ranges.
func (o Options) withDefaults() (Options, error) {
	if o.Range.End <= o.Range.Start {
		return o, fmt.Errorf("invalid time range [%s, %s)", o.Range.Start, o.Range.End)
	}
	if o.Range.Start < 0 {
		return o, fmt.Errorf("time range starts before zero: %s", o.Range.Start)
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.Padding < 0 {
		return o, fmt.Errorf("padding must not be negative, got %v", o.Padding)
	}
	if o.Smoother == (smooth.Smoother{}) {
		o.Smoother = smooth.New()
	}
	if o.Renderer == (effect.Renderer{}) {
		o.Renderer = effect.NewRenderer()
	}
	if o.IdentityThreshold <= 0 {
		o.IdentityThreshold = DefaultIdentityMax
	}
	return o, nil
}

// Result is what a finished session produced.
type Result struct {
	Artifact sink.Artifact `json:"artifact"`
	Frames   int           `json:"frames"`
	Tracks   int           `json:"tracks"` // distinct track ids created
}

// Session is the mutable state of one export run. Only the driver goroutine
// advances it; the exported methods are safe to call from anywhere.
type Session struct {
	ID      string
	Options Options
	Started time.Time

	cancelled atomic.Bool

	mu       sync.Mutex
	state    State
	progress Progress
	excludes []int
	result   Result
	err      error

	tracks *tracker.Manager
	done   chan struct{}
}

func newSession(opts Options, now time.Time) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Options: opts,
		Started: now,
		tracks:  tracker.New(opts.Tracker),
		done:    make(chan struct{}),
	}
}

// Cancel asks the driver to stop after the frame in progress.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

func (s *Session) IsCancelled() bool {
	return s.cancelled.Load()
}

// Exclude exempts a track from redaction starting with the next frame.
func (s *Session) Exclude(trackID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excludes = append(s.excludes, trackID)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.State = s.state
	return p
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns its outcome.
func (s *Session) Wait() (Result, error) {
	<-s.done
	return s.Outcome()
}

// Outcome returns the result so far; err is only meaningful once Done is closed.
func (s *Session) Outcome() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setProgress(p Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// applyExcludes drains the queued overrides into the tracker. Ids that are
// not live are dropped.
func (s *Session) applyExcludes() []int {
	s.mu.Lock()
	pending := s.excludes
	s.excludes = nil
	s.mu.Unlock()

	var applied []int
	for _, id := range pending {
		if s.tracks.Exclude(id) {
			applied = append(applied, id)
		}
	}
	return applied
}

func (s *Session) finish(st State, res Result, err error) {
	s.mu.Lock()
	s.state = st
	s.result = res
	s.err = err
	s.mu.Unlock()
	close(s.done)
}
