// Package pipeline runs the per-frame export loop: sample, detect, track,
// smooth, render, encode, strictly in timestamp order.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/sink"
	"github.com/andresmejia3/veil/internal/source"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
)

// Sampler yields the frame presented at a timestamp. *source.Sampler implements it.
type Sampler interface {
	Sample(ctx context.Context, ts time.Duration) (types.FrameSample, error)
}

// IdentityMatcher resolves a face descriptor to a known identity id, or -1.
type IdentityMatcher interface {
	FindClosestIdentity(ctx context.Context, vec []float64, threshold float64) (int, string, error)
}

// Recorder persists session history. Its errors are logged, never fatal.
type Recorder interface {
	SessionStarted(ctx context.Context, s *Session) error
	TrackEnded(ctx context.Context, sessionID string, t tracker.Track) error
	SessionFinished(ctx context.Context, sessionID string, state State, res Result, err error) error
}

// Driver wires one session's collaborators together. A Driver serves a single
// session because its Source and Sink are stateful.
type Driver struct {
	Source     Sampler
	Detector   detect.Detector
	Sink       sink.Sink
	Recorder   Recorder        // optional
	Identities IdentityMatcher // optional
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

func (d *Driver) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// NewSession validates opts and creates an idle session.
func (d *Driver) NewSession(opts Options) (*Session, error) {
	if d.Source == nil || d.Detector == nil || d.Sink == nil {
		return nil, errors.New("driver needs a source, a detector and a sink")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return newSession(opts, d.now()), nil
}

// Start creates a session and runs it in the background.
func (d *Driver) Start(ctx context.Context, opts Options) (*Session, error) {
	s, err := d.NewSession(opts)
	if err != nil {
		return nil, err
	}
	go d.Run(ctx, s)
	return s, nil
}

// Run drives s to completion. Cancelling ctx has the same effect as s.Cancel.
func (d *Driver) Run(ctx context.Context, s *Session) (Result, error) {
	log := logging.WithSession(d.logger(), s.ID)
	opts := s.Options
	start, end := opts.Range.Start, opts.Range.End
	total := end - start
	wallStart := d.now()

	if d.Recorder != nil {
		if err := d.Recorder.SessionStarted(ctx, s); err != nil {
			log.Warn("failed to record session start", "error", err)
		}
	}
	log.Info("export started", "start", start, "end", end, "fps", opts.FPS, "effect", opts.Effect)

	var (
		frames    int
		lastTS    time.Duration = -1
		failure   *SessionError
		cancelled bool
		seen      int
	)

	for i := 0; ; i++ {
		ts := start + time.Duration(float64(i)*float64(time.Second)/opts.FPS)
		if ts >= end {
			break
		}
		// cancellation is honoured only between frames
		if s.IsCancelled() || ctx.Err() != nil {
			cancelled = true
			break
		}
		if ids := s.applyExcludes(); len(ids) > 0 {
			log.Info("tracks excluded", "ids", ids)
		}

		s.setState(StateSampling)
		frame, err := d.Source.Sample(ctx, ts)
		if err != nil {
			if errors.Is(err, source.ErrEndOfStream) {
				log.Info("source ended before the requested range", "at", ts)
				break
			}
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			failure = &SessionError{Kind: KindDecode, LastTimestamp: lastTS, Err: err}
			break
		}
		frame.Index = i

		s.setState(StateDetecting)
		dets := d.Detector.Detect(ctx, frame)

		s.setState(StateTracking)
		upd := s.tracks.Update(dets, ts)
		seen += len(upd.Born)
		d.resolveIdentities(ctx, log, s, upd.Born)
		for _, t := range upd.Pruned {
			d.recordTrack(ctx, log, s.ID, t)
		}
		active := s.tracks.Active()
		opts.Smoother.SmoothAll(active)

		s.setState(StateRendering)
		drawn := opts.Renderer.RenderTracks(frame.Image, active, opts.Effect, opts.Padding)

		s.setState(StateEncoding)
		if err := d.Sink.WriteFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			failure = &SessionError{Kind: KindEncode, LastTimestamp: lastTS, Err: err}
			break
		}
		frames++
		lastTS = ts

		elapsed := ts - start
		eta := estimate(elapsed, total, d.now().Sub(wallStart))
		p := Progress{
			Percent:  percent(elapsed, total),
			Status:   statusMessage(opts.Effect, drawn, ts, end, eta),
			ETA:      eta,
			Position: ts,
			Faces:    drawn,
			Frames:   frames,
			State:    StateEncoding,
		}
		s.setProgress(p)
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}

	// Finalize runs exactly once on every path, cancellation included.
	s.setState(StateFinalizing)
	artifact, ferr := d.Sink.Finalize(context.WithoutCancel(ctx))

	for _, t := range s.tracks.Tracks() {
		d.recordTrack(ctx, log, s.ID, *t)
	}

	res := Result{Artifact: artifact, Frames: frames, Tracks: seen}
	var (
		state State
		err   error
	)
	switch {
	case failure != nil:
		state, err = StateFailed, failure
		res.Artifact.Partial = true
		if ferr != nil {
			log.Warn("finalize after failure also failed", "error", ferr)
		}
	case cancelled:
		state = StateCancelled
		err = &SessionError{Kind: KindCancelled, LastTimestamp: lastTS, Err: ErrCancelled}
		res.Artifact.Partial = true
		if ferr != nil {
			log.Warn("finalize after cancel failed", "error", ferr)
		}
	case ferr != nil:
		state = StateFailed
		err = &SessionError{Kind: KindEncode, LastTimestamp: lastTS, Err: ferr}
	default:
		state = StateDone
		final := Progress{
			Percent:  100,
			Status:   "Done",
			Position: lastTS,
			Frames:   frames,
			State:    StateDone,
		}
		s.setProgress(final)
		if opts.OnProgress != nil {
			opts.OnProgress(final)
		}
	}

	if d.Recorder != nil {
		if rerr := d.Recorder.SessionFinished(context.WithoutCancel(ctx), s.ID, state, res, err); rerr != nil {
			log.Warn("failed to record session outcome", "error", rerr)
		}
	}
	if err != nil {
		log.Warn("export stopped", "state", state, "frames", frames, "error", err)
	} else {
		log.Info("export finished", "frames", frames, "tracks", seen, "bytes", res.Artifact.Bytes)
	}
	s.finish(state, res, err)
	return res, err
}

// resolveIdentities flags newborn tracks whose descriptor matches an excluded identity.
func (d *Driver) resolveIdentities(ctx context.Context, log *slog.Logger, s *Session, born []*tracker.Track) {
	if d.Identities == nil || len(s.Options.ExcludeIdentities) == 0 {
		return
	}
	for _, t := range born {
		if t.Identity == nil {
			continue
		}
		id, name, err := d.Identities.FindClosestIdentity(ctx, t.Identity, s.Options.IdentityThreshold)
		if err != nil {
			log.Warn("identity lookup failed", "track", t.ID, "error", err)
			continue
		}
		if id >= 0 && slices.Contains(s.Options.ExcludeIdentities, id) {
			t.Excluded = true
			log.Info("track excluded by identity", "track", t.ID, "identity", id, "name", name)
		}
	}
}

func (d *Driver) recordTrack(ctx context.Context, log *slog.Logger, sessionID string, t tracker.Track) {
	if d.Recorder == nil {
		return
	}
	if err := d.Recorder.TrackEnded(context.WithoutCancel(ctx), sessionID, t); err != nil {
		log.Warn("failed to record track", "track", t.ID, "error", err)
	}
}
