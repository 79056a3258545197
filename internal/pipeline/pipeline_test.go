package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/sink"
	"github.com/andresmejia3/veil/internal/source"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gray  = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	black = color.RGBA{A: 255}
	face  = types.Box{X: 10, Y: 10, W: 50, H: 50}
)

// fakeSource serves uniform gray 100x100 frames and records requested timestamps.
type fakeSource struct {
	mu    sync.Mutex
	asked []time.Duration

	failAt int   // sample index that fails, -1 for never
	err    error // returned at failAt
}

func newFakeSource() *fakeSource {
	return &fakeSource{failAt: -1}
}

func (f *fakeSource) Sample(ctx context.Context, ts time.Duration) (types.FrameSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return types.FrameSample{}, err
	}
	n := len(f.asked)
	f.asked = append(f.asked, ts)
	if n == f.failAt {
		return types.FrameSample{}, &source.DecodeError{Timestamp: ts, Err: f.err}
	}
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = gray.R, gray.G, gray.B, gray.A
	}
	return types.FrameSample{Index: n, Timestamp: ts, Image: img}, nil
}

// detectorFunc returns detections based on the frame index.
type detectorFunc func(i int) []types.Detection

func (f detectorFunc) Detect(ctx context.Context, frame types.FrameSample) []types.Detection {
	return f(frame.Index)
}

func always(i int) []types.Detection {
	return []types.Detection{{Box: face, Score: 0.9}}
}

// failingSink wraps Memory and fails a chosen write or the finalize.
type failingSink struct {
	*sink.Memory
	failWrite    int
	failFinalize bool
	writes       int
}

func (f *failingSink) WriteFrame(ctx context.Context, frame types.FrameSample) error {
	if f.writes == f.failWrite {
		return &sink.EncodeError{Frame: f.writes, Err: errors.New("pipe closed")}
	}
	f.writes++
	return f.Memory.WriteFrame(ctx, frame)
}

func (f *failingSink) Finalize(ctx context.Context) (sink.Artifact, error) {
	art, _ := f.Memory.Finalize(ctx)
	if f.failFinalize {
		return art, &sink.EncodeError{Frame: f.writes, Err: errors.New("moov atom missing")}
	}
	return art, nil
}

type recorder struct {
	mu       sync.Mutex
	started  []string
	ended    []tracker.Track
	finished []State
}

func (r *recorder) SessionStarted(ctx context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, s.ID)
	return nil
}

func (r *recorder) TrackEnded(ctx context.Context, sessionID string, t tracker.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, t)
	return nil
}

func (r *recorder) SessionFinished(ctx context.Context, sessionID string, state State, res Result, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, state)
	return errors.New("database unavailable") // must not affect the outcome
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func solidOptions(end time.Duration, fps float64) Options {
	return Options{
		Range:  types.TimeRange{Start: 0, End: end},
		FPS:    fps,
		Effect: types.EffectSolid,
	}
}

func run(t *testing.T, d *Driver, opts Options) (*Session, Result, error) {
	t.Helper()
	s, err := d.NewSession(opts)
	require.NoError(t, err)
	res, err := d.Run(context.Background(), s)
	return s, res, err
}

func TestSingleFaceOneSecond(t *testing.T) {
	src := newFakeSource()
	mem := sink.NewMemory()
	d := &Driver{Source: src, Detector: detectorFunc(always), Sink: mem}

	s, res, err := run(t, d, solidOptions(time.Second, 30))
	require.NoError(t, err)

	assert.Equal(t, 30, res.Frames)
	assert.Equal(t, 1, res.Tracks, "exactly one track for a static face")
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, 1, mem.Finalized())

	live := s.tracks.Tracks()
	require.Len(t, live, 1)
	assert.Equal(t, 1, live[0].ID)
	assert.Equal(t, face, live[0].Smoothed)

	// timestamps strictly increasing at the frame interval
	require.Len(t, src.asked, 30)
	for i, ts := range src.asked {
		assert.Equal(t, time.Duration(float64(i)*float64(time.Second)/30), ts)
		if i > 0 {
			assert.Greater(t, ts, src.asked[i-1])
		}
	}

	frames := mem.Frames()
	require.Len(t, frames, 30)
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, black, f.Image.RGBAAt(30, 30), "face region redacted on frame %d", i)
		assert.Equal(t, gray, f.Image.RGBAAt(90, 90), "background untouched on frame %d", i)
	}

	p := s.Progress()
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, StateDone, p.State)
}

func TestFaceReturnsWithinPersistence(t *testing.T) {
	det := detectorFunc(func(i int) []types.Detection {
		if i < 10 || (i >= 40 && i < 50) {
			return always(i)
		}
		return nil
	})
	d := &Driver{Source: newFakeSource(), Detector: det, Sink: sink.NewMemory()}

	s, res, err := run(t, d, solidOptions(seconds(50.0/30), 30))
	require.NoError(t, err)
	assert.Equal(t, 50, res.Frames)
	assert.Equal(t, 1, res.Tracks)
	require.Len(t, s.tracks.Tracks(), 1)
	assert.Equal(t, 1, s.tracks.Tracks()[0].ID)
}

func TestFaceReturnsAfterPersistence(t *testing.T) {
	det := detectorFunc(func(i int) []types.Detection {
		if i < 10 || (i >= 80 && i < 90) {
			return always(i)
		}
		return nil
	})
	rec := &recorder{}
	d := &Driver{Source: newFakeSource(), Detector: det, Sink: sink.NewMemory(), Recorder: rec}

	s, res, err := run(t, d, solidOptions(seconds(3), 30))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tracks)
	require.Len(t, s.tracks.Tracks(), 1)
	assert.Equal(t, 2, s.tracks.Tracks()[0].ID)

	// track 1 pruned mid-run, track 2 recorded at the end
	require.Len(t, rec.ended, 2)
	assert.Equal(t, 1, rec.ended[0].ID)
	assert.Equal(t, 2, rec.ended[1].ID)
	assert.Equal(t, []State{StateDone}, rec.finished)
	assert.Len(t, rec.started, 1)
}

func TestNoFacesEncodesUntouchedFrames(t *testing.T) {
	mem := sink.NewMemory()
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(func(int) []types.Detection { return nil }), Sink: mem}

	var feed []Progress
	opts := solidOptions(seconds(0.5), 20)
	opts.OnProgress = func(p Progress) { feed = append(feed, p) }
	_, res, err := run(t, d, opts)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Frames)
	assert.Zero(t, res.Tracks)
	for _, f := range mem.Frames() {
		assert.Equal(t, gray, f.Image.RGBAAt(30, 30))
	}
	require.Len(t, feed, 11)
	assert.Contains(t, feed[9].Status, "Encoding")
}

func TestProgressFeedEndsAtCompletion(t *testing.T) {
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: sink.NewMemory()}

	var feed []Progress
	opts := solidOptions(time.Second, 30)
	opts.OnProgress = func(p Progress) { feed = append(feed, p) }
	_, _, err := run(t, d, opts)
	require.NoError(t, err)

	require.Len(t, feed, 31, "one update per frame plus the final one")
	assert.Less(t, feed[29].Percent, 100, "the last frame starts before the range end")
	last := feed[30]
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, "Done", last.Status)
	assert.Equal(t, StateDone, last.State)
	assert.Equal(t, 30, last.Frames)
}

func TestCancelFinalizesOnce(t *testing.T) {
	mem := sink.NewMemory()
	rec := &recorder{}
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: mem, Recorder: rec}

	s, err := d.NewSession(solidOptions(seconds(2), 20))
	require.NoError(t, err)
	s.Options.OnProgress = func(p Progress) {
		if p.Frames == 5 {
			s.Cancel()
		}
	}

	res, err := d.Run(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)

	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindCancelled, se.Kind)
	assert.Equal(t, seconds(0.2), se.LastTimestamp)

	assert.True(t, s.IsCancelled())
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, 5, res.Frames, "frame in progress completes, nothing after")
	assert.True(t, res.Artifact.Partial)
	assert.Equal(t, 5, res.Artifact.Frames)
	assert.Equal(t, 1, mem.Finalized())
	assert.Equal(t, []State{StateCancelled}, rec.finished)
}

func TestContextCancelStopsRun(t *testing.T) {
	mem := sink.NewMemory()
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: mem}
	s, err := d.NewSession(solidOptions(seconds(2), 20))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Options.OnProgress = func(p Progress) {
		if p.Frames == 3 {
			cancel()
		}
	}
	res, err := d.Run(ctx, s)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 1, mem.Finalized())
}

func TestDecodeFailure(t *testing.T) {
	src := newFakeSource()
	src.failAt, src.err = 3, errors.New("corrupt packet")
	mem := sink.NewMemory()
	d := &Driver{Source: src, Detector: detectorFunc(always), Sink: mem}

	s, res, err := run(t, d, solidOptions(seconds(1), 20))
	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindDecode, se.Kind)
	assert.Equal(t, seconds(0.1), se.LastTimestamp)

	var de *source.DecodeError
	assert.True(t, errors.As(err, &de))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 1, mem.Finalized())
}

func TestEndOfStreamEndsNormally(t *testing.T) {
	src := newFakeSource()
	src.failAt, src.err = 4, source.ErrEndOfStream
	d := &Driver{Source: src, Detector: detectorFunc(always), Sink: sink.NewMemory()}

	s, res, err := run(t, d, solidOptions(seconds(10), 20))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, StateDone, s.State())
}

func TestEncodeFailure(t *testing.T) {
	fs := &failingSink{Memory: sink.NewMemory(), failWrite: 2}
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: fs}

	_, res, err := run(t, d, solidOptions(seconds(1), 20))
	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindEncode, se.Kind)
	var ee *sink.EncodeError
	assert.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, 1, fs.Finalized())
}

func TestFinalizeFailure(t *testing.T) {
	fs := &failingSink{Memory: sink.NewMemory(), failWrite: -1, failFinalize: true}
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: fs}

	s, _, err := run(t, d, solidOptions(seconds(0.5), 20))
	var se *SessionError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindEncode, se.Kind)
	assert.Equal(t, seconds(0.45), se.LastTimestamp)
	assert.Equal(t, StateFailed, s.State())
}

func TestDetectorFailuresAreSwallowed(t *testing.T) {
	calls := 0
	adapter := detect.NewAdapter(detect.RawFunc(func(ctx context.Context, img *image.RGBA) ([]byte, error) {
		calls++
		if calls%2 == 0 {
			return nil, errors.New("inference timeout")
		}
		return []byte(`[{"topLeft": [10, 10], "bottomRight": [60, 60], "probability": [0.99]}]`), nil
	}), nil)
	mem := sink.NewMemory()
	d := &Driver{Source: newFakeSource(), Detector: adapter, Sink: mem}

	_, res, err := run(t, d, solidOptions(seconds(0.5), 20))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Frames)
	assert.Equal(t, int64(5), adapter.Failures())
	// coasting keeps the face covered on the failed frames
	assert.Equal(t, 1, res.Tracks)
	for _, f := range mem.Frames() {
		assert.Equal(t, black, f.Image.RGBAAt(30, 30))
	}
}

func TestExcludeAppliesAtNextFrame(t *testing.T) {
	mem := sink.NewMemory()
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: mem}

	s, err := d.NewSession(solidOptions(seconds(0.5), 20))
	require.NoError(t, err)
	s.Options.OnProgress = func(p Progress) {
		if p.Frames == 3 {
			s.Exclude(1)
			s.Exclude(99) // not live, ignored
		}
	}
	_, err = d.Run(context.Background(), s)
	require.NoError(t, err)

	frames := mem.Frames()
	require.Len(t, frames, 10)
	for i, f := range frames {
		want := black
		if i >= 3 {
			want = gray
		}
		assert.Equal(t, want, f.Image.RGBAAt(30, 30), "frame %d", i)
	}
}

func TestIdentityExclusion(t *testing.T) {
	known := []float64{1, 0, 0}
	det := detectorFunc(func(i int) []types.Detection {
		return []types.Detection{
			{Box: face, Score: 0.9, Identity: []float64{0.99, 0.01, 0}},
			{Box: types.Box{X: 70, Y: 70, W: 20, H: 20}, Score: 0.9, Identity: []float64{0, 1, 0}},
		}
	})
	mem := sink.NewMemory()
	d := &Driver{
		Source:     newFakeSource(),
		Detector:   det,
		Sink:       mem,
		Identities: StaticIdentities{{ID: 7, Name: "presenter", Vector: known}},
	}

	opts := solidOptions(seconds(0.25), 20)
	opts.ExcludeIdentities = []int{7}
	_, _, err := run(t, d, opts)
	require.NoError(t, err)

	for _, f := range mem.Frames() {
		assert.Equal(t, gray, f.Image.RGBAAt(30, 30), "known identity left visible")
		assert.Equal(t, black, f.Image.RGBAAt(80, 80), "stranger redacted")
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	det := detectorFunc(func(i int) []types.Detection {
		return []types.Detection{
			{Box: types.Box{X: 10 + float64(i), Y: 10, W: 40, H: 40}, Score: 0.9},
			{Box: types.Box{X: 30, Y: 30 + float64(i), W: 40, H: 40}, Score: 0.8},
		}
	})
	render := func() []*image.RGBA {
		mem := sink.NewMemory()
		d := &Driver{Source: newFakeSource(), Detector: det, Sink: mem}
		opts := solidOptions(seconds(0.5), 20)
		opts.Effect = types.EffectBlur
		_, _, err := run(t, d, opts)
		require.NoError(t, err)
		var out []*image.RGBA
		for _, f := range mem.Frames() {
			out = append(out, f.Image)
		}
		return out
	}

	a, b := render(), render()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Pix, b[i].Pix, "frame %d differs", i)
	}
}

func TestStartAndWait(t *testing.T) {
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: sink.NewMemory()}
	s, err := d.Start(context.Background(), solidOptions(seconds(0.5), 20))
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	res, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 10, res.Frames)
	assert.True(t, s.State().Terminal())
}

func TestOptionsValidation(t *testing.T) {
	d := &Driver{Source: newFakeSource(), Detector: detectorFunc(always), Sink: sink.NewMemory()}

	_, err := d.NewSession(Options{Range: types.TimeRange{Start: seconds(2), End: seconds(2)}})
	assert.Error(t, err)
	_, err = d.NewSession(Options{Range: types.TimeRange{Start: -time.Second, End: seconds(2)}})
	assert.Error(t, err)
	_, err = d.NewSession(Options{Range: types.TimeRange{End: seconds(2)}, Padding: -0.5})
	assert.Error(t, err)

	s, err := d.NewSession(Options{Range: types.TimeRange{End: seconds(2)}})
	require.NoError(t, err)
	assert.Equal(t, float64(DefaultFPS), s.Options.FPS)
	assert.Equal(t, StateIdle, s.State())

	_, err = (&Driver{}).NewSession(Options{Range: types.TimeRange{End: seconds(2)}})
	assert.Error(t, err)
}
