package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/effect"
	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/sink"
	"github.com/andresmejia3/veil/internal/source"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
)

// exportRequest is everything needed to build one export, whether it comes
// from redact flags or from an HTTP request.
type exportRequest struct {
	Input  string
	Output string
	Range  types.TimeRange // End 0 means the end of the video
	Effect types.Effect

	Padding    float64
	FPS        float64 // 0 picks DefaultFPS, or LowPowerFPS when LowPower is set
	LowPower   bool
	BlockSize  int
	BlurRadius int
	Optimal    bool

	DetectionThreshold float64
	MinScore           float64
	MinSize            float64

	ExcludeIdentities []int
	IdentityThreshold float64
	Identities        pipeline.IdentityMatcher // overrides the database when set

	NoAudio bool
	OnChunk func([]byte)
}

// export holds a ready-to-run driver and the processes behind it.
type export struct {
	Driver  *pipeline.Driver
	Options pipeline.Options
	Info    utils.VideoInfo
	Sink    *sink.FFmpegSink
	Worker  *worker.PythonWorker
	Adapter *detect.Adapter
	Sampler *source.Sampler
}

// Close stops the detector and the decoder. The sink is finalized by the driver.
func (e *export) Close() {
	if e.Worker != nil {
		e.Worker.Close()
	}
	if e.Sampler != nil {
		e.Sampler.Close()
	}
}

// exportFPS resolves the sampling rate.
func exportFPS(fps float64, lowPower bool) float64 {
	switch {
	case fps > 0:
		return fps
	case lowPower:
		return pipeline.LowPowerFPS
	default:
		return pipeline.DefaultFPS
	}
}

// checkPaths validates the input file and refuses to overwrite it.
func checkPaths(input, output string) error {
	info, err := os.Stat(input)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", input)
	}

	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(input)
	outAbs, _ := filepath.Abs(output)
	if inAbs == outAbs {
		return fmt.Errorf("input and output paths must be different to prevent file corruption")
	}
	return nil
}

// resolveRange clamps r to the video and fills an open end.
func resolveRange(r types.TimeRange, duration time.Duration) (types.TimeRange, error) {
	if r.Start < 0 {
		return r, fmt.Errorf("start must not be negative, got %s", r.Start)
	}
	if duration > 0 {
		if r.Start >= duration {
			return r, fmt.Errorf("start %s is past the end of the video (%s)", r.Start, duration)
		}
		if r.End == 0 || r.End > duration {
			r.End = duration
		}
	}
	if r.End <= r.Start {
		return r, fmt.Errorf("end %s must be after start %s", r.End, r.Start)
	}
	return r, nil
}

// parseTimestamp accepts seconds ("90.5"), clock form ("1:30", "1:02:03.5")
// or a Go duration ("1m30s").
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("negative timestamp %q", s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		var total float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil || v < 0 || (i > 0 && v >= 60) {
				return 0, fmt.Errorf("invalid timestamp %q", s)
			}
			total = total*60 + v
		}
		return time.Duration(total * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timestamp %q", s)
	}
	return d, nil
}

// parseIDList parses a comma-separated list of identity ids.
func parseIDList(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid identity id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// loadIdentities reads a JSON array of {"id","name","vector"} objects.
func loadIdentities(path string) (pipeline.StaticIdentities, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids pipeline.StaticIdentities
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("invalid identities file %s: %w", path, err)
	}
	return ids, nil
}

// prepareExport probes the input and starts the detector, decoder and
// encoder. ctx bounds the child processes, not the session. db may be nil.
func prepareExport(ctx context.Context, req exportRequest, db *store.Store, logger *slog.Logger) (*export, error) {
	if err := checkPaths(req.Input, req.Output); err != nil {
		return nil, err
	}
	if len(req.ExcludeIdentities) > 0 && req.Identities == nil && db == nil {
		return nil, fmt.Errorf("excluding identities needs a database or an identities file")
	}

	info, err := utils.ProbeVideo(ctx, req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", req.Input, err)
	}
	rng, err := resolveRange(req.Range, info.Duration)
	if err != nil {
		return nil, err
	}
	fps := exportFPS(req.FPS, req.LowPower)

	e := &export{Info: info}
	e.Worker, err = worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:             Cfg.Python,
		Script:             Cfg.WorkerScript,
		DetectionThreshold: req.DetectionThreshold,
		ReadTimeout:        Cfg.WorkerTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start detector: %w", err)
	}
	e.Adapter = detect.NewAdapter(e.Worker, logger)
	e.Adapter.Filter = detect.Filter{MinScore: req.MinScore, MinSize: req.MinSize}

	dec := source.NewFFmpegDecoder(ctx, req.Input, info.Width, info.Height, fps, logger)
	e.Sampler = source.NewSampler(dec, logger)

	sinkOpts := sink.FFmpegOptions{
		Output:  req.Output,
		Width:   info.Width,
		Height:  info.Height,
		FPS:     fps,
		OnChunk: req.OnChunk,
		Logger:  logger,
	}
	if info.HasAudio && !req.NoAudio {
		sinkOpts.AudioSource = req.Input
		sinkOpts.AudioStart = rng.Start
		sinkOpts.AudioDuration = rng.Duration()
	}
	e.Sink, err = sink.NewFFmpegSink(ctx, sinkOpts)
	if err != nil {
		e.Close()
		return nil, err
	}

	renderer := effect.NewRenderer()
	if req.BlockSize > 0 {
		renderer.BlockSize = req.BlockSize
	}
	if req.BlurRadius > 0 {
		renderer.BlurRadius = req.BlurRadius
	}
	trackCfg := tracker.DefaultConfig()
	if req.Optimal {
		trackCfg.Assignment = tracker.Optimal
	}

	e.Driver = &pipeline.Driver{
		Source:   e.Sampler,
		Detector: e.Adapter,
		Sink:     e.Sink,
		Logger:   logger,
	}
	if db != nil {
		e.Driver.Recorder = db
		e.Driver.Identities = db
	}
	if req.Identities != nil {
		e.Driver.Identities = req.Identities
	}

	e.Options = pipeline.Options{
		Input:             req.Input,
		Range:             rng,
		FPS:               fps,
		Effect:            req.Effect,
		Padding:           req.Padding,
		Tracker:           trackCfg,
		Renderer:          renderer,
		ExcludeIdentities: req.ExcludeIdentities,
		IdentityThreshold: req.IdentityThreshold,
	}
	return e, nil
}
