package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/sink"
	"github.com/andresmejia3/veil/internal/source"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// redactFlags holds the raw command-line values before they are validated.
type redactFlags struct {
	Input              string
	Output             string
	Start              string
	End                string
	Effect             string
	Padding            float64
	FPS                float64
	LowPower           bool
	Strength           int
	Optimal            bool
	DetectionThreshold float64
	MinScore           float64
	MinSize            float64
	Exclude            string
	IdentitiesFile     string
	MatchThreshold     float64
	NoAudio            bool
	NoDB               bool
}

var redactOpts redactFlags

var redactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Redact every face in a video range",
	Long: `Samples the input at a fixed rate, tracks every detected face and writes
a redacted MP4. Ctrl+C stops after the current frame and keeps the partial output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRedact(cmd.Context(), redactOpts)
	},
}

func init() {
	f := redactCmd.Flags()
	f.StringVarP(&redactOpts.Input, "input", "i", "", "Path to input video")
	f.StringVarP(&redactOpts.Output, "output", "o", "redacted.mp4", "Path to output video")
	f.StringVar(&redactOpts.Start, "start", "0", "Range start (seconds, MM:SS or 1m30s)")
	f.StringVar(&redactOpts.End, "end", "", "Range end (default: end of video)")
	f.StringVar(&redactOpts.Effect, "effect", "pixelate", "Redaction effect: pixelate, blur, solid, secure")
	f.Float64Var(&redactOpts.Padding, "padding", pipeline.DefaultPadding, "Region padding as a fraction of the face size")
	f.Float64Var(&redactOpts.FPS, "fps", 0, "Export frame rate (default 20, or 15 with --low-power)")
	f.BoolVar(&redactOpts.LowPower, "low-power", false, "Use the reduced export frame rate")
	f.IntVarP(&redactOpts.Strength, "strength", "s", 0, "Pixelation block size or blur radius (default 15)")
	f.BoolVar(&redactOpts.Optimal, "optimal-tracking", false, "Match detections to tracks globally instead of greedily")
	f.Float64VarP(&redactOpts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	f.Float64Var(&redactOpts.MinScore, "min-score", 0, "Drop detections scoring below this after normalization")
	f.Float64Var(&redactOpts.MinSize, "min-size", 0, "Drop detections narrower or shorter than this many pixels")
	f.StringVar(&redactOpts.Exclude, "exclude-identity", "", "Comma-separated identity IDs to leave unredacted")
	f.StringVar(&redactOpts.IdentitiesFile, "identities-file", "", "JSON file of identities to match instead of the database")
	f.Float64VarP(&redactOpts.MatchThreshold, "threshold", "t", pipeline.DefaultIdentityMax, "Identity matching threshold (cosine distance)")
	f.BoolVar(&redactOpts.NoAudio, "no-audio", false, "Drop the audio track")
	f.BoolVar(&redactOpts.NoDB, "no-db", false, "Do not record the session in the database")

	redactCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(redactCmd)
}

// validateRedactFlags turns flags into an exportRequest.
func validateRedactFlags(f redactFlags) (exportRequest, error) {
	req := exportRequest{
		Input:              f.Input,
		Output:             f.Output,
		Padding:            f.Padding,
		FPS:                f.FPS,
		LowPower:           f.LowPower,
		BlockSize:          f.Strength,
		BlurRadius:         f.Strength,
		Optimal:            f.Optimal,
		DetectionThreshold: f.DetectionThreshold,
		MinScore:           f.MinScore,
		MinSize:            f.MinSize,
		IdentityThreshold:  f.MatchThreshold,
		NoAudio:            f.NoAudio,
	}

	if err := checkPaths(f.Input, f.Output); err != nil {
		return req, err
	}

	var err error
	if req.Effect, err = types.ParseEffect(f.Effect); err != nil {
		return req, err
	}
	if req.Range.Start, err = parseTimestamp(f.Start); err != nil {
		return req, fmt.Errorf("--start: %w", err)
	}
	if req.Range.End, err = parseTimestamp(f.End); err != nil {
		return req, fmt.Errorf("--end: %w", err)
	}
	if req.Range.End != 0 && req.Range.End <= req.Range.Start {
		return req, fmt.Errorf("--end must be after --start")
	}

	if f.Padding < 0 {
		return req, fmt.Errorf("--padding must not be negative, got %v", f.Padding)
	}
	if f.FPS < 0 {
		return req, fmt.Errorf("--fps must not be negative, got %v", f.FPS)
	}
	if f.Strength < 0 {
		return req, fmt.Errorf("--strength must not be negative, got %d", f.Strength)
	}
	if f.DetectionThreshold <= 0 || f.DetectionThreshold > 1.0 {
		return req, fmt.Errorf("detection threshold must be between 0.0 and 1.0, got %f", f.DetectionThreshold)
	}
	if f.MatchThreshold <= 0 || f.MatchThreshold > 1.0 {
		return req, fmt.Errorf("match threshold must be between 0.0 and 1.0, got %f", f.MatchThreshold)
	}

	if req.ExcludeIdentities, err = parseIDList(f.Exclude); err != nil {
		return req, err
	}
	if f.IdentitiesFile != "" {
		ids, err := loadIdentities(f.IdentitiesFile)
		if err != nil {
			return req, err
		}
		req.Identities = ids
	}
	return req, nil
}

func runRedact(ctx context.Context, f redactFlags) error {
	req, err := validateRedactFlags(f)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if Cfg.LowPower {
		req.LowPower = true
	}

	var db *store.Store
	if !f.NoDB {
		if db, err = openStore(ctx); err != nil {
			if len(req.ExcludeIdentities) > 0 && req.Identities == nil {
				utils.ShowError("Identity exclusion needs the database", err, nil)
				return err
			}
			Logger.Warn("continuing without session history", "error", err)
			db = nil
		}
	}

	// Child processes outlive Ctrl+C so the encoder can finish the partial
	// file, and die with this function.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	exp, err := prepareExport(procCtx, req, db, Logger)
	if err != nil {
		utils.ShowError("Failed to prepare export", err, nil)
		return err
	}
	defer exp.Close()

	rng := exp.Options.Range
	fmt.Fprintf(os.Stderr, "📼 %s: %dx%d, %s → %s at %v fps\n", req.Input, exp.Info.Width, exp.Info.Height,
		utils.FormatClock(rng.Start), utils.FormatClock(rng.End), exp.Options.FPS)

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Redacting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
	exp.Options.OnProgress = func(p pipeline.Progress) {
		bar.Describe(p.Status)
		bar.Set(p.Percent)
	}

	sess, err := exp.Driver.NewSession(exp.Options)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	res, err := exp.Driver.Run(ctx, sess)
	bar.Finish()
	reportSession(sess, res, err, exp)

	if errors.Is(err, pipeline.ErrCancelled) {
		return nil
	}
	return err
}

// reportSession prints the human-facing outcome of an export.
func reportSession(sess *pipeline.Session, res pipeline.Result, err error, exp *export) {
	stats := exp.Sampler.Stats()
	if stats.Timeouts > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d of %d seeks timed out; some frames may repeat.\n", stats.Timeouts, stats.Seeks)
	}
	if n := exp.Adapter.Failures(); n > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Detector failed on %d frames; those frames kept existing tracks only.\n", n)
		if last := exp.Adapter.LastError(); last != nil {
			fmt.Fprintf(os.Stderr, "   last failure: %v\n", last)
		}
	}

	var se *pipeline.SessionError
	switch {
	case err == nil:
		fmt.Fprintf(os.Stderr, "✅ Redacted %d frames (%d faces tracked) → %s (%.1f MB)\n",
			res.Frames, res.Tracks, res.Artifact.Path, float64(res.Artifact.Bytes)/(1024*1024))
	case errors.Is(err, pipeline.ErrCancelled):
		fmt.Fprintf(os.Stderr, "🛑 Cancelled after %d frames. Partial output kept at %s\n", res.Frames, res.Artifact.Path)
	case errors.As(err, &se) && se.Kind == pipeline.KindEncode:
		utils.ShowError("Encoder process failed", err, exp.Sink.Command())
	case errors.As(err, &se) && se.Kind == pipeline.KindDecode:
		var de *source.DecodeError
		if errors.As(err, &de) {
			utils.ShowError(fmt.Sprintf("Decoder failed at %s", utils.FormatClock(de.Timestamp)), err, nil)
		} else {
			utils.ShowError("Decoder failed", err, nil)
		}
	default:
		utils.ShowError("Redaction failed", err, nil)
	}
	if err != nil && !errors.Is(err, pipeline.ErrCancelled) && res.Artifact.Partial {
		fmt.Fprintf(os.Stderr, "Partial output (%d frames) left at %s\n", res.Artifact.Frames, res.Artifact.Path)
	}
	Logger.Debug("session summary", "session", sess.ID, "state", sess.State(), "artifact", artifactSummary(res.Artifact))
}

func artifactSummary(a sink.Artifact) string {
	return fmt.Sprintf("%s (%d bytes, %d frames, partial=%t)", a.Path, a.Bytes, a.Frames, a.Partial)
}
