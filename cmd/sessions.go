package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session_id]",
	Short: "Show past export sessions, or the tracks of one session",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			runSessionTracks(cmd, args[0])
			return
		}
		runSessions(cmd)
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "Number of sessions to show")
	rootCmd.AddCommand(sessionsCmd)
}

// fmtSeconds renders a stored second offset as a clock.
func fmtSeconds(seconds float64) string {
	return utils.FormatClock(time.Duration(seconds * float64(time.Second)))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runSessions(cmd *cobra.Command) {
	db := mustStore(cmd)
	records, err := db.ListSessions(cmd.Context(), sessionsLimit)
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}
	if len(records) == 0 {
		fmt.Println("No sessions recorded yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SESSION\tVIDEO\tRANGE\tEFFECT\tSTATE\tFRAMES\tFACES\tSTARTED")
	fmt.Fprintln(w, "-------\t-----\t-----\t------\t-----\t------\t-----\t-------")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s - %s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(r.ID),
			filepath.Base(r.InputPath),
			fmtSeconds(r.Start),
			fmtSeconds(r.End),
			r.Effect,
			r.State,
			r.Frames,
			r.Tracks,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}

func runSessionTracks(cmd *cobra.Command, id string) {
	db := mustStore(cmd)
	intervals, err := db.GetSessionIntervals(cmd.Context(), id)
	if err != nil {
		utils.Die("Failed to retrieve session tracks", err, nil)
	}
	if len(intervals) == 0 {
		fmt.Println("No recorded tracks found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TRACK\tTIME RANGE\tDURATION\tHITS\tREDACTED")
	fmt.Fprintln(w, "-----\t----------\t--------\t----\t--------")
	for _, inv := range intervals {
		redacted := "yes"
		if inv.Excluded {
			redacted = "no"
		}
		fmt.Fprintf(w, "%d\t%s - %s\t%.1fs\t%d\t%s\n",
			inv.TrackID,
			fmtSeconds(inv.Start),
			fmtSeconds(inv.End),
			inv.End-inv.Start,
			inv.Hits,
			redacted,
		)
	}
	w.Flush()
}
