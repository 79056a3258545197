package cmd

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/andresmejia3/veil/internal/detect"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/image/draw"
)

var (
	enrollName               string
	enrollThreshold          float64
	enrollDetectionThreshold float64
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <image_path>",
	Short: "Register the face in a photo as a known identity",
	Long: `Detects the largest face in the image and stores its descriptor. If it
matches a known identity the stored descriptor is refined instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0])
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollName, "name", "n", "", "Label for the identity")
	enrollCmd.Flags().Float64VarP(&enrollThreshold, "threshold", "t", 0.6, "Face matching threshold")
	enrollCmd.Flags().Float64VarP(&enrollDetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	rootCmd.AddCommand(enrollCmd)
}

// loadRGBA decodes a JPEG or PNG file into an RGBA image.
func loadRGBA(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba, nil
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// largestWithIdentity picks the biggest detection that carries a descriptor.
func largestWithIdentity(dets []types.Detection) (types.Detection, bool) {
	var best types.Detection
	found := false
	for _, d := range dets {
		if d.Identity == nil {
			continue
		}
		if !found || d.Box.Area() > best.Box.Area() {
			best, found = d, true
		}
	}
	return best, found
}

func runEnroll(ctx context.Context, imagePath string) error {
	img, err := loadRGBA(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	db, err := openStore(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
		Python:             Cfg.Python,
		Script:             Cfg.WorkerScript,
		DetectionThreshold: enrollDetectionThreshold,
		ReadTimeout:        Cfg.WorkerTimeout,
	})
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	raw, err := w.DetectRaw(ctx, img)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	dets, err := detect.Normalize(raw)
	if err != nil {
		utils.ShowError("Unreadable detector output", err, nil)
		return err
	}
	if len(dets) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(dets) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(dets))
	}
	face, ok := largestWithIdentity(dets)
	if !ok {
		err := fmt.Errorf("the detector returned no face descriptor")
		utils.ShowError("Cannot enroll", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	id, name, err := db.FindClosestIdentity(ctx, face.Identity, enrollThreshold)
	if err != nil {
		utils.ShowError("Database search failed", err, nil)
		return err
	}

	if id == -1 {
		if id, err = db.CreateIdentity(ctx, face.Identity, 1); err != nil {
			utils.ShowError("Failed to create identity", err, nil)
			return err
		}
		name = fmt.Sprintf("Identity %d", id)
		fmt.Printf("✅ Enrolled new identity %d\n", id)
	} else {
		if err := db.UpdateIdentity(ctx, id, face.Identity, 1); err != nil {
			utils.ShowError("Failed to update identity", err, nil)
			return err
		}
		fmt.Printf("✅ Matched %s (ID: %d); descriptor refined\n", name, id)
	}

	if enrollName != "" && enrollName != name {
		if err := db.RenameIdentity(ctx, id, enrollName); err != nil {
			utils.ShowError("Failed to label identity", err, nil)
			return err
		}
		fmt.Printf("🏷️  Identity %d labeled as '%s'\n", id, enrollName)
	}
	return nil
}
