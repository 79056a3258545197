package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var identitiesExport string

var identitiesCmd = &cobra.Command{
	Use:     "identities",
	Aliases: []string{"list"},
	Short:   "List all known identities in the database",
	Long: `Lists known identities. With --export, writes them with their descriptors
as JSON for redact --identities-file, so exclusion works without a database.`,
	Run: func(cmd *cobra.Command, args []string) {
		runIdentities(cmd)
	},
}

func init() {
	identitiesCmd.Flags().StringVar(&identitiesExport, "export", "", "Write identities and descriptors to this JSON file")
	rootCmd.AddCommand(identitiesCmd)
}

// exportIdentities snapshots identities into the --identities-file format.
func exportIdentities(ctx context.Context, db *store.Store, identities []store.Identity) (pipeline.StaticIdentities, error) {
	ids := make([]int, len(identities))
	for i, id := range identities {
		ids[i] = id.ID
	}
	vectors, err := db.GetIdentityVectors(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(pipeline.StaticIdentities, 0, len(identities))
	for _, id := range identities {
		vec, ok := vectors[id.ID]
		if !ok {
			continue
		}
		out = append(out, pipeline.Identity{ID: id.ID, Name: id.Name, Vector: vec})
	}
	return out, nil
}

func writeIdentities(path string, ids pipeline.StaticIdentities) error {
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func runIdentities(cmd *cobra.Command) {
	db := mustStore(cmd)
	identities, err := db.ListIdentities(cmd.Context())
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return
	}

	if identitiesExport != "" {
		snapshot, err := exportIdentities(cmd.Context(), db, identities)
		if err != nil {
			utils.Die("Failed to read identity descriptors", err, nil)
		}
		if err := writeIdentities(identitiesExport, snapshot); err != nil {
			utils.Die("Failed to write identities file", err, nil)
		}
		fmt.Printf("💾 Exported %d identities to %s\n", len(snapshot), identitiesExport)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFACE COUNT\tCREATED")
	fmt.Fprintln(w, "--\t----\t----------\t-------")

	for _, id := range identities {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", id.ID, id.Name, id.Count, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
