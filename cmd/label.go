package cmd

import (
	"fmt"
	"strconv"

	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Assign a name to an enrolled identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		db := mustStore(cmd)

		if err := db.RenameIdentity(cmd.Context(), id, args[1]); err != nil {
			utils.Die("Failed to label identity", err, nil)
		}
		fmt.Printf("✅ Identity %d labeled as '%s'\n", id, args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
