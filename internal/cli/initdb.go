package cli

import (
	"github.com/spf13/cobra"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the vector store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openInitializedStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.CountChunks(cmd.Context(), "")
		if err != nil {
			return err
		}
		cmd.Printf("%s store ready (%d dimensions, %d chunks stored)\n",
			cfg.Store.Type, cfg.Embedding.Dimensions, n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
