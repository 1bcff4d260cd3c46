package cmd

import (
	"fmt"

	"github.com/sarchlab/simbridge/config"
	"github.com/sarchlab/simbridge/shm"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove the shared objects a crashed run left behind.",
	Long: "`cleanup` removes every shared memory segment and semaphore " +
		"whose name starts with the configured prefix.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadEnv()
		if err != nil {
			return err
		}

		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			cfg.Dir = dir
		}

		if prefix, _ := cmd.Flags().GetString("prefix"); prefix != "" {
			cfg.Prefix = prefix
		}

		removed, err := shm.ForceClear(cfg.Dir, cfg.Prefix)
		for _, name := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), "removed", name)
		}

		return err
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().String("dir", "", "Directory of the shared objects.")
	cleanupCmd.Flags().String("prefix", "", "Prefix of the shared objects.")
}
