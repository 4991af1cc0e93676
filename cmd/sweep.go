package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale observations and reconcile pending ones",
	Long:  "Runs the sweeper on the configured interval until interrupted. With --once it makes a single pass and prints a summary.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sweeper := newSweeper(env)
		if once, _ := cmd.Flags().GetBool("once"); once {
			sum, err := sweeper.SweepOnce(ctx)
			if err != nil {
				return eris.Wrap(err, "sweep")
			}
			formatSummary(os.Stdout, sum)
			return nil
		}
		return sweeper.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// initApp migrates before building services.
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		env.Close()
		fmt.Fprintf(os.Stdout, "store migrated (%s)\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	sweepCmd.Flags().Bool("once", false, "make a single pass and exit")
	rootCmd.AddCommand(sweepCmd, migrateCmd)
}
