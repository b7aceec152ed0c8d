package main

import (
	"os"
	"shipflow/lib/osutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs a single cycle and prints its summary.",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := setup(cmd.Context())
		if err != nil {
			osutil.Fatal("startup failed", err)
		}
		defer a.Close()

		summary := a.orch.RunCycle(cmd.Context())
		summary.RenderTable(os.Stdout)
	},
}
