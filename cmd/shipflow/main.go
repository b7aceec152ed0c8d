package main

import (
	"fmt"
	"os"
	"shipflow/lib/osutil"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	dumpHttp   string
)

var rootCmd = &cobra.Command{
	Use:   "shipflow",
	Short: "shipflow picks and ships completed work orders across the orders, picking and logistics portals.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/shipflow.json5", "Path to the configuration file.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging.")
	rootCmd.PersistentFlags().StringVar(&dumpHttp, "dump-http", "", "Write every portal request and response under this directory.")
}

func main() {
	ctx := osutil.SignalContext()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
