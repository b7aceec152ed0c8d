package main

import (
	"encoding/json"
	"fmt"
	"shipflow/internal/config"
	"shipflow/lib/osutil"

	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspects the configuration.",
}

var configGetCmd = &cobra.Command{
	Use:   "get <dotted.key>",
	Short: "Prints one value of the configuration document, like system.interval.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			osutil.Fatal("load config", err)
		}
		value, ok := cfg.Lookup(args[0])
		if !ok {
			osutil.Fatal("lookup", fmt.Errorf("%s is not set", args[0]))
		}
		encoded, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			osutil.Fatal("encode value", err)
		}
		fmt.Println(string(encoded))
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Loads and validates the configuration and the credentials from the environment.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			osutil.Fatal("invalid configuration", err)
		}
		fmt.Printf("ok: %d product types, cycle every %d minutes\n", len(cfg.ProductTypes), cfg.System.Interval)
	},
}
