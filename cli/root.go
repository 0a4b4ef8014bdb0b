package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "doorstop",
	Short:        "Inspect binaries and configuration for doorstop injection",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(importsCmd, configCmd)
}
