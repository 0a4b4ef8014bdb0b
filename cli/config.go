package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/doorstop/config"
)

var configCmd = &cobra.Command{
	Use:   "config [file]",
	Short: "Print the effective configuration after environment overrides",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if cfg.Source != "" {
			fmt.Fprintf(out, "# loaded from %s\n", cfg.Source)
		} else {
			fmt.Fprintln(out, "# no config file found, using defaults")
		}
		if !cfg.Enabled {
			fmt.Fprintf(out, "# disabled: %s\n", cfg.DisabledReason)
		}
		fmt.Fprint(out, cfg.String())
		return nil
	},
}
