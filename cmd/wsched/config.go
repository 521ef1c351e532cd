package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"wsched/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file utilities",
	}

	var cfgPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.NewManager(cfgPath).Load(); err != nil {
				return fmt.Errorf("%s: %w", cfgPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("ok"), cfgPath)
			return nil
		},
	}
	validate.Flags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	cmd.AddCommand(validate)
	return cmd
}
