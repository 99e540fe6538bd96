package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and compile trace definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		applyColorFlag(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if _, err := cfg.Schemas(); err != nil {
			color.New(color.FgRed, color.Bold).Fprintln(cmd.ErrOrStderr(), err.Error())
			return err
		}
		defs, err := cfg.Definitions()
		if err != nil {
			color.New(color.FgRed, color.Bold).Fprintln(cmd.ErrOrStderr(), err.Error())
			return err
		}
		ok := color.New(color.FgGreen, color.Bold)
		for _, def := range defs {
			ok.Fprintf(cmd.OutOrStdout(), "ok")
			fmt.Fprintf(cmd.OutOrStdout(), " %s (%d required, %d variants)\n", def.Name, len(def.RequiredSpans), len(def.Variants))
		}
		return nil
	},
}
