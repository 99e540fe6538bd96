package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "optracez",
	Short: "Operation trace definitions and replays",
	Long: `optracez validates trace definitions and replays recorded span streams
through the trace engine, printing one summary per recording.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().String("config", "", "path to the trace definition file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
