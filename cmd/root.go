// Package cmd holds the metronome command line.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "metronome",
	Short:   "A lookahead metronome for the terminal",
	Long:    `metronome plays sample-accurate beats, follows training plans and can mirror the beat to OSC and DMX lights.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
