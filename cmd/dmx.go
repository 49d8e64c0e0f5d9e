package cmd

import (
	"github.com/nickysemenza/gola"
	"github.com/spf13/cobra"

	"github.com/robmorgan/metronome/config"
	"github.com/robmorgan/metronome/logger"
)

var dumpUniverses []int

// dmxDumpCmd prints what OLA currently holds, handy when patching the beat lights.
var dmxDumpCmd = &cobra.Command{
	Use:   "dmx-dump",
	Short: "Print the DMX values OLA is sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewMetronomeConfig()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}
		log := logger.GetProjectLogger()

		client, err := gola.New(cfg.DMX.OLAAddr)
		if err != nil {
			return err
		}
		defer client.Close()

		for _, u := range dumpUniverses {
			x, err := client.GetDmx(u)
			if err != nil {
				log.WithError(err).WithField("universe", u).Error("GetDmx failed")
				continue
			}
			cmd.Printf("universe %d: %v\n", u, x.Data)
		}
		return nil
	},
}

func init() {
	dmxDumpCmd.Flags().IntSliceVarP(&dumpUniverses, "universe", "u", []int{1}, "universes to dump")
	rootCmd.AddCommand(dmxDumpCmd)
}
