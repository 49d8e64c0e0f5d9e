package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/robmorgan/metronome/training"
)

var (
	trainOpts runOptions
	planPath  string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Practice through a training plan",
	Long:  `train plays each segment of a YAML plan for its number of bars, then moves on to the next tempo and time signature.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if planPath == "" {
			return errors.New("--plan is required")
		}
		plan, err := training.LoadPlan(planPath)
		if err != nil {
			return err
		}
		return runMetronome(cmd.Context(), cmd.Flags(), trainOpts, plan)
	},
}

func init() {
	addRunFlags(trainCmd.Flags(), &trainOpts)
	trainCmd.Flags().StringVarP(&planPath, "plan", "p", "", "path to a YAML training plan")
	rootCmd.AddCommand(trainCmd)
}
