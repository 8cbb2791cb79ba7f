package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			printError("invalid configuration", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: tts=%s scheduler=%s %d%% of %d\n",
			cfg.TTS.Mode, cfg.Scheduler.Mode, cfg.Scheduler.TriggerPercentage, cfg.Scheduler.CycleLength)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
