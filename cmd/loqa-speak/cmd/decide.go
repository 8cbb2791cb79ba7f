package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-speak/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	decideMessages int
	decideMode     string
	decideCycle    int
	decidePercent  int
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Simulate scheduler decisions",
	Long: `Simulate the voice/text decision for a run of messages starting from a
zero counter. V marks a spoken reply, . a text reply.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sc := scheduler.Config{
			Mode:              scheduler.Mode(cfg.Scheduler.Mode),
			CycleLength:       cfg.Scheduler.CycleLength,
			TriggerPercentage: cfg.Scheduler.TriggerPercentage,
		}
		if cmd.Flags().Changed("mode") {
			sc.Mode = scheduler.Mode(decideMode)
		}
		if cmd.Flags().Changed("cycle") {
			sc.CycleLength = decideCycle
		}
		if cmd.Flags().Changed("percent") {
			sc.TriggerPercentage = decidePercent
		}

		ctx := context.Background()
		sched, err := scheduler.New(ctx, sc, nil, newLogger(io.Discard))
		if err != nil {
			return err
		}
		var b strings.Builder
		spoken := 0
		for i := 1; i <= decideMessages; i++ {
			if sched.ShouldSpeak(ctx) {
				b.WriteByte('V')
				spoken++
			} else {
				b.WriteByte('.')
			}
			if i%sc.CycleLength == 0 {
				b.WriteByte('\n')
			}
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, strings.TrimRight(b.String(), "\n"))
		fmt.Fprintf(out, "%d of %d messages spoken\n", spoken, decideMessages)
		return nil
	},
}

func init() {
	decideCmd.Flags().IntVarP(&decideMessages, "messages", "n", 100, "Number of messages to simulate")
	decideCmd.Flags().StringVar(&decideMode, "mode", "", "Override scheduler mode (deterministic|randomized)")
	decideCmd.Flags().IntVar(&decideCycle, "cycle", 0, "Override cycle length")
	decideCmd.Flags().IntVar(&decidePercent, "percent", 0, "Override trigger percentage")
	rootCmd.AddCommand(decideCmd)
}
