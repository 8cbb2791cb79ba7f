package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-speak/internal/store"
	"github.com/spf13/cobra"
)

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal <session id>",
	Short: "List journaled dispatches for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.RetentionMode == "ephemeral" {
			return fmt.Errorf("store is ephemeral; nothing is journaled")
		}
		ctx := context.Background()
		st, err := store.Open(ctx, cfg.Store, newLogger(io.Discard))
		if err != nil {
			printError("open store", err)
			return err
		}
		defer st.Close()

		entries, err := st.ListDispatches(ctx, args[0], journalLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, d := range entries {
			decision := "text"
			if d.Spoke {
				decision = "voice"
			}
			fmt.Fprintf(out, "%s  #%-6d %-5s units=%d failures=%d trace=%s\n",
				d.CreatedAt.Local().Format(time.DateTime), d.MessageCount, decision,
				d.Units, d.SynthesisFailures, d.TraceID)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "no dispatches")
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "Maximum entries to list")
	rootCmd.AddCommand(journalCmd)
}
