package cmd

import (
	"fmt"

	"github.com/loqalabs/loqa-speak/internal/segment"
	"github.com/loqalabs/loqa-speak/internal/thinking"
	"github.com/spf13/cobra"
)

var rawScan bool

var filterCmd = &cobra.Command{
	Use:   "filter [text]",
	Short: "Strip thinking spans from text",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		text, err := inputText(cmd, args)
		if err != nil {
			return err
		}
		filter, err := thinking.New(cfg.Filter.ThinkingKeywords)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), filter.Apply(text))
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [text]",
	Short: "Split text into voice and text segments",
	Long: `Split text into the ordered voice and text segments the dispatcher would
produce. Thinking spans are removed first unless --raw is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		text, err := inputText(cmd, args)
		if err != nil {
			return err
		}
		if !rawScan {
			text = thinking.Strip(text, cfg.Filter.ThinkingKeywords)
		}
		scanner, err := segment.NewScanner(cfg.Filter.SegmentPattern, cfg.Filter.BracketPattern)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, seg := range scanner.Scan(text) {
			fmt.Fprintf(out, "%-5s %4d  %s\n", seg.Kind, seg.Position, seg.Content)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&rawScan, "raw", false, "Do not strip thinking spans before scanning")
	rootCmd.AddCommand(filterCmd, scanCmd)
}
