package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/spf13/cobra"
)

var (
	commandSession string
	commandTimeout time.Duration
)

var commandCmd = &cobra.Command{
	Use:   "command <name> [args...]",
	Short: "Send a chat command to a running deployment",
	Long: `Send a chat command (ttson, ttsoff, ttsvoice, ttsmodel, ttsprob, ttsstatus)
over the bus and print the reply.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		client, err := bus.Connect(ctx, cfg.Bus, newLogger(io.Discard))
		if err != nil {
			printError("connect", err)
			return err
		}
		defer client.Close()

		payload, err := json.Marshal(protocol.CommandRequest{
			SessionID: commandSession,
			Name:      args[0],
			Args:      args[1:],
		})
		if err != nil {
			return err
		}
		msg, err := client.Conn().RequestWithContext(ctx, protocol.SubjectCommand, payload)
		if err != nil {
			printError("request", err)
			return err
		}
		var reply protocol.CommandReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply.Message)
		if !reply.OK {
			return errors.New("command rejected")
		}
		return nil
	},
}

func init() {
	commandCmd.Flags().StringVar(&commandSession, "session", "cli", "Session id sent with the command")
	commandCmd.Flags().DurationVar(&commandTimeout, "timeout", 5*time.Second, "Request timeout")
	rootCmd.AddCommand(commandCmd)
}
