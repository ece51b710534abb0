package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/directmsg"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration, then check the gateway and the live channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, directmsg.DefaultBaseURL+" (default)"))
		fmt.Fprintf(out, "  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:    (not set)")
		}

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		if convs, err := m.Conversations.List(ctx); err != nil {
			fmt.Fprintf(out, "  Gateway:  %v\n", describeError(err))
		} else {
			fmt.Fprintf(out, "  Gateway:  ok (%d conversations)\n", len(convs))
		}

		session := m.Connect(ctx)
		state := session.Wait(ctx)
		if state == directmsg.StateError {
			fmt.Fprintf(out, "  Channel:  %s (%v)\n", state, session.LastError())
		} else {
			fmt.Fprintf(out, "  Channel:  %s\n", state)
		}
		return nil
	},
}
