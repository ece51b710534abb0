package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/directmsg"
)

func init() {
	requestCmd.AddCommand(requestCreateCmd, requestListCmd, requestStatusCmd, requestAcceptCmd, requestDeclineCmd)
	rootCmd.AddCommand(requestCmd)
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Message request commands",
	Long:  "Create, list and respond to message requests. Two users can only exchange messages after a request is accepted.",
}

// ============================================================================
// request create
// ============================================================================

var requestCreateCmd = &cobra.Command{
	Use:   "create <receiver-id> <message>",
	Short: "Contact a user, or open the existing conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		res, err := m.StartConversation(ctx, args[0], args[1])
		if err != nil {
			return describeError(err)
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}

		out := cmd.OutOrStdout()
		switch res.Action {
		case directmsg.ActionOpenConversation:
			fmt.Fprintf(out, "Conversation already exists: %s\n", res.ConversationID)
		case directmsg.ActionShowPending:
			if res.Request != nil {
				fmt.Fprintf(out, "Request sent: %s\n", res.Request.ID)
			} else {
				fmt.Fprintln(out, "A request is already pending.")
			}
		default:
			fmt.Fprintf(out, "Request status: %s\n", res.Status)
		}
		return nil
	},
}

// ============================================================================
// request list
// ============================================================================

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests addressed to you",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		reqs, err := m.Inbox.Refresh(ctx)
		if err != nil {
			return describeError(err)
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), reqs)
		}

		out := cmd.OutOrStdout()
		if len(reqs) == 0 {
			fmt.Fprintln(out, "No pending requests.")
			return nil
		}
		for _, r := range reqs {
			fmt.Fprintf(out, "%s  from %-20s  %s  %q\n", r.ID, r.Sender.DisplayName(), r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Content)
		}
		return nil
	},
}

// ============================================================================
// request status
// ============================================================================

var requestStatusCmd = &cobra.Command{
	Use:   "status <receiver-id>",
	Short: "Show the request status with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		action, st, err := m.MessageAction(ctx, args[0])
		if err != nil {
			return describeError(err)
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Status:       %s\n", st.Status)
		if st.RequestID != "" {
			fmt.Fprintf(out, "Request:      %s\n", st.RequestID)
		}
		if st.ConversationID != "" {
			fmt.Fprintf(out, "Conversation: %s\n", st.ConversationID)
		}
		fmt.Fprintf(out, "Action:       %s\n", action)
		return nil
	},
}

// ============================================================================
// request accept / decline
// ============================================================================

var requestAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respond(cmd, args[0], directmsg.ActionAccept)
	},
}

var requestDeclineCmd = &cobra.Command{
	Use:   "decline <request-id>",
	Short: "Decline a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respond(cmd, args[0], directmsg.ActionDecline)
	},
}

func respond(cmd *cobra.Command, requestID string, action directmsg.RequestAction) error {
	m, err := newMessenger()
	if err != nil {
		return err
	}
	defer m.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	var res *directmsg.RespondResult
	if action == directmsg.ActionAccept {
		res, err = m.Inbox.Accept(ctx, requestID)
	} else {
		res, err = m.Inbox.Decline(ctx, requestID)
	}
	if err != nil {
		if st, ok := directmsg.StatusFromError(err); ok {
			return fmt.Errorf("request already %s", st.Status)
		}
		return describeError(err)
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Request %s %s\n", res.Request.ID, res.Request.Status)
	if res.Conversation != nil {
		fmt.Fprintf(out, "Conversation: %s\n", res.Conversation.ID)
	}
	return nil
}
