package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/directmsg"
)

var listenNoInput bool

func init() {
	listenCmd.Flags().BoolVar(&listenNoInput, "no-input", false, "Only print incoming messages; do not read stdin")
	rootCmd.AddCommand(conversationsCmd, historyCmd, sendCmd, listenCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		convs, err := m.Conversations.List(ctx)
		if err != nil {
			return describeError(err)
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), convs)
		}

		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		for _, c := range convs {
			with := "(unknown)"
			if c.Other != nil {
				with = c.Other.DisplayName()
			}
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Content
			}
			fmt.Fprintf(out, "%s  %-20s  %s  %s\n", c.ID, with, c.ActiveAt().Local().Format("2006-01-02 15:04"), last)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		th := m.NewThread(args[0])
		defer th.Close()
		msgs, err := th.LoadHistory(ctx)
		if err != nil {
			return describeError(err)
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), msgs)
		}
		printItems(cmd.OutOrStdout(), th.Items(), nil)
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		// Connect first so the broadcast hint reaches listeners.
		m.Connect(ctx).Wait(ctx)

		th := m.NewThread(args[0])
		defer th.Close()
		if err := th.Send(ctx, args[1]); err != nil {
			return describeError(err)
		}
		msgs := th.Messages()
		sent := msgs[len(msgs)-1]
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), sent)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message sent: %s\n", sent.ID)
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id>",
	Short: "Follow a conversation live; lines typed on stdin are sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newMessenger()
		if err != nil {
			return err
		}
		defer m.Shutdown()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		session := m.Connect(ctx)
		unsubscribe := session.Subscribe(directmsg.Handlers{
			OnConnectError: func(err error) { fmt.Fprintf(os.Stderr, "channel error: %v (type /retry)\n", err) },
			OnDisconnect:   func(reason string) { fmt.Fprintf(os.Stderr, "disconnected: %s (type /retry)\n", reason) },
		})
		defer unsubscribe()

		th, err := m.OpenThread(ctx, args[0])
		if err != nil {
			return describeError(err)
		}
		defer th.Close()

		var mu sync.Mutex
		printed := make(map[string]bool)
		printNew := func() {
			mu.Lock()
			defer mu.Unlock()
			printItems(out, th.Items(), printed)
		}
		removeListener := th.OnChange(printNew)
		defer removeListener()
		printNew()

		if listenNoInput {
			<-ctx.Done()
			return nil
		}
		return readInput(ctx, os.Stdin, m, th)
	},
}

func readInput(ctx context.Context, in io.Reader, m *directmsg.Messenger, th *directmsg.Thread) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "":
				continue
			case "/retry":
				fmt.Fprintf(os.Stderr, "channel: %s\n", m.Retry(ctx))
				if _, err := th.LoadHistory(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "history: %v\n", describeError(err))
				}
				continue
			}
			if err := th.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", describeError(err))
			}
		}
	}
}

// printItems prints timeline items. When printed is non-nil, confirmed
// messages already in it are skipped and new ones are recorded; pending
// entries are never printed.
func printItems(w io.Writer, items []directmsg.TimelineItem, printed map[string]bool) {
	var day time.Time
	for _, it := range items {
		if it.Kind == directmsg.ItemDateSeparator {
			day = it.Date
			continue
		}
		msg := it.Message
		if msg.Pending() {
			continue
		}
		if printed != nil {
			if printed[msg.Key()] {
				continue
			}
			printed[msg.Key()] = true
		}
		if !day.IsZero() {
			label := day.Format("Mon, 02 Jan 2006")
			if printed == nil || !printed["day:"+label] {
				fmt.Fprintf(w, "--- %s ---\n", label)
			}
			if printed != nil {
				printed["day:"+label] = true
			}
			day = time.Time{}
		}
		sender := msg.Sender.DisplayName()
		if it.Grouped {
			sender = ""
		}
		fmt.Fprintf(w, "%s %-12s %s\n", msg.CreatedAt.Local().Format("15:04"), sender, msg.Content)
	}
}
