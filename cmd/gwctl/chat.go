package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/gatewaylink/internal/chatstream"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send and abort chat messages",
	}

	cmd.AddCommand(newChatSendCmd(opts))
	cmd.AddCommand(newChatAbortCmd(opts))

	return cmd
}

func newChatSendCmd(opts *rootOptions) *cobra.Command {
	var (
		noWait  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send SESSION MESSAGE...",
		Short: "Send a message and stream the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, text := args[0], strings.Join(args[1:], " ")

			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			out := cmd.OutOrStdout()
			wait := !noWait && l.conn.IsConnected()
			if !noWait && !wait {
				l.logger.Warn().Msg("replies are only streamed over the live channel, not waiting")
			}

			var done <-chan error
			if wait {
				var unsub func()
				done, unsub = streamReply(l, session, out)
				defer unsub()
			}

			res, err := l.client.SendChat(cmd.Context(), session, text)
			if err != nil {
				return err
			}
			if !wait {
				_, _ = fmt.Fprintf(out, "accepted run %s\n", res.RunID)
				return nil
			}

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)

			select {
			case err := <-done:
				return err
			case <-interrupt:
				_, _ = fmt.Fprintln(out)
				return l.client.AbortChat(cmd.Context(), session, res.RunID)
			case <-time.After(timeout):
				return fmt.Errorf("no reply for run %s within %s", res.RunID, timeout)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the gateway accepts the message")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the reply")
	return cmd
}

// streamReply prints the reply of this client's run in session to out. The
// channel yields once the run ends.
func streamReply(l *link, session string, out io.Writer) (<-chan error, func()) {
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	mine := func(payload any) (chatstream.Update, bool) {
		upd, ok := payload.(chatstream.Update)
		return upd, ok && upd.SessionKey == session && !upd.Foreign
	}

	unsubs := []func(){
		l.router.Subscribe(chatstream.EventDelta, func(_ string, payload any) {
			if upd, ok := mine(payload); ok {
				_, _ = io.WriteString(out, upd.Text)
			}
		}),
		l.router.Subscribe(chatstream.EventMessage, func(_ string, payload any) {
			if upd, ok := mine(payload); ok {
				if upd.Content == "" {
					_, _ = io.WriteString(out, upd.Text)
				}
				_, _ = fmt.Fprintln(out)
				finish(nil)
			}
		}),
		l.router.Subscribe(chatstream.EventError, func(_ string, payload any) {
			if upd, ok := mine(payload); ok {
				_, _ = fmt.Fprintln(out)
				finish(errors.New(upd.Error))
			}
		}),
		l.router.Subscribe(chatstream.EventTypingEnd, func(_ string, payload any) {
			if upd, ok := mine(payload); ok && upd.Aborted {
				finish(errors.New("run aborted"))
			}
		}),
	}
	return done, func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func newChatAbortCmd(opts *rootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "abort SESSION",
		Short: "Stop the reply running in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			if err := l.client.AbortChat(cmd.Context(), args[0], runID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "aborted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id to abort (default: whatever is running)")
	return cmd
}
