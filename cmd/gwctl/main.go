// Command gwctl talks to the agent gateway directly: it lists and manages
// sessions and sends or aborts chat messages from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/gatewaylink/internal/chatstream"
	"github.com/p-blackswan/gatewaylink/internal/config"
	"github.com/p-blackswan/gatewaylink/internal/gateway"
)

type rootOptions struct {
	url            string
	token          string
	httpURL        string
	connectTimeout time.Duration
	verbose        bool
	jsonOut        bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "gwctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gwctl",
		Short:         "Operate agent gateway sessions and chats",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.url, "url", "", "gateway WebSocket URL (default $GATEWAY_URL)")
	flags.StringVar(&opts.token, "token", "", "gateway token (default $GATEWAY_TOKEN)")
	flags.StringVar(&opts.httpURL, "http-url", "", "HTTP fallback base URL (default $GATEWAY_HTTP_URL)")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", 10*time.Second, "time allowed for the connect handshake")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection activity to stderr")
	flags.BoolVar(&opts.jsonOut, "json", false, "print raw JSON results")

	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newSessionsCmd(opts))
	root.AddCommand(newChatCmd(opts))

	return root
}

// link is an open connection layer for one command invocation.
type link struct {
	conn   *gateway.Conn
	client *gateway.Client
	router *gateway.Router
	runs   *chatstream.Interpreter
	logger zerolog.Logger
}

func (o *rootOptions) logger(cmd *cobra.Command) zerolog.Logger {
	level := zerolog.WarnLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

func (o *rootOptions) gatewayConfig() (gateway.Config, gateway.HTTPConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return gateway.Config{}, gateway.HTTPConfig{}, err
	}
	if o.url != "" {
		cfg.GatewayURL = o.url
	}
	if o.token != "" {
		cfg.GatewayToken = o.token
	}
	if o.httpURL != "" {
		cfg.FallbackURL = o.httpURL
	}
	gc := cfg.GatewayConfig()
	gc.HandshakeTimeout = o.connectTimeout
	gc.PingInterval = 0
	return gc, cfg.HTTPConfig(), nil
}

// open connects to the gateway. When the channel cannot be opened but a
// fallback is configured, commands run over the fallback instead.
func (o *rootOptions) open(cmd *cobra.Command) (*link, error) {
	gc, hc, err := o.gatewayConfig()
	if err != nil {
		return nil, err
	}
	logger := o.logger(cmd)

	router := gateway.NewRouter(logger)
	conn := gateway.NewConn(gc, router, logger)

	var fallback gateway.Transport
	if hc.BaseURL != "" {
		fallback = gateway.NewHTTPTransport(hc, logger)
	}
	client := gateway.NewClient(conn, fallback, logger)

	runs := chatstream.New(router, logger)
	runs.Start()
	client.SetRunTracker(runs)

	l := &link{conn: conn, client: client, router: router, runs: runs, logger: logger}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.connectTimeout)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		if !client.FallbackAvailable() {
			l.close()
			return nil, fmt.Errorf("connecting to %s: %w", gc.URL, err)
		}
		// Stop the background reconnects; this invocation uses the fallback.
		_ = conn.Disconnect()
		logger.Warn().Err(err).Msg("gateway channel unavailable, using HTTP fallback")
	}
	return l, nil
}

func (l *link) close() {
	l.runs.Stop()
	if err := l.conn.Disconnect(); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Debug().Err(err).Msg("disconnect")
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to the gateway and report the connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			st := l.conn.Stats()
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, map[string]any{
					"status":   st.Status.String(),
					"fallback": l.client.FallbackAvailable(),
					"terminal": st.Terminal,
				})
			}
			_, _ = fmt.Fprintf(out, "channel:  %s\n", st.Status)
			_, _ = fmt.Fprintf(out, "fallback: %t\n", l.client.FallbackAvailable())
			return nil
		},
	}
}
