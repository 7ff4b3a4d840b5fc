package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/gatewaylink/internal/protocol"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "List and manage gateway sessions",
	}

	cmd.AddCommand(newSessionsListCmd(opts))
	cmd.AddCommand(newSessionsPreviewCmd(opts))
	cmd.AddCommand(newSessionsResetCmd(opts))
	cmd.AddCommand(newSessionsCompactCmd(opts))
	cmd.AddCommand(newSessionsPatchCmd(opts))

	return cmd
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	var params protocol.SessionsListParams
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			res, err := l.client.ListSessions(cmd.Context(), params)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, res)
			}
			return printSessions(out, res.Sessions)
		},
	}
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "maximum number of sessions")
	cmd.Flags().IntVar(&params.ActiveMinutes, "active", 0, "only sessions active in the last N minutes")
	cmd.Flags().BoolVar(&params.IncludeGlobal, "global", false, "include the global session")
	return cmd
}

func newSessionsPreviewCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "preview KEY...",
		Short: "Show the last transcript lines of sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			res, err := l.client.PreviewSessions(cmd.Context(), args, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, res)
			}
			for _, p := range res.Previews {
				_, _ = fmt.Fprintf(out, "== %s\n", p.Key)
				for _, item := range p.Items {
					_, _ = fmt.Fprintf(out, "%-9s %s\n", item.Role+":", item.Text)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "lines per session")
	return cmd
}

func newSessionsResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset KEY",
		Short: "Clear a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			if err := l.client.ResetSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
			return nil
		},
	}
}

func newSessionsCompactCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact KEY",
		Short: "Summarize and shrink a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			if err := l.client.CompactSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "compacted %s\n", args[0])
			return nil
		},
	}
}

func newSessionsPatchCmd(opts *rootOptions) *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "patch KEY --set field=value...",
		Short: "Update session settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := parseSets(sets)
			if err != nil {
				return err
			}
			l, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer l.close()

			if err := l.client.PatchSession(cmd.Context(), args[0], updates); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "patched %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value to update; repeatable")
	return cmd
}

// parseSets turns field=value pairs into patch updates. Values that read as
// JSON scalars keep their type; "null" clears a field.
func parseSets(sets []string) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("nothing to update: pass at least one --set field=value")
	}
	updates := make(map[string]any, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q: want field=value", s)
		}
		switch {
		case v == "null":
			updates[k] = nil
		case v == "true" || v == "false":
			updates[k] = v == "true"
		default:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				updates[k] = n
			} else {
				updates[k] = v
			}
		}
	}
	return updates, nil
}

func printSessions(w io.Writer, sessions []protocol.SessionSummary) error {
	table := tablewriter.NewWriter(w)
	if err := table.Append([]string{"KEY", "LABEL", "MODEL", "TOKENS", "UPDATED"}); err != nil {
		return err
	}
	for _, s := range sessions {
		updated := "-"
		if s.UpdatedAt > 0 {
			updated = time.UnixMilli(s.UpdatedAt).Format(time.DateTime)
		}
		row := []string{s.Key, dash(s.Label), dash(s.Model), strconv.FormatInt(s.TotalTokens, 10), updated}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
