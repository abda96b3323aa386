package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/haricheung/merlin/internal/roles/memory"
	"github.com/haricheung/merlin/internal/types"
)

func newSummaryCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "summary <session-dir>",
		Short: "Print the per-level summaries of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := memory.Open(args[0])
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), mem, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

// summaryReader is the part of *memory.Store the summary command needs.
type summaryReader interface {
	Levels() []int
	Summary(level int) types.LevelSummary
}

func writeSummary(w io.Writer, mem summaryReader, asJSON bool) error {
	levels := mem.Levels()
	if asJSON {
		out := make(map[string]types.LevelSummary, len(levels))
		for _, l := range levels {
			out[fmt.Sprint(l)] = mem.Summary(l)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(levels) == 0 {
		fmt.Fprintln(w, "no levels recorded")
		return nil
	}
	fmt.Fprintf(w, "%-6s %6s %9s  %s\n", "LEVEL", "TRIED", "SUCCESSES", "BLACKLIST")
	for _, l := range levels {
		s := mem.Summary(l)
		fmt.Fprintf(w, "%-6d %6d %9d  %s\n", l, s.Tried, s.Successes, strings.Join(s.Blacklist, ", "))
		for _, n := range s.RecentNotes {
			fmt.Fprintf(w, "       %s\n", runewidth.Truncate(n, 70, "…"))
		}
	}
	return nil
}

var _ summaryReader = (*memory.Store)(nil)
