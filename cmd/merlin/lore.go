package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haricheung/merlin/internal/config"
	"github.com/haricheung/merlin/internal/lore"
)

func newLoreCommand() *cobra.Command {
	var dir, site string
	cmd := &cobra.Command{
		Use:   "lore",
		Short: "Print what earlier sessions learned about each level",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.LoreDir
			}
			if site == "" {
				site = cfg.URL
			}
			if dir == "" {
				return fmt.Errorf("no lore directory: set --dir or MERLIN_LORE_DIR")
			}
			store, err := lore.Open(dir)
			if err != nil {
				return err
			}
			defer store.Close()
			return writeLore(cmd.OutOrStdout(), store, site)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "lore database directory (MERLIN_LORE_DIR)")
	cmd.Flags().StringVar(&site, "site", "", "site the lore was recorded for (MERLIN_URL)")
	return cmd
}

// loreReader is the read side of *lore.Store.
type loreReader interface {
	Levels(site string) ([]int, error)
	Recall(site string, level int) (lore.Recollection, error)
}

func writeLore(w io.Writer, store loreReader, site string) error {
	levels, err := store.Levels(site)
	if err != nil {
		return err
	}
	if len(levels) == 0 {
		fmt.Fprintf(w, "no lore for %s\n", site)
		return nil
	}
	fmt.Fprintf(w, "lore for %s\n", site)
	for _, l := range levels {
		rec, err := store.Recall(site, l)
		if err != nil {
			return fmt.Errorf("recall level %d: %w", l, err)
		}
		fmt.Fprintf(w, "level %d\n", l)
		for _, s := range rec.Solved {
			fmt.Fprintf(w, "  ✅ %s (x%d, last %s)\n", s.Answer, s.Count, s.SolvedAt)
		}
		if len(rec.Wrong) > 0 {
			fmt.Fprintf(w, "  ❌ %s\n", strings.Join(rec.Wrong, ", "))
		}
	}
	return nil
}

var _ loreReader = (*lore.Store)(nil)
