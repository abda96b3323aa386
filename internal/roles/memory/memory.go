// Package memory implements the Attempt Memory: the append-only attempt log and the
// per-level summaries derived from it. It is the only durable state of a session.
//
// On-disk layout inside the session directory:
//
//	attempts.jsonl        one Attempt JSON object per line, append-only
//	level_summaries.json  map of level -> LevelSummary, rewritten whole on every update
//
// The Store is not safe for concurrent use. The Controller is its only writer and touches
// it strictly between loop iterations.
package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/merlin/internal/types"
)

const (
	attemptsFile  = "attempts.jsonl"
	summariesFile = "level_summaries.json"
)

// Store is the file-backed Attempt Memory for one session.
type Store struct {
	dir           string
	attemptsPath  string
	summariesPath string
	summaries     map[int]*types.LevelSummary
	count         int // records appended through this Store
}

// Open loads (or creates) the memory files under dir.
//
// Expectations:
//   - Creates dir if absent
//   - Loads existing level summaries so a resumed session keeps its blacklist
//   - A corrupt summaries document is logged and replaced by an empty one, not fatal
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	s := &Store{
		dir:           dir,
		attemptsPath:  filepath.Join(dir, attemptsFile),
		summariesPath: filepath.Join(dir, summariesFile),
		summaries:     make(map[int]*types.LevelSummary),
	}
	data, err := os.ReadFile(s.summariesPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("memory: read summaries: %w", err)
	default:
		var raw map[string]*types.LevelSummary
		if err := json.Unmarshal(data, &raw); err != nil {
			slog.Warn("[MEM] corrupt level summaries — starting empty", "path", s.summariesPath, "error", err)
			break
		}
		for k, v := range raw {
			lvl, err := strconv.Atoi(k)
			if err != nil || v == nil {
				continue
			}
			s.summaries[lvl] = v
		}
	}
	return s, nil
}

// AttemptsPath returns the path of the JSONL attempt log.
func (s *Store) AttemptsPath() string { return s.attemptsPath }

// SummariesPath returns the path of the level summary document.
func (s *Store) SummariesPath() string { return s.summariesPath }

// Count returns the number of records appended through this Store.
func (s *Store) Count() int { return s.count }

// Append durably writes one attempt as a single JSON line.
// ID and Timestamp are assigned when missing.
//
// Expectations:
//   - Records are written in call order; never reordered or coalesced
//   - Each record is one line written with a single write call, then fsynced
//   - Assigns ID and Timestamp when empty
//   - Returns an error when the log cannot be opened or written
func (s *Store) Append(a types.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("memory: marshal attempt: %w", err)
	}
	f, err := os.OpenFile(s.attemptsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open attempt log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("memory: write attempt: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("memory: sync attempt log: %w", err)
	}
	s.count++
	return nil
}

// Recent returns the last k attempts for level in chronological order.
func (s *Store) Recent(level, k int) []types.Attempt {
	return s.RecentIn([]int{level}, k)
}

// RecentIn returns the last k attempts whose level is any of levels, chronological.
// k <= 0 returns every matching attempt.
//
// Expectations:
//   - Preserves append order
//   - Returns at most k records, the most recent ones
//   - Skips corrupt lines instead of failing
//   - Returns nil when the log does not exist yet
func (s *Store) RecentIn(levels []int, k int) []types.Attempt {
	f, err := os.Open(s.attemptsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("[MEM] open attempt log", "path", s.attemptsPath, "error", err)
		}
		return nil
	}
	defer f.Close()

	var rows []types.Attempt
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var a types.Attempt
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			slog.Debug("[MEM] skipping corrupt attempt record", "error", err)
			continue
		}
		if slices.Contains(levels, a.Level) {
			rows = append(rows, a)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("[MEM] scan attempt log", "error", err)
	}
	if k > 0 && len(rows) > k {
		rows = rows[len(rows)-k:]
	}
	return rows
}

// Summary returns a copy of the summary for level, creating a zero one if absent.
func (s *Store) Summary(level int) types.LevelSummary {
	sum := s.summary(level)
	return types.LevelSummary{
		Tried:       sum.Tried,
		Successes:   sum.Successes,
		RecentNotes: slices.Clone(sum.RecentNotes),
		Blacklist:   slices.Clone(sum.Blacklist),
	}
}

// IsBlacklisted reports whether guess is a confirmed-wrong guess for level.
// Comparison ignores case and surrounding space.
func (s *Store) IsBlacklisted(level int, guess string) bool {
	sum, ok := s.summaries[level]
	if !ok {
		return false
	}
	g := strings.TrimSpace(guess)
	for _, b := range sum.Blacklist {
		if strings.EqualFold(b, g) {
			return true
		}
	}
	return false
}

// Levels returns every level that has a summary, ascending.
func (s *Store) Levels() []int {
	out := make([]int, 0, len(s.summaries))
	for lvl := range s.summaries {
		out = append(out, lvl)
	}
	slices.Sort(out)
	return out
}

// RecordOutcome folds one verification outcome into the level summary and persists the
// whole summary document.
//
// Expectations:
//   - Tried increments on every call; Successes only when success is true
//   - A non-empty note is appended to RecentNotes, dropping the oldest beyond MaxRecentNotes
//   - avoid is unioned into Blacklist: idempotent, sorted, empty entries ignored
//   - Blacklist entries are never removed
//   - The document is replaced atomically (temp file + rename)
func (s *Store) RecordOutcome(level int, success bool, note string, avoid []string) error {
	sum := s.summary(level)
	sum.Tried++
	if success {
		sum.Successes++
	}
	if note != "" {
		sum.RecentNotes = append(sum.RecentNotes, note)
		if len(sum.RecentNotes) > types.MaxRecentNotes {
			sum.RecentNotes = slices.Clone(sum.RecentNotes[len(sum.RecentNotes)-types.MaxRecentNotes:])
		}
	}
	for _, g := range avoid {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if i, found := slices.BinarySearch(sum.Blacklist, g); !found {
			sum.Blacklist = slices.Insert(sum.Blacklist, i, g)
		}
	}
	return s.persistSummaries()
}

func (s *Store) summary(level int) *types.LevelSummary {
	sum, ok := s.summaries[level]
	if !ok {
		sum = &types.LevelSummary{RecentNotes: []string{}, Blacklist: []string{}}
		s.summaries[level] = sum
	}
	return sum
}

func (s *Store) persistSummaries() error {
	raw := make(map[string]*types.LevelSummary, len(s.summaries))
	for lvl, sum := range s.summaries {
		raw[strconv.Itoa(lvl)] = sum
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal summaries: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, summariesFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp summaries: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memory: write temp summaries: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("memory: sync temp summaries: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memory: close temp summaries: %w", err)
	}
	if err := os.Rename(tmpPath, s.summariesPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("memory: replace summaries: %w", err)
	}
	return nil
}
