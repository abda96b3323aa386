// Package lore keeps what earlier sessions learned about a puzzle site: answers that
// advanced a level and guesses that were confirmed wrong. It is backed by LevelDB and
// shared across sessions; the per-session Attempt Memory stays the source of truth for
// the running loop.
//
// Lore is advisory. A recalled answer is offered to the Strategist as a hint and must
// still pass verification like any other guess.
package lore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key prefix scheme. Uses "|" as separator so colons in site names are safe.
//
//	s|<site>|<level>|<answer>  → SolvedRecord JSON  (answer that advanced the level)
//	w|<site>|<level>|<guess>   → RFC3339            (first time the guess was confirmed wrong)
const (
	prefixSolved = "s|"
	prefixWrong  = "w|"
)

// SolvedRecord is the value stored for a solving answer.
type SolvedRecord struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
	SolvedAt  string `json:"solved_at"`
	Count     int    `json:"count"` // sessions that confirmed this answer
}

// Recollection is everything known about one level of one site.
type Recollection struct {
	Solved []SolvedRecord `json:"solved,omitempty"`
	Wrong  []string       `json:"wrong,omitempty"`
}

// Empty reports whether nothing is known.
func (r Recollection) Empty() bool { return len(r.Solved) == 0 && len(r.Wrong) == 0 }

// Store is the LevelDB-backed lore database.
// LevelDB is single-writer: only one merlin process may hold a given directory.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) a LevelDB database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("lore: open %s (another merlin process may hold it): %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSolved stores answer as having advanced level on site. Recording the same answer
// again bumps its count and keeps the first session id.
//
// Expectations:
//   - Creates a record with Count 1 on first sight
//   - Increments Count on repeat and keeps the original SessionID
//   - Ignores an empty answer
func (s *Store) RecordSolved(site string, level int, answer, sessionID string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil
	}
	key := []byte(levelPrefix(prefixSolved, site, level) + safeKeyPart(answer))
	rec := SolvedRecord{Answer: answer, SessionID: sessionID, SolvedAt: time.Now().UTC().Format(time.RFC3339)}
	data, err := s.db.Get(key, nil)
	switch {
	case err == nil:
		var prev SolvedRecord
		if json.Unmarshal(data, &prev) == nil {
			rec = prev
		}
	case !errors.Is(err, leveldb.ErrNotFound):
		return fmt.Errorf("lore: read solved: %w", err)
	}
	rec.Count++
	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lore: marshal solved: %w", err)
	}
	if err := s.db.Put(key, out, nil); err != nil {
		return fmt.Errorf("lore: persist solved: %w", err)
	}
	slog.Info("[LORE] recorded solution", "site", site, "level", level, "count", rec.Count)
	return nil
}

// RecordWrong stores guesses as confirmed wrong for level on site.
//
// Expectations:
//   - Writes all guesses in one batch
//   - Keeps the first timestamp when a guess is recorded again
//   - Ignores empty guesses
func (s *Store) RecordWrong(site string, level int, guesses ...string) error {
	batch := new(leveldb.Batch)
	now := []byte(time.Now().UTC().Format(time.RFC3339))
	for _, g := range guesses {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		key := []byte(levelPrefix(prefixWrong, site, level) + safeKeyPart(g))
		if ok, _ := s.db.Has(key, nil); ok {
			continue
		}
		batch.Put(key, now)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("lore: persist wrong guesses: %w", err)
	}
	return nil
}

// Recall returns what is known about level on site.
//
// Expectations:
//   - Solved is ordered by Count descending, then answer
//   - Wrong is sorted
//   - Returns an empty Recollection for an unknown site or level
//   - Levels do not bleed into each other (level 1 never returns level 10 records)
func (s *Store) Recall(site string, level int) (Recollection, error) {
	var r Recollection
	iter := s.db.NewIterator(util.BytesPrefix([]byte(levelPrefix(prefixSolved, site, level))), nil)
	for iter.Next() {
		var rec SolvedRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		r.Solved = append(r.Solved, rec)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return Recollection{}, fmt.Errorf("lore: scan solved: %w", err)
	}

	prefix := levelPrefix(prefixWrong, site, level)
	iter = s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		r.Wrong = append(r.Wrong, strings.TrimPrefix(string(iter.Key()), prefix))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return Recollection{}, fmt.Errorf("lore: scan wrong: %w", err)
	}

	slices.SortFunc(r.Solved, func(a, b SolvedRecord) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Answer, b.Answer)
	})
	slices.Sort(r.Wrong)
	return r, nil
}

// Levels returns every level of site with at least one record, ascending.
func (s *Store) Levels(site string) ([]int, error) {
	seen := map[int]bool{}
	for _, p := range []string{prefixSolved, prefixWrong} {
		prefix := p + safeKeyPart(site) + "|"
		iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			rest := strings.TrimPrefix(string(iter.Key()), prefix)
			lvl, _, ok := strings.Cut(rest, "|")
			if !ok {
				continue
			}
			if n, err := strconv.Atoi(lvl); err == nil {
				seen[n] = true
			}
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return nil, fmt.Errorf("lore: scan levels: %w", err)
		}
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out, nil
}

// For binds the store to one site, which is how the Strategist and Controller use it.
func (s *Store) For(site string) *Scope {
	if s == nil {
		return nil
	}
	return &Scope{store: s, site: site}
}

// Scope is a Store bound to one site. All methods are nil-safe so lore can be disabled
// by passing a nil *Scope.
type Scope struct {
	store *Store
	site  string
}

// Recall returns what is known about level. A nil Scope knows nothing.
func (sc *Scope) Recall(level int) (Recollection, error) {
	if sc == nil {
		return Recollection{}, nil
	}
	return sc.store.Recall(sc.site, level)
}

// Solved records a confirmed answer. No-op on a nil Scope.
func (sc *Scope) Solved(level int, answer, sessionID string) error {
	if sc == nil {
		return nil
	}
	return sc.store.RecordSolved(sc.site, level, answer, sessionID)
}

// Wrong records confirmed-wrong guesses. No-op on a nil Scope.
func (sc *Scope) Wrong(level int, guesses ...string) error {
	if sc == nil {
		return nil
	}
	return sc.store.RecordWrong(sc.site, level, guesses...)
}

// ---------------------------------------------------------------------------
// Key helpers
// ---------------------------------------------------------------------------

// levelPrefix returns the scan prefix for one (kind, site, level). The level is zero
// padded so lexical order matches numeric order and "1|" never prefixes "10|".
func levelPrefix(kind, site string, level int) string {
	return fmt.Sprintf("%s%s|%04d|", kind, safeKeyPart(site), level)
}

// safeKeyPart replaces "|" with "_" so LevelDB keys parse unambiguously.
func safeKeyPart(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}
