// Package session owns the on-disk layout of one interrogation run.
//
// A Session is created by the caller of the Controller, handed to it, and closed by the
// same caller. Everything the run writes lives under Dir:
//
//	attempts.jsonl          attempt memory (append-only)
//	level_summaries.json    per-level rollup
//	transcript.jsonl        structured event log
//	audit.jsonl             auditor findings
//	debug.log               JSON debug log
//	think/lNN_attemptNNNN.txt
//	shots/lNN_attemptNNNN.png
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/merlin/internal/roles/memory"
	"github.com/haricheung/merlin/internal/transcript"
)

// AuditFile is the auditor's output inside the session directory.
const AuditFile = "audit.jsonl"

// Session is one run's identity, directory and persistent handles.
type Session struct {
	ID         string
	Dir        string
	Target     string
	Started    time.Time
	Memory     *memory.Store
	Transcript *transcript.Log
}

// New creates runsDir/<UTC timestamp>_<short id>/ and opens the attempt memory and the
// transcript inside it.
//
// Expectations:
//   - Creates a fresh directory per call, even within the same second
//   - Opens Memory in Dir; a memory failure is returned as an error
//   - Transcript may be nil when it cannot be opened; the run continues without it
func New(runsDir, target string) (*Session, error) {
	id := uuid.New().String()
	started := time.Now().UTC()
	dir := filepath.Join(runsDir, fmt.Sprintf("%s_%s", started.Format("20060102T150405Z"), id[:8]))
	return open(dir, id, target, started)
}

// Resume reopens an existing session directory, keeping its memory. A new transcript
// session_begin is appended with a fresh ID.
func Resume(dir, target string) (*Session, error) {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("session: resume %s: not a directory", dir)
	}
	return open(dir, uuid.New().String(), target, time.Now().UTC())
}

func open(dir, id, target string, started time.Time) (*Session, error) {
	mem, err := memory.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Session{
		ID:         id,
		Dir:        dir,
		Target:     target,
		Started:    started,
		Memory:     mem,
		Transcript: transcript.Open(dir, id, target),
	}, nil
}

// TranscriptPath is the run's record for the caller: the transcript, or the attempt log
// when the transcript could not be opened.
func (s *Session) TranscriptPath() string {
	if p := s.Transcript.Path(); p != "" {
		return p
	}
	return s.Memory.AttemptsPath()
}

// AuditPath is where the auditor writes its findings.
func (s *Session) AuditPath() string { return filepath.Join(s.Dir, AuditFile) }

// ThinkPath is the reasoning-trace file for one attempt.
func (s *Session) ThinkPath(level, attempt int) string {
	return filepath.Join(s.Dir, "think", fmt.Sprintf("l%02d_attempt%04d.txt", level, attempt))
}

// ShotPath is the screenshot file for one attempt.
func (s *Session) ShotPath(level, attempt int) string {
	return filepath.Join(s.Dir, "shots", fmt.Sprintf("l%02d_attempt%04d.png", level, attempt))
}

// DOMPath is the page dump taken once at session start.
func (s *Session) DOMPath() string { return filepath.Join(s.Dir, "shots", "start_dom.html") }

// WriteThink stores a reasoning trace. Empty traces are skipped.
func (s *Session) WriteThink(level, attempt int, think string) error {
	if think == "" {
		return nil
	}
	p := s.ThinkPath(level, attempt)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("session: think dir: %w", err)
	}
	return os.WriteFile(p, []byte(think+"\n"), 0o644)
}

// Close writes session_end and closes the transcript. Safe to call once per Session.
func (s *Session) Close(reason string, level, attempts int) {
	s.Transcript.Close(reason, level, attempts)
}
