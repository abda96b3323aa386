package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/merlin/internal/transcript"
	"github.com/haricheung/merlin/internal/types"
)

func TestNew_FreshDirs(t *testing.T) {
	// Creates a fresh directory per call, even within the same second
	runs := t.TempDir()
	a, err := New(runs, "https://example.test/")
	require.NoError(t, err)
	b, err := New(runs, "https://example.test/")
	require.NoError(t, err)
	defer a.Close("test", 1, 0)
	defer b.Close("test", 1, 0)

	assert.NotEqual(t, a.Dir, b.Dir)
	assert.NotEqual(t, a.ID, b.ID)
	assert.DirExists(t, a.Dir)
	assert.Equal(t, runs, filepath.Dir(a.Dir))
}

func TestNew_OpensMemory(t *testing.T) {
	// Opens Memory in Dir; a memory failure is returned as an error
	s, err := New(t.TempDir(), "u")
	require.NoError(t, err)
	defer s.Close("test", 1, 0)
	require.NoError(t, s.Memory.Append(types.Attempt{Level: 1, Kind: types.KindAsk, Text: "q"}))
	assert.FileExists(t, filepath.Join(s.Dir, "attempts.jsonl"))
	assert.FileExists(t, filepath.Join(s.Dir, transcript.FileName))

	// a regular file where the runs dir should be makes MkdirAll fail
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, err = New(blocker, "u")
	assert.Error(t, err)
}

func TestResume_KeepsMemory(t *testing.T) {
	s, err := New(t.TempDir(), "u")
	require.NoError(t, err)
	require.NoError(t, s.Memory.RecordOutcome(2, false, "❌ WRONG SUBMIT: OWL", []string{"OWL"}))
	s.Close("test", 2, 1)

	r, err := Resume(s.Dir, "u")
	require.NoError(t, err)
	defer r.Close("test", 2, 0)
	assert.True(t, r.Memory.IsBlacklisted(2, "owl"))
	assert.NotEqual(t, s.ID, r.ID)

	_, err = Resume(filepath.Join(s.Dir, "missing"), "u")
	assert.Error(t, err)
}

func TestWriteThink(t *testing.T) {
	s, err := New(t.TempDir(), "u")
	require.NoError(t, err)
	defer s.Close("test", 1, 0)

	require.NoError(t, s.WriteThink(3, 12, "count the vowels"))
	p := s.ThinkPath(3, 12)
	assert.True(t, strings.HasSuffix(p, filepath.Join("think", "l03_attempt0012.txt")))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "count the vowels\n", string(data))

	require.NoError(t, s.WriteThink(3, 13, ""))
	assert.NoFileExists(t, s.ThinkPath(3, 13))
}

func TestTranscriptPath_FallsBackToAttempts(t *testing.T) {
	// the transcript path is the transcript file, or the attempt log when it could not be opened
	dir := t.TempDir()
	// a directory where the transcript should be makes it unopenable
	require.NoError(t, os.Mkdir(filepath.Join(dir, transcript.FileName), 0o755))
	s, err := Resume(dir, "u")
	require.NoError(t, err)
	defer s.Close("test", 1, 0)

	assert.Nil(t, s.Transcript)
	assert.Equal(t, s.Memory.AttemptsPath(), s.TranscriptPath())

	ok, err := New(t.TempDir(), "u")
	require.NoError(t, err)
	defer ok.Close("test", 1, 0)
	assert.Equal(t, filepath.Join(ok.Dir, transcript.FileName), ok.TranscriptPath())
}
