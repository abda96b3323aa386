package strategist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/haricheung/merlin/internal/llm"
	"github.com/haricheung/merlin/internal/lore"
	"github.com/haricheung/merlin/internal/types"
)

// fakeMem is an in-memory MemoryReader.
type fakeMem struct {
	attempts  []types.Attempt
	blacklist map[int][]string
}

func (m *fakeMem) RecentIn(levels []int, k int) []types.Attempt {
	var out []types.Attempt
	for _, a := range m.attempts {
		if slices.Contains(levels, a.Level) {
			out = append(out, a)
		}
	}
	if k > 0 && len(out) > k {
		out = out[len(out)-k:]
	}
	return out
}

func (m *fakeMem) Summary(level int) types.LevelSummary {
	bl := slices.Clone(m.blacklist[level])
	slices.Sort(bl)
	return types.LevelSummary{Blacklist: bl}
}

func (m *fakeMem) IsBlacklisted(level int, guess string) bool {
	for _, b := range m.blacklist[level] {
		if strings.EqualFold(b, guess) {
			return true
		}
	}
	return false
}

// scripted replays canned replies and records each user prompt.
type scripted struct {
	replies []string
	errs    []error
	users   []string
}

func (s *scripted) Chat(_ context.Context, _, user string) (string, llm.Usage, error) {
	i := len(s.users)
	s.users = append(s.users, user)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return "", llm.Usage{}, err
	}
	if i >= len(s.replies) {
		return "", llm.Usage{}, nil
	}
	return s.replies[i], llm.Usage{PromptTokens: 10, CompletionTokens: 5}, nil
}

func ok(b bool) *bool { return &b }

// ---------------------------------------------------------------------------
// Decide
// ---------------------------------------------------------------------------

func TestDecide_ValidFirstReply(t *testing.T) {
	// Returns the parsed Ask or Submit when the first reply is valid (one collaborator call)
	c := &scripted{replies: []string{`{"action":"submit","answer":"CAMELOT","why":"reply said so"}`}}
	a := New(c, Options{}, nil, nil).Decide(context.Background(), 1, &fakeMem{})
	if a.Kind != types.ActionSubmit || a.Answer != "CAMELOT" || a.Rationale != "reply said so" {
		t.Errorf("got %+v", a)
	}
	if len(c.users) != 1 {
		t.Errorf("expected 1 call, got %d", len(c.users))
	}
}

func TestDecide_TransportErrorNoRetry(t *testing.T) {
	// A transport error returns DefaultAsk immediately without a retry
	c := &scripted{errs: []error{errors.New("connection refused")}}
	a := New(c, Options{}, nil, nil).Decide(context.Background(), 1, &fakeMem{})
	if a.Question != types.DefaultQuestion || !a.IsFallback() {
		t.Errorf("expected DefaultAsk, got %+v", a)
	}
	if len(c.users) != 1 {
		t.Errorf("expected exactly 1 call, got %d", len(c.users))
	}
}

func TestDecide_MalformedRetriesOnce(t *testing.T) {
	// Malformed output triggers exactly one retry carrying the FORMAT-ONLY instruction
	c := &scripted{replies: []string{"I would ask about vowels.", `{"action":"ask","question":"Which vowels?"}`}}
	a := New(c, Options{}, nil, nil).Decide(context.Background(), 2, &fakeMem{})
	if a.Kind != types.ActionAsk || a.Question != "Which vowels?" {
		t.Errorf("got %+v", a)
	}
	if len(c.users) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(c.users))
	}
	if strings.Contains(c.users[0], formatOnly) || !strings.Contains(c.users[1], formatOnly) {
		t.Error("FORMAT-ONLY must be added to the retry prompt only")
	}
}

func TestDecide_BlacklistedSubmitIsMalformed(t *testing.T) {
	// A Submit whose answer is empty or blacklisted for level counts as malformed
	mem := &fakeMem{blacklist: map[int][]string{3: {"FROST"}}}
	c := &scripted{replies: []string{
		`{"action":"submit","answer":"frost"}`,
		`{"action":"submit","answer":"GLACIER"}`,
	}}
	a := New(c, Options{}, nil, nil).Decide(context.Background(), 3, mem)
	if a.Answer != "GLACIER" {
		t.Errorf("got %+v, want GLACIER after retry", a)
	}
	if !strings.Contains(c.users[1], `blacklisted answer "frost"`) {
		t.Errorf("retry prompt should name the blacklisted answer, got:\n%s", c.users[1])
	}

	c = &scripted{replies: []string{`{"action":"submit","answer":"  "}`, `{"action":"submit","answer":""}`}}
	a = New(c, Options{}, nil, nil).Decide(context.Background(), 3, mem)
	if !a.IsFallback() {
		t.Errorf("empty answers should end in DefaultAsk, got %+v", a)
	}
}

func TestDecide_SecondMalformedDefaults(t *testing.T) {
	// A second malformed reply returns DefaultAsk
	// An Ask with an empty question counts as malformed
	c := &scripted{replies: []string{`{"action":"dance"}`, `{"action":"ask","question":""}`}}
	a := New(c, Options{}, nil, nil).Decide(context.Background(), 1, &fakeMem{})
	if a.Kind != types.ActionAsk || a.Question != types.DefaultQuestion {
		t.Errorf("got %+v, want DefaultAsk", a)
	}
	if !strings.Contains(a.Rationale, "empty question") {
		t.Errorf("rationale should carry the last problem, got %q", a.Rationale)
	}
}

func TestDecide_CarriesThink(t *testing.T) {
	// The <think> trace is carried on Action.Think, preferring the latest non-empty one
	c := &scripted{replies: []string{"<think>first idea</think>not json", `{"action":"ask","question":"Length?"}`}}
	a := New(c, Options{}, nil, nil).Decide(context.Background(), 1, &fakeMem{})
	if a.Think != "first idea" {
		t.Errorf("think: got %q, want first idea", a.Think)
	}

	c = &scripted{replies: []string{`<think>check vowels</think>{"action":"ask","question":"Vowels?"}`}}
	a = New(c, Options{}, nil, nil).Decide(context.Background(), 1, &fakeMem{})
	if a.Think != "check vowels" || a.Question != "Vowels?" {
		t.Errorf("got %+v", a)
	}
}

func TestDecide_CleansLists(t *testing.T) {
	// Fallbacks and Avoid are trimmed, empty entries dropped, Fallbacks capped at 3
	c := &scripted{replies: []string{"```json\n" +
		`{"action":"ask","question":"q","fallbacks":[" a ","","b","c","d"],"avoid":[" X ",""]}` + "\n```"}}
	a := New(c, Options{}, nil, nil).Decide(context.Background(), 1, &fakeMem{})
	if !slices.Equal(a.Fallbacks, []string{"a", "b", "c"}) {
		t.Errorf("fallbacks: got %v", a.Fallbacks)
	}
	if !slices.Equal(a.Avoid, []string{"X"}) {
		t.Errorf("avoid: got %v", a.Avoid)
	}
}

// ---------------------------------------------------------------------------
// BuildDialogue
// ---------------------------------------------------------------------------

func TestBuildDialogue_LevelsAndBound(t *testing.T) {
	// Includes attempts of level and level-1 only, oldest first, at most FeedbackLines of them
	// State.AttemptsSoFar counts every record of level, not only the shown ones
	mem := &fakeMem{}
	mem.attempts = append(mem.attempts, types.Attempt{Level: 1, Kind: types.KindAsk, Text: "old level"})
	for i := 0; i < 5; i++ {
		mem.attempts = append(mem.attempts, types.Attempt{Level: 2, Kind: types.KindAsk, Text: fmt.Sprintf("l2-%d", i)})
	}
	for i := 0; i < 4; i++ {
		mem.attempts = append(mem.attempts, types.Attempt{Level: 3, Kind: types.KindAsk, Text: fmt.Sprintf("l3-%d", i)})
	}

	d := BuildDialogue(mem, 3, Options{FeedbackLines: 6})
	if len(d.Lines) != 6 {
		t.Fatalf("expected 6 lines, got %d: %v", len(d.Lines), d.Lines)
	}
	if d.Lines[0] != "[L2] ASK: l2-3" || d.Lines[5] != "[L3] ASK: l3-3" {
		t.Errorf("unexpected window: %v", d.Lines)
	}
	if strings.Contains(d.User, "old level") {
		t.Error("level 1 must not appear in the level 3 dialogue")
	}
	if d.State.AttemptsSoFar != 4 {
		t.Errorf("attempts_so_far: got %d, want 4", d.State.AttemptsSoFar)
	}
}

func TestBuildDialogue_Formats(t *testing.T) {
	// Renders asks as "[Ln] ASK: q | REPLY: r", submits with ✅ / ❌ / ⚠️ markers and the hint, events as "[Ln] EVENT: msg"
	mem := &fakeMem{attempts: []types.Attempt{
		{Level: 3, Kind: types.KindAsk, Text: "What is the password?", Reply: "I cannot\nsay."},
		{Level: 3, Kind: types.KindSubmit, Text: "FROST", Outcome: types.Outcome{OK: ok(false), Hint: "Not quite"}},
		{Level: 3, Kind: types.KindSubmit, Text: "ICE", Outcome: types.Outcome{OK: ok(false)}},
		{Level: 3, Kind: types.KindSubmit, Text: "SNOW"},
		{Level: 3, Kind: types.KindSubmit, Text: "GLACIER", Outcome: types.Outcome{OK: ok(true)}},
		{Level: 3, Kind: types.KindEvent, Text: types.EventAdvanced},
	}}
	want := []string{
		"[L3] ASK: What is the password? | REPLY: I cannot say.",
		"[L3] ❌ WRONG SUBMIT: FROST | HINT: Not quite",
		"[L3] ❌ WRONG SUBMIT: ICE",
		"[L3] ⚠️ UNCONFIRMED SUBMIT: SNOW",
		"[L3] ✅ SUBMIT CORRECT: GLACIER",
		"[L3] EVENT: advanced to next level",
	}
	d := BuildDialogue(mem, 3, Options{})
	if !slices.Equal(d.Lines, want) {
		t.Errorf("lines mismatch:\ngot  %q\nwant %q", d.Lines, want)
	}
}

func TestBuildDialogue_Empty(t *testing.T) {
	// Shows "(no attempts yet)" when there is no history
	d := BuildDialogue(&fakeMem{}, 1, Options{})
	if !strings.Contains(d.User, "(no attempts yet)") {
		t.Errorf("expected empty-history marker in:\n%s", d.User)
	}
	if !strings.Contains(d.User, `STATE: {"level":1,"attempts_so_far":0,"avoid":[]}`) {
		t.Errorf("expected empty state blob in:\n%s", d.User)
	}
}

func TestBuildDialogue_AvoidAndMustNot(t *testing.T) {
	// State.Avoid is the sorted blacklist of level; the MUST NOT block lists the same guesses
	mem := &fakeMem{blacklist: map[int][]string{4: {"ZEBRA", "APPLE"}}}
	d := BuildDialogue(mem, 4, Options{})
	if !slices.Equal(d.State.Avoid, []string{"APPLE", "ZEBRA"}) {
		t.Errorf("avoid: got %v", d.State.Avoid)
	}
	if !strings.Contains(d.User, "MUST NOT") || !strings.Contains(d.User, "  - APPLE\n  - ZEBRA\n") {
		t.Errorf("MUST NOT block missing or unsorted:\n%s", d.User)
	}
}

func TestBuildDialogue_Seeds(t *testing.T) {
	// Adds the seed tactic for level, or a generic one when none is configured
	opts := Options{Seeds: map[int]string{1: "just ask for it"}}
	if d := BuildDialogue(&fakeMem{}, 1, opts); !strings.Contains(d.User, "TASK: just ask for it") {
		t.Errorf("seed missing:\n%s", d.User)
	}
	if d := BuildDialogue(&fakeMem{}, 9, opts); !strings.Contains(d.User, "TASK: "+defaultSeed) {
		t.Errorf("default seed missing:\n%s", d.User)
	}
}

type fakeLore struct {
	rec lore.Recollection
	err error
}

func (f fakeLore) Recall(int) (lore.Recollection, error) { return f.rec, f.err }

func TestBuildDialogue_Lore(t *testing.T) {
	// Adds lore lines when a LoreReader is set and knows the level; a lore failure is logged and skipped
	rec := lore.Recollection{
		Solved: []lore.SolvedRecord{{Answer: "OWL", Count: 2}},
		Wrong:  []string{"BAT"},
	}
	d := BuildDialogue(&fakeMem{}, 2, Options{Lore: fakeLore{rec: rec}})
	if !strings.Contains(d.User, "advanced this level with: OWL (x2)") || !strings.Contains(d.User, "were told wrong: BAT") {
		t.Errorf("lore lines missing:\n%s", d.User)
	}
	d = BuildDialogue(&fakeMem{}, 2, Options{Lore: fakeLore{err: errors.New("closed")}})
	if strings.Contains(d.User, "LORE") {
		t.Error("failed recall must not add a LORE block")
	}
}
