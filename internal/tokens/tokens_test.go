package tokens

import (
	"io"
	"strings"
	"testing"

	"github.com/corey-rosamond/Code-Forge-sub003/internal/logging"
	"github.com/corey-rosamond/Code-Forge-sub003/internal/session"
)

func TestApproxCountIsWordBased(t *testing.T) {
	cases := []struct {
		text   string
		factor float64
		want   int
	}{
		{"", 0, 0},
		{"hello", 0, 1},
		{"one two three four", 0, 5},  // 4 words x 1.3
		{"one two three four", 2, 8},  // explicit factor
		{"   spaced    out   ", 0, 2}, // 2 words x 1.3
	}
	for _, tc := range cases {
		got := Approx{Factor: tc.factor}.Count(tc.text)
		if got != tc.want {
			t.Fatalf("Approx{%v}.Count(%q) = %d, want %d", tc.factor, tc.text, got, tc.want)
		}
	}
}

func TestEstimatorsAreDeterministic(t *testing.T) {
	text := strings.Repeat("some mixed content with words and symbols {} ", 20)
	ests := []Estimator{
		Approx{},
		Model{ratio: 3},
		NewCached(Approx{}),
	}
	for _, est := range ests {
		first := est.Count(text)
		for i := 0; i < 5; i++ {
			if got := est.Count(text); got != first {
				t.Fatalf("estimator %T not deterministic: %d then %d", est, first, got)
			}
		}
	}
}

func TestModelCountBoundedByRunes(t *testing.T) {
	// Short ASCII text: runes/2 dominates bytes/ratio so we do not
	// undercount.
	text := strings.Repeat("a", 40)
	got := Model{ratio: 4}.Count(text)
	if got != 20 {
		t.Fatalf("Model.Count = %d, want 20", got)
	}
}

func TestCountMessagesAddsOverheadAndToolArgs(t *testing.T) {
	est := Model{ratio: 3}
	msgs := []session.Message{
		{Role: session.RoleUser, Content: "hello world"},
	}
	// content: max(11/3, 11/2) = 5, plus framing overhead.
	if got, want := est.CountMessages(msgs), 5+MessageOverhead; got != want {
		t.Fatalf("CountMessages = %d, want %d", got, want)
	}

	withTool := []session.Message{
		{
			Role: session.RoleAssistant,
			ToolCalls: []session.ToolCall{
				{ID: "c1", Name: "read_file", Arguments: []byte(`{"path":"main.go"}`)},
			},
		},
	}
	plain := []session.Message{{Role: session.RoleAssistant}}
	if est.CountMessages(withTool) <= est.CountMessages(plain) {
		t.Fatal("expected tool-call arguments to add cost")
	}
}

func TestForModelFallsBackToApprox(t *testing.T) {
	log := logging.NewLogger(io.Discard)
	if _, ok := ForModel("claude-sonnet-4-5", log).(Model); !ok {
		t.Fatal("expected Model estimator for known model")
	}
	if _, ok := ForModel("totally-unknown-model", log).(Approx); !ok {
		t.Fatal("expected Approx fallback for unknown model")
	}
}

type countingEstimator struct {
	calls int
}

func (c *countingEstimator) Count(text string) int {
	c.calls++
	return len(text)
}

func (c *countingEstimator) CountMessages(msgs []session.Message) int {
	total := 0
	for i := range msgs {
		total += messageCost(c, &msgs[i])
	}
	return total
}

func TestCachedMemoizesCounts(t *testing.T) {
	inner := &countingEstimator{}
	cached := NewCached(inner)

	if got := cached.Count("hello"); got != 5 {
		t.Fatalf("Count = %d, want 5", got)
	}
	callsAfterFirst := inner.calls
	for i := 0; i < 10; i++ {
		if got := cached.Count("hello"); got != 5 {
			t.Fatalf("cached Count = %d, want 5", got)
		}
	}
	if inner.calls != callsAfterFirst {
		t.Fatalf("expected no further inner calls, got %d -> %d", callsAfterFirst, inner.calls)
	}
}

func TestCachedCountMessagesMatchesInner(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleSystem, Content: "you are helpful"},
		{Role: session.RoleUser, Content: "write a function"},
		{Role: session.RoleAssistant, Content: "sure, here it is"},
	}
	inner := Approx{}
	cached := NewCached(inner)
	want := inner.CountMessages(msgs)
	for i := 0; i < 3; i++ {
		if got := cached.CountMessages(msgs); got != want {
			t.Fatalf("cached CountMessages = %d, want %d", got, want)
		}
	}
}
