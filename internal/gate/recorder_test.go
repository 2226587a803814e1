package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MEKXH/canary/internal/audit"
	"github.com/MEKXH/canary/internal/state"
)

func newTestRecorder(store *state.Store) *Recorder {
	r := NewRecorder(store, Options{})
	r.now = func() time.Time { return fixedNow }
	return r
}

func reviewOf(key, report string) ReviewerInvocation {
	return ReviewerInvocation{
		Agent:       DefaultReviewerAgent,
		Description: ReviewDescription(key),
		Report:      report,
	}
}

func TestRecorder_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		initial state.AuditState
		report  string
		want    state.AuditState
		applied bool
	}{
		{"safe approves pending", state.StatePending, "findings...\nVERDICT: SAFE", state.StateApproved, true},
		{"safe does not approve unaudited", state.StateUnaudited, "VERDICT: SAFE", state.StateUnaudited, false},
		{"dangerous rejects pending", state.StatePending, "VERDICT: DANGEROUS", state.StateRejected, true},
		{"dangerous rejects approved", state.StateApproved, "VERDICT: DANGEROUS", state.StateRejected, true},
		{"uncertain keeps pending", state.StatePending, "VERDICT: UNCERTAIN", state.StatePending, false},
		{"missing verdict keeps pending", state.StatePending, "looks fine to me", state.StatePending, false},
		{"safe does not lift rejection", state.StateRejected, "VERDICT: SAFE", state.StateRejected, false},
		{"conflicting lines keep pending", state.StatePending, "VERDICT: SAFE\nVERDICT: DANGEROUS", state.StatePending, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, &state.Record{Key: "alpha@market", AuditState: tt.initial})

			out, err := newTestRecorder(store).Record(context.Background(), reviewOf("alpha@market", tt.report))
			if err != nil {
				t.Fatalf("Record error: %v", err)
			}
			if out.Applied != tt.applied {
				t.Fatalf("expected applied=%v, got %+v", tt.applied, out)
			}
			if got := mustState(t, store, "alpha@market"); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRecorder_StampsDecision(t *testing.T) {
	store := newTestStore(t, &state.Record{Key: "alpha@market", AuditState: state.StatePending})

	if _, err := newTestRecorder(store).Record(context.Background(), reviewOf("alpha@market", "VERDICT: SAFE")); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	rec, _ := doc.Get("alpha@market")
	if rec.DecidedAt == nil || !rec.DecidedAt.Equal(fixedNow) {
		t.Fatalf("expected decided_at %v, got %v", fixedNow, rec.DecidedAt)
	}
	if rec.DecidedBy != "reviewer" || rec.DecisionNote != "verdict SAFE" {
		t.Fatalf("unexpected decision metadata: %+v", rec)
	}
}

func TestRecorder_StructuredVerdictWins(t *testing.T) {
	store := newTestStore(t, &state.Record{Key: "alpha@market", AuditState: state.StatePending})
	inv := reviewOf("alpha@market", "VERDICT: SAFE")
	inv.Verdict = "dangerous"

	out, err := newTestRecorder(store).Record(context.Background(), inv)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if out.Verdict != VerdictDangerous || out.To != state.StateRejected {
		t.Fatalf("expected structured verdict to reject, got %+v", out)
	}
}

func TestRecorder_FreeTextMentionsAreIgnored(t *testing.T) {
	store := newTestStore(t,
		&state.Record{Key: "alpha@market", AuditState: state.StatePending},
		&state.Record{Key: "beta@market", AuditState: state.StatePending},
	)
	inv := ReviewerInvocation{
		Agent:       DefaultReviewerAgent,
		Description: "review alpha@market and beta@market",
		Report:      "alpha@market is fine\nVERDICT: SAFE",
	}

	_, err := newTestRecorder(store).Record(context.Background(), inv)
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}
	for _, key := range []string{"alpha@market", "beta@market"} {
		if got := mustState(t, store, key); got != state.StatePending {
			t.Fatalf("%s: expected pending, got %q", key, got)
		}
	}
}

func TestRecorder_OnlyNamedKeyChanges(t *testing.T) {
	store := newTestStore(t,
		&state.Record{Key: "alpha@market", AuditState: state.StatePending},
		&state.Record{Key: "beta@market", AuditState: state.StatePending},
	)
	inv := reviewOf("alpha@market", "beta@market was mentioned here too\nVERDICT: SAFE")

	if _, err := newTestRecorder(store).Record(context.Background(), inv); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if got := mustState(t, store, "alpha@market"); got != state.StateApproved {
		t.Fatalf("expected alpha approved, got %q", got)
	}
	if got := mustState(t, store, "beta@market"); got != state.StatePending {
		t.Fatalf("expected beta untouched, got %q", got)
	}
}

func TestRecorder_ConflictingKeyFields(t *testing.T) {
	store := newTestStore(t,
		&state.Record{Key: "alpha@market", AuditState: state.StatePending},
		&state.Record{Key: "beta@market", AuditState: state.StatePending},
	)
	inv := reviewOf("alpha@market", "VERDICT: SAFE")
	inv.ExtensionKey = "beta@market"

	if _, err := newTestRecorder(store).Record(context.Background(), inv); !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}
	if got := mustState(t, store, "alpha@market"); got != state.StatePending {
		t.Fatalf("expected alpha untouched, got %q", got)
	}
}

func TestRecorder_UntrackedKeyIsNoOp(t *testing.T) {
	store := newTestStore(t, &state.Record{Key: "alpha@market", AuditState: state.StatePending})
	inv := ReviewerInvocation{Agent: DefaultReviewerAgent, ExtensionKey: "ghost@market", Report: "VERDICT: SAFE"}

	if _, err := newTestRecorder(store).Record(context.Background(), inv); !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if _, ok := doc.Get("ghost@market"); ok {
		t.Fatal("untracked key must not be created by a review")
	}
}

func TestRecorder_KeyMustMatchVerbatim(t *testing.T) {
	store := newTestStore(t, &state.Record{Key: "Alpha@Market", AuditState: state.StatePending})
	inv := ReviewerInvocation{Agent: "Canary:canary", ExtensionKey: "alpha@market", Report: "VERDICT: SAFE"}

	if _, err := newTestRecorder(store).Record(context.Background(), inv); !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("expected ErrAmbiguousMatch, got %v", err)
	}
	if got := mustState(t, store, "Alpha@Market"); got != state.StatePending {
		t.Fatalf("expected pending, got %q", got)
	}
}

func TestRecorder_IgnoresOtherAgents(t *testing.T) {
	for _, agent := range []string{"alpha:helper", "canary:helper", "canary", "canary:canary-extra"} {
		t.Run(agent, func(t *testing.T) {
			store := newTestStore(t, &state.Record{Key: "alpha@market", AuditState: state.StatePending})
			inv := reviewOf("alpha@market", "VERDICT: SAFE")
			inv.Agent = agent

			if _, err := newTestRecorder(store).Record(context.Background(), inv); !errors.Is(err, ErrNotReviewer) {
				t.Fatalf("expected ErrNotReviewer, got %v", err)
			}
			if got := mustState(t, store, "alpha@market"); got != state.StatePending {
				t.Fatalf("expected pending, got %q", got)
			}
		})
	}
}

func TestRecorder_IsReviewerExact(t *testing.T) {
	r := NewRecorder(nil, Options{})
	tests := map[string]bool{
		DefaultReviewerAgent: true,
		"Canary:Canary":      true,
		" canary:canary ":    true,
		"canary:helper":      false,
		"canary":             false,
		"":                   false,
	}
	for agent, want := range tests {
		if got := r.IsReviewer(agent); got != want {
			t.Fatalf("IsReviewer(%q) = %v, want %v", agent, got, want)
		}
	}
}

func TestRecorder_WritesAuditEvent(t *testing.T) {
	store := newTestStore(t, &state.Record{Key: "alpha@market", AuditState: state.StatePending})
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	r := NewRecorder(store, Options{Audit: audit.NewWriter(auditPath), InvocationID: "inv-1"})

	if _, err := r.Record(context.Background(), reviewOf("alpha@market", "VERDICT: DANGEROUS")); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	file, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatal("expected one audit line")
	}
	var ev audit.Event
	if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if ev.Type != audit.TypeVerdict || ev.Key != "alpha@market" || ev.Result != "DANGEROUS" || ev.InvocationID != "inv-1" {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
	if ev.From != "pending" || ev.To != "rejected" {
		t.Fatalf("unexpected transition in audit: %+v", ev)
	}
}

func TestGateAndRecorder_ReviewCycle(t *testing.T) {
	store := newTestStore(t, &state.Record{
		Key:        "alpha@market",
		Files:      []string{"/p/alpha/a.md"},
		AuditState: state.StateUnaudited,
	})
	g := newTestGate(store)
	r := newTestRecorder(store)
	ctx := context.Background()

	if res := g.Check(ctx, "alpha@market"); !res.Blocked() {
		t.Fatal("expected first call to block")
	}
	if _, err := r.Record(ctx, reviewOf("alpha@market", "VERDICT: SAFE")); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if res := g.Check(ctx, "alpha@market"); res.Blocked() {
		t.Fatalf("expected allow after approval, got %+v", res)
	}
}

func TestAgentPlugin(t *testing.T) {
	tests := map[string]string{
		"canary:canary": "canary",
		"Canary":        "canary",
		" alpha:x ":     "alpha",
		"":              "",
	}
	for in, want := range tests {
		if got := AgentPlugin(in); got != want {
			t.Fatalf("AgentPlugin(%q) = %q, want %q", in, got, want)
		}
	}
}
