package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/MEKXH/canary/internal/audit"
	"github.com/MEKXH/canary/internal/state"
)

var (
	// ErrNotReviewer is returned for invocations of any agent other than
	// the reviewer. Nothing is recorded.
	ErrNotReviewer = errors.New("not a reviewer invocation")

	// ErrAmbiguousMatch is returned when no single extension key can be
	// resolved from the structured identifier fields. Nothing is recorded.
	ErrAmbiguousMatch = errors.New("no unambiguous extension key")
)

var reviewDescription = regexp.MustCompile(`^\s*` + regexp.QuoteMeta(ReviewDescriptionPrefix) + `\s*(\S+)\s*$`)

// ReviewerInvocation is a completed reviewer run as reported by the host.
type ReviewerInvocation struct {
	Agent        string // subagent_type of the invocation
	ExtensionKey string // structured key field, when the host passes one
	Description  string // must equal ReviewDescription(key) when used
	Verdict      string // structured verdict field, when present
	Report       string // final report text
}

// Outcome describes what the recorder did.
type Outcome struct {
	Key     string
	Verdict Verdict
	From    state.AuditState
	To      state.AuditState
	Applied bool
}

// Recorder writes reviewer verdicts into the store.
type Recorder struct {
	store        *state.Store
	reviewer     string
	audit        *audit.Writer
	invocationID string
	now          func() time.Time
}

// NewRecorder creates a recorder sharing the gate's options.
func NewRecorder(store *state.Store, opts Options) *Recorder {
	reviewer := strings.TrimSpace(opts.ReviewerAgent)
	if reviewer == "" {
		reviewer = DefaultReviewerAgent
	}
	return &Recorder{
		store:        store,
		reviewer:     reviewer,
		audit:        opts.Audit,
		invocationID: opts.InvocationID,
		now:          time.Now,
	}
}

// AgentPlugin returns the plugin portion of a host agent identifier:
// "plugin:agent" yields "plugin", a bare "plugin" yields itself.
func AgentPlugin(agent string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(agent), ":")
	return strings.ToLower(name)
}

// IsReviewer reports whether agent is exactly the reviewer agent. Other
// agents of the same plugin are not exempt.
func (r *Recorder) IsReviewer(agent string) bool {
	agent = strings.TrimSpace(agent)
	return agent != "" && strings.EqualFold(agent, r.reviewer)
}

// Record applies a completed review. SAFE approves only a pending
// extension and DANGEROUS rejects from any state. UNCERTAIN leaves the
// state as it is.
func (r *Recorder) Record(ctx context.Context, inv ReviewerInvocation) (Outcome, error) {
	if !r.IsReviewer(inv.Agent) {
		return Outcome{}, ErrNotReviewer
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	verdict := ParseVerdict(inv.Report)
	if strings.TrimSpace(inv.Verdict) != "" {
		verdict = ParseVerdictField(inv.Verdict)
	}

	var outcome Outcome
	err := r.store.Update(func(doc *state.Document) error {
		key, err := ResolveReviewedKey(doc, inv)
		if err != nil {
			return err
		}
		rec, _ := doc.Get(key)
		outcome = Outcome{Key: key, Verdict: verdict, From: rec.AuditState, To: rec.AuditState}

		next := transition(rec.AuditState, verdict)
		if next == rec.AuditState {
			return errUnchanged
		}
		now := r.now().UTC()
		rec.AuditState = next
		rec.DecidedAt = &now
		rec.DecidedBy = "reviewer"
		rec.DecisionNote = "verdict " + string(verdict)
		outcome.To = next
		outcome.Applied = true
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		if errors.Is(err, ErrAmbiguousMatch) {
			slog.Info("review not recorded", "agent", inv.Agent, "reason", err)
			return Outcome{}, err
		}
		return outcome, fmt.Errorf("record verdict: %w", err)
	}

	slog.Info("review recorded", "key", outcome.Key, "verdict", verdict, "from", outcome.From, "to", outcome.To)
	if err := r.audit.Append(audit.Event{
		Type:         audit.TypeVerdict,
		InvocationID: r.invocationID,
		Key:          outcome.Key,
		Result:       string(verdict),
		From:         string(outcome.From),
		To:           string(outcome.To),
		Actor:        "reviewer",
	}); err != nil {
		slog.Warn("failed to append audit event", "error", err)
	}
	return outcome, nil
}

func transition(current state.AuditState, verdict Verdict) state.AuditState {
	switch verdict {
	case VerdictSafe:
		// Only a review the gate asked for can approve. An unaudited record
		// was reset by a content change after that review started.
		if current == state.StatePending {
			return state.StateApproved
		}
	case VerdictDangerous:
		return state.StateRejected
	}
	return current
}

// ResolveReviewedKey finds the single stored key named by the
// invocation's structured fields. The key must be tracked verbatim;
// free-text parameters are never searched.
func ResolveReviewedKey(doc *state.Document, inv ReviewerInvocation) (string, error) {
	var candidates []string
	if key := strings.TrimSpace(inv.ExtensionKey); key != "" {
		candidates = append(candidates, key)
	}
	if m := reviewDescription.FindStringSubmatch(inv.Description); m != nil {
		candidates = append(candidates, m[1])
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no structured key field", ErrAmbiguousMatch)
	}
	for _, c := range candidates[1:] {
		if c != candidates[0] {
			return "", fmt.Errorf("%w: conflicting keys %q and %q", ErrAmbiguousMatch, candidates[0], c)
		}
	}

	want := candidates[0]
	if _, ok := doc.Get(want); !ok {
		return "", fmt.Errorf("%w: %q not tracked", ErrAmbiguousMatch, want)
	}
	return want, nil
}
