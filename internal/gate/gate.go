// Package gate decides whether an extension capability may run and
// records reviewer verdicts.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MEKXH/canary/internal/audit"
	"github.com/MEKXH/canary/internal/policy"
	"github.com/MEKXH/canary/internal/state"
)

// Action is the gate's answer for one invocation.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// DefaultReviewerAgent is the host agent that performs reviews.
const DefaultReviewerAgent = "canary:canary"

// errUnchanged aborts a store update that has nothing to write.
var errUnchanged = errors.New("state unchanged")

// Decision is the outcome for a single extension key.
type Decision struct {
	Key      string
	Action   Action
	From     state.AuditState
	To       state.AuditState
	Reason   string
	Files    []string
	Terminal bool
}

// Result combines the decisions for every key named by one invocation.
type Result struct {
	Action     Action
	Decisions  []Decision
	Directive  string
	PersistErr error
}

// Blocked reports whether the invocation must not run.
func (r Result) Blocked() bool {
	return r.Action == ActionBlock
}

// Options configures a Gate.
type Options struct {
	Skip          policy.SkipSet
	ReviewerAgent string
	Audit         *audit.Writer
	InvocationID  string
}

// Gate is the pre-invocation policy decision point.
type Gate struct {
	store        *state.Store
	skip         policy.SkipSet
	reviewer     string
	audit        *audit.Writer
	invocationID string
	now          func() time.Time
}

// New creates a gate over store.
func New(store *state.Store, opts Options) *Gate {
	reviewer := strings.TrimSpace(opts.ReviewerAgent)
	if reviewer == "" {
		reviewer = DefaultReviewerAgent
	}
	return &Gate{
		store:        store,
		skip:         opts.Skip,
		reviewer:     reviewer,
		audit:        opts.Audit,
		invocationID: opts.InvocationID,
		now:          time.Now,
	}
}

// Check decides a single key.
func (g *Gate) Check(ctx context.Context, key string) Result {
	return g.CheckAll(ctx, []string{key})
}

// CheckAll decides every key in one store transaction. The invocation is
// blocked if any key blocks. Unaudited keys are marked pending before
// the block is returned; a failed write never turns a block into an
// allow.
func (g *Gate) CheckAll(ctx context.Context, keys []string) Result {
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		return Result{Action: ActionAllow}
	}

	var decisions []Decision
	evaluate := func(doc *state.Document) []Decision {
		now := g.now().UTC()
		out := make([]Decision, 0, len(keys))
		for _, key := range keys {
			out = append(out, g.evaluate(doc, key, now))
		}
		return out
	}

	var persistErr error
	if err := ctx.Err(); err != nil {
		// No write on a cancelled run; decide against a read-only view.
		doc, loadErr := g.store.Load()
		if loadErr != nil {
			slog.Warn("state unreadable, treating as empty", "error", loadErr)
		}
		decisions = evaluate(doc)
		persistErr = err
	} else {
		err := g.store.Update(func(doc *state.Document) error {
			decisions = evaluate(doc)
			for _, d := range decisions {
				if d.From != d.To {
					return nil
				}
			}
			return errUnchanged
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			persistErr = err
		}
	}

	if decisions == nil {
		// The store callback never ran; fail closed for every key.
		for _, key := range keys {
			decisions = append(decisions, Decision{
				Key:    key,
				Action: ActionBlock,
				From:   state.StateUnaudited,
				To:     state.StatePending,
				Reason: "state unavailable",
			})
		}
	}

	result := Result{Action: ActionAllow, Decisions: decisions, PersistErr: persistErr}
	for _, d := range decisions {
		if d.Action == ActionBlock {
			result.Action = ActionBlock
		}
	}
	if persistErr != nil {
		slog.Error("failed to persist gate transition; review may repeat", "keys", keys, "error", persistErr)
	}
	if result.Blocked() {
		result.Directive = BuildDirective(g.reviewer, decisions)
	}
	g.record(result)
	return result
}

func (g *Gate) evaluate(doc *state.Document, key string, now time.Time) Decision {
	if g.skip.Matches(key) {
		return Decision{Key: key, Action: ActionAllow, Reason: "skip list"}
	}

	rec, ok := doc.Get(key)
	if !ok {
		// Unknown is never implicitly trusted.
		rec = &state.Record{
			Key:          key,
			Files:        []string{},
			AuditState:   state.StateUnaudited,
			DiscoveredAt: now,
		}
		doc.Put(rec)
	}

	d := Decision{Key: key, From: rec.AuditState, To: rec.AuditState, Files: append([]string{}, rec.Files...)}
	switch rec.AuditState {
	case state.StateApproved:
		d.Action = ActionAllow
		d.Reason = "approved"
	case state.StatePending:
		d.Action = ActionAllow
		d.Reason = "retry after review directive"
	case state.StateRejected:
		d.Action = ActionBlock
		d.Terminal = true
		d.Reason = "rejected"
	default:
		rec.AuditState = state.StatePending
		d.To = state.StatePending
		d.Action = ActionBlock
		d.Reason = "review required"
		if !ok {
			d.Reason = "unknown extension, review required"
		}
	}
	return d
}

func (g *Gate) record(result Result) {
	for _, d := range result.Decisions {
		slog.Info("gate decision", "key", d.Key, "action", d.Action, "from", d.From, "to", d.To, "reason", d.Reason)
		ev := audit.Event{
			Type:         audit.TypeGate,
			InvocationID: g.invocationID,
			Key:          d.Key,
			Result:       string(d.Action),
			From:         string(d.From),
			To:           string(d.To),
			Detail:       d.Reason,
		}
		if result.PersistErr != nil {
			ev.Detail += "; persist failed: " + result.PersistErr.Error()
		}
		if err := g.audit.Append(ev); err != nil {
			slog.Warn("failed to append audit event", "error", err)
		}
	}
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
