// Package approval implements the human override surface: listing
// tracked extensions and forcing their trust state.
package approval

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MEKXH/canary/internal/audit"
	"github.com/MEKXH/canary/internal/state"
)

// Service orchestrates manual override operations.
type Service struct {
	store *state.Store
	audit *audit.Writer
	now   func() time.Time
}

// NewService creates a service over store. Overrides are appended to
// auditLog when it is non-nil.
func NewService(store *state.Store, auditLog *audit.Writer) *Service {
	return &Service{
		store: store,
		audit: auditLog,
		now:   time.Now,
	}
}

// List returns every tracked extension sorted by key.
func (s *Service) List() ([]state.Record, error) {
	doc, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return doc.Records(), nil
}

// Status returns the records matching query: the exact key, or every key
// whose name portion equals query. Matching ignores case.
func (s *Service) Status(query string) ([]state.Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("key is required")
	}

	records, err := s.List()
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.Key == query {
			return []state.Record{rec}, nil
		}
	}

	result := make([]state.Record, 0, 1)
	for _, rec := range records {
		name, _ := state.SplitKey(rec.Key)
		if strings.EqualFold(rec.Key, query) || strings.EqualFold(name, query) {
			result = append(result, rec)
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, query)
	}
	return result, nil
}

// Approve marks an extension approved without a review.
func (s *Service) Approve(key string, decision DecisionInput) (Override, error) {
	return s.decide(key, state.StateApproved, decision, "approved manually")
}

// Reject marks an extension rejected.
func (s *Service) Reject(key string, decision DecisionInput) (Override, error) {
	return s.decide(key, state.StateRejected, decision, "rejected manually")
}

// Revoke returns an extension to unaudited and clears its decision, so
// the next invocation requires a fresh review.
func (s *Service) Revoke(key string, decision DecisionInput) (Override, error) {
	return s.decide(key, state.StateUnaudited, decision, "revoked")
}

func (s *Service) decide(key string, to state.AuditState, decision DecisionInput, defaultNote string) (Override, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Override{}, fmt.Errorf("key is required")
	}

	decidedBy := strings.TrimSpace(decision.DecidedBy)
	if decidedBy == "" {
		decidedBy = "unknown"
	}
	note := strings.TrimSpace(decision.Note)
	if note == "" {
		note = defaultNote
	}

	var result Override
	err := s.store.Update(func(doc *state.Document) error {
		rec, ok := doc.Get(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		result.From = rec.AuditState
		rec.AuditState = to
		if to == state.StateUnaudited {
			rec.ClearDecision()
		} else {
			now := s.now().UTC()
			rec.DecidedAt = &now
			rec.DecidedBy = decidedBy
			rec.DecisionNote = note
		}
		result.Record = rec.Clone()
		return nil
	})
	if err != nil {
		return Override{}, err
	}

	slog.Info("manual override", "key", key, "from", result.From, "to", to, "by", decidedBy)
	if err := s.audit.Append(audit.Event{
		Type:   audit.TypeOverride,
		Key:    key,
		Result: string(to),
		From:   string(result.From),
		To:     string(to),
		Actor:  decidedBy,
		Detail: note,
	}); err != nil {
		slog.Warn("failed to append audit event", "error", err)
	}
	return result, nil
}
