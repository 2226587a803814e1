package state

import (
	"strings"
	"time"
)

// AuditState is the trust lifecycle state of an extension.
type AuditState string

const (
	StateUnaudited AuditState = "unaudited"
	StatePending   AuditState = "pending"
	StateApproved  AuditState = "approved"
	StateRejected  AuditState = "rejected"
)

// Valid reports whether s is one of the known audit states.
func (s AuditState) Valid() bool {
	switch s {
	case StateUnaudited, StatePending, StateApproved, StateRejected:
		return true
	default:
		return false
	}
}

// Record is the persisted trust record of one installed extension.
type Record struct {
	Key          string     `json:"-" yaml:"key"`
	InstallPath  string     `json:"install_path" yaml:"install_path"`
	Files        []string   `json:"files" yaml:"files"`
	Digest       string     `json:"digest" yaml:"digest"`
	AuditState   AuditState `json:"audit_state" yaml:"audit_state"`
	DiscoveredAt time.Time  `json:"discovered_at" yaml:"discovered_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty" yaml:"decided_at,omitempty"`
	DecidedBy    string     `json:"decided_by,omitempty" yaml:"decided_by,omitempty"`
	DecisionNote string     `json:"decision_note,omitempty" yaml:"decision_note,omitempty"`
}

// ClearDecision drops decision metadata, used whenever trust is reset.
func (r *Record) ClearDecision() {
	r.DecidedAt = nil
	r.DecidedBy = ""
	r.DecisionNote = ""
}

// Document is the single durable state document.
type Document struct {
	Version    int                `json:"version"`
	Extensions map[string]*Record `json:"extensions"`
}

// NewDocument returns an empty document at the current version.
func NewDocument() *Document {
	return &Document{
		Version:    documentVersion,
		Extensions: map[string]*Record{},
	}
}

// Get returns the record for key with its Key field populated.
func (d *Document) Get(key string) (*Record, bool) {
	rec, ok := d.Extensions[key]
	if !ok || rec == nil {
		return nil, false
	}
	rec.Key = key
	return rec, true
}

// Put stores rec under rec.Key.
func (d *Document) Put(rec *Record) {
	if d.Extensions == nil {
		d.Extensions = map[string]*Record{}
	}
	d.Extensions[rec.Key] = rec
}

// SplitKey splits an extension key "name@source" into its parts.
// A key without "@" has an empty source.
func SplitKey(key string) (name, source string) {
	name, source, _ = strings.Cut(key, "@")
	return name, source
}
