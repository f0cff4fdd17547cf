// Package conversations implements session persistence: a JSON-file-backed
// store for the vm.Message history and runtime metadata of a single
// turn-loop session, adapted from the teacher's JSONConversationStore
// (minus its bbolt/sqlite backends and migration machinery, which this
// module's single-backend persistence model has no use for).
package conversations

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jingkaihe/kodelet-memcore/pkg/runtime"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
)

// Record is a persisted session: its resident message buffer, page state,
// runtime knobs, usage, and enough metadata to list and search it without
// loading the full buffer.
type Record struct {
	ID              string            `json:"id"`
	Messages        []vm.Message      `json:"messages"`
	PageState       vm.PageState      `json:"pageState"`
	Usage           runtime.Usage     `json:"usage"`
	Summary         string            `json:"summary,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	FirstUserPrompt string            `json:"firstUserPrompt"`
}

// Summary is a brief, cheaply-queryable overview of a Record.
type Summary struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"messageCount"`
	FirstMessage string    `json:"firstMessage"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// New creates a Record with a fresh or caller-provided ID.
func New(id string) Record {
	now := time.Now()
	if id == "" {
		id = GenerateID()
	}
	return Record{
		ID:        id,
		Messages:  []vm.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
}

// ToSummary projects a Record down to its listing Summary.
func (r *Record) ToSummary() Summary {
	first := r.FirstUserPrompt
	if len(first) > 100 {
		first = first[:97] + "..."
	}
	return Summary{
		ID:           r.ID,
		MessageCount: len(r.Messages),
		FirstMessage: first,
		Summary:      r.Summary,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// GenerateID creates a unique, lexically-sortable-by-creation-time session
// identifier: a UTC timestamp prefix plus a random UUID suffix.
func GenerateID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	return ts + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
