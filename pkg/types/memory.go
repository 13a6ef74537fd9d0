// Package types defines the core data structures for the Mnemo memory layer.
// A Memory is a short durable fact extracted from interaction with the
// writing assistant, scoped to a project and retained per category policy.
package types

import (
	"fmt"
	"time"
)

// Category classifies a memory and controls its default scope and
// default retention policy.
type Category string

// Scope is the visibility boundary of a memory.
type Scope string

// SyncStatus tracks replication of a memory into the best-effort
// vector index. The durable store is always authoritative; SyncStatus
// only describes how far behind the index projection is.
type SyncStatus string

// Source identifies who produced a memory.
type Source string

const (
	// CategoryDecision records creative decisions (plot, character, world).
	CategoryDecision Category = "decision"

	// CategoryStyle records style preferences (tense, voice, tone).
	CategoryStyle Category = "style"

	// CategoryPreference records per-user product preferences.
	CategoryPreference Category = "preference"

	// CategorySession records ephemeral session notes.
	CategorySession Category = "session"
)

const (
	// ScopeProject makes a memory visible to everyone on the project.
	ScopeProject Scope = "project"

	// ScopeUser restricts a memory to its owner.
	ScopeUser Scope = "user"

	// ScopeConversation restricts a memory to one conversation of one owner.
	ScopeConversation Scope = "conversation"
)

const (
	// SyncPending indicates the row exists durably but has not yet been
	// pushed to the vector index.
	SyncPending SyncStatus = "pending"

	// SyncError indicates the last index upsert failed; LastError holds
	// the message. Retriable.
	SyncError SyncStatus = "error"

	// SyncSynced indicates the index holds the current version of the row.
	SyncSynced SyncStatus = "synced"
)

const (
	SourceUser   Source = "user"
	SourceAI     Source = "ai"
	SourceSystem Source = "system"
)

const (
	// MaxContentLength is the maximum allowed memory content length in
	// characters. Memories are short facts, not documents.
	MaxContentLength = 2000

	// RedactedPlaceholder replaces content when a memory is redacted.
	// Original text must never reach storage or the embedding provider.
	RedactedPlaceholder = "[redacted]"
)

// Metadata carries provenance and flags for a memory.
type Metadata struct {
	// Source identifies who produced the memory (user, ai, system).
	Source Source `json:"source,omitempty"`

	// Confidence is the producer's confidence in the fact (0.0 to 1.0).
	Confidence float64 `json:"confidence,omitempty"`

	// RelatedEntityIDs links the memory to story entities (characters,
	// locations) it concerns.
	RelatedEntityIDs []string `json:"related_entity_ids,omitempty"`

	// RelatedDocumentID links the memory to the document it was
	// extracted from.
	RelatedDocumentID string `json:"related_document_id,omitempty"`

	// ToolCallID and ToolCallName record the originating assistant tool
	// call, when the memory was written by one.
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolCallName string `json:"tool_call_name,omitempty"`

	// Pinned exempts the memory from relevance-based pruning.
	Pinned bool `json:"pinned,omitempty"`

	// Redacted marks the memory content as replaced with the
	// placeholder. Irreversible.
	Redacted        bool       `json:"redacted,omitempty"`
	RedactedAt      *time.Time `json:"redacted_at,omitempty"`
	RedactionReason string     `json:"redaction_reason,omitempty"`
}

// Memory is the central entity of the memory layer.
type Memory struct {
	// ID is an opaque identifier. Callers may supply one (e.g. a
	// content hash) for idempotent upsert; otherwise one is generated.
	ID string `json:"id"`

	// ProjectID is the owning project. Every read, write and delete is
	// constrained to a single project.
	ProjectID string `json:"project_id"`

	Category Category `json:"category"`
	Scope    Scope    `json:"scope"`

	// OwnerID is required for any scope other than project.
	OwnerID string `json:"owner_id,omitempty"`

	// ConversationID is required if and only if Scope is conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// Content is bounded free text; replaced with RedactedPlaceholder
	// when redacted.
	Content string `json:"content"`

	Metadata Metadata `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`

	// CreatedAtTs is CreatedAt as unix milliseconds. Stored alongside
	// the timestamp so range filters in the index and the durable store
	// share one numeric field.
	CreatedAtTs int64 `json:"created_at_ts"`

	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Embedding is the vector stored alongside the row. May be nil when
	// the embedding provider is not configured.
	Embedding []float32 `json:"embedding,omitempty"`

	// SyncStatus, SyncedAt and LastError track index replication. They
	// have an independent lifecycle from the row itself.
	SyncStatus SyncStatus `json:"sync_status"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryDecision, CategoryStyle, CategoryPreference, CategorySession:
		return true
	}
	return false
}

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeProject, ScopeUser, ScopeConversation:
		return true
	}
	return false
}

// DefaultScope returns the canonical default scope for a category,
// used when a write does not specify one explicitly.
func DefaultScope(c Category) Scope {
	switch c {
	case CategoryPreference:
		return ScopeUser
	case CategorySession:
		return ScopeConversation
	default:
		return ScopeProject
	}
}

// Validate checks the structural invariants of a memory record.
func (m *Memory) Validate() error {
	if m.ProjectID == "" {
		return fmt.Errorf("memory: project id is required")
	}
	if !ValidCategory(m.Category) {
		return fmt.Errorf("memory: unknown category %q", m.Category)
	}
	if !ValidScope(m.Scope) {
		return fmt.Errorf("memory: unknown scope %q", m.Scope)
	}
	if m.Scope == ScopeConversation && m.ConversationID == "" {
		return fmt.Errorf("memory: conversation scope requires a conversation id")
	}
	if m.Scope != ScopeProject && m.OwnerID == "" {
		return fmt.Errorf("memory: scope %q requires an owner id", m.Scope)
	}
	if m.Content == "" {
		return fmt.Errorf("memory: content is required")
	}
	if len(m.Content) > MaxContentLength {
		return fmt.Errorf("memory: content exceeds %d characters", MaxContentLength)
	}
	return nil
}

// Redact replaces the memory content with the placeholder and stamps
// the redaction metadata. Calling Redact twice is a no-op.
func (m *Memory) Redact(reason string, now time.Time) {
	if m.Metadata.Redacted && m.Content == RedactedPlaceholder {
		return
	}
	m.Content = RedactedPlaceholder
	m.Metadata.Redacted = true
	m.Metadata.RedactionReason = reason
	t := now.UTC()
	m.Metadata.RedactedAt = &t
}
