// Package backend defines the persistence contracts the kernel depends on
// (spec §6.1) and is agnostic to how they are implemented. pkg/backend/memory
// gives an in-process reference implementation; pkg/backend/postgres and
// pkg/backend/rediscache back the same contracts with Postgres and an
// optional Redis read-through cache.
package backend

import (
	"context"

	"github.com/orchestrax/soe/pkg/models"
)

// ContextSnapshot is the wire shape persisted/restored for one execution's
// context store.
type ContextSnapshot struct {
	Fields      map[string][]any
	Operational *models.OperationalState
	Parent      *models.ParentState
}

// ContextBackend persists and restores one execution's context (§6.1).
type ContextBackend interface {
	SaveContext(ctx context.Context, executionID string, snapshot ContextSnapshot) error
	GetContext(ctx context.Context, executionID string) (ContextSnapshot, error)
}

// WorkflowBackend persists and restores one execution's frozen workflow
// registry snapshot and current workflow name (§6.1).
type WorkflowBackend interface {
	SaveWorkflowsRegistry(ctx context.Context, executionID string, registry *models.Registry) error
	GetWorkflowsRegistry(ctx context.Context, executionID string) (*models.Registry, error)
	SaveCurrentWorkflowName(ctx context.Context, executionID string, name string) error
	GetCurrentWorkflowName(ctx context.Context, executionID string) (string, error)
}

// ContextSchemaBackend persists the per-main-execution field schema (§6.1,
// optional).
type ContextSchemaBackend interface {
	GetContextSchema(ctx context.Context, mainExecutionID string) (models.FieldSchema, error)
	SaveContextSchema(ctx context.Context, mainExecutionID string, schema models.FieldSchema) error
}

// IdentityBackend persists the per-main-execution identities map (§6.1,
// optional).
type IdentityBackend interface {
	GetIdentities(ctx context.Context, mainExecutionID string) (models.Identities, error)
	SaveIdentities(ctx context.Context, mainExecutionID string, identities models.Identities) error
}

// ConversationTurn is one message of a shared conversation history.
type ConversationTurn struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// ConversationHistoryBackend persists the shared, main-execution-id-keyed
// conversation used by llm/agent nodes with a truthy identity (§6.1,
// §4.5, §9, optional).
type ConversationHistoryBackend interface {
	GetConversation(ctx context.Context, mainExecutionID string) ([]ConversationTurn, error)
	AppendConversation(ctx context.Context, mainExecutionID string, turns ...ConversationTurn) error
	SaveConversation(ctx context.Context, mainExecutionID string, turns []ConversationTurn) error
	DeleteConversation(ctx context.Context, mainExecutionID string) error
}

// TelemetryBackend receives execution/node lifecycle events (§6.1,
// optional). A no-op implementation is used when telemetry is unconfigured.
type TelemetryBackend interface {
	LogEvent(ctx context.Context, executionID string, eventType string, kv map[string]any)
}

// NoopTelemetryBackend discards every event.
type NoopTelemetryBackend struct{}

// LogEvent implements TelemetryBackend by doing nothing.
func (NoopTelemetryBackend) LogEvent(context.Context, string, string, map[string]any) {}
