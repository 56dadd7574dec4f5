// Package memory implements an in-process reference backend satisfying
// every contract in pkg/backend. It is the default backend for tests and
// for embedders that do not need cross-process durability.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/models"
)

// Store is a single in-memory backend implementing every optional and
// required contract. All methods are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	contexts    map[string]backend.ContextSnapshot
	registries  map[string]*models.Registry
	currentWF   map[string]string
	schemas     map[string]models.FieldSchema
	identities  map[string]models.Identities
	conversations map[string][]backend.ConversationTurn
	events      []event
}

type event struct {
	ExecutionID string
	EventType   string
	KV          map[string]any
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		contexts:      make(map[string]backend.ContextSnapshot),
		registries:    make(map[string]*models.Registry),
		currentWF:     make(map[string]string),
		schemas:       make(map[string]models.FieldSchema),
		identities:    make(map[string]models.Identities),
		conversations: make(map[string][]backend.ConversationTurn),
	}
}

var (
	_ backend.ContextBackend             = (*Store)(nil)
	_ backend.WorkflowBackend            = (*Store)(nil)
	_ backend.ContextSchemaBackend       = (*Store)(nil)
	_ backend.IdentityBackend            = (*Store)(nil)
	_ backend.ConversationHistoryBackend = (*Store)(nil)
	_ backend.TelemetryBackend           = (*Store)(nil)
)

// SaveContext stores a full copy of the execution's context snapshot.
func (s *Store) SaveContext(_ context.Context, executionID string, snapshot backend.ContextSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[executionID] = cloneSnapshot(snapshot)
	return nil
}

// GetContext returns the last saved snapshot for the execution.
func (s *Store) GetContext(_ context.Context, executionID string) (backend.ContextSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.contexts[executionID]
	if !ok {
		return backend.ContextSnapshot{}, fmt.Errorf("memory: get context %s: %w", executionID, models.ErrExecutionNotFound)
	}
	return cloneSnapshot(snap), nil
}

func cloneSnapshot(in backend.ContextSnapshot) backend.ContextSnapshot {
	fields := make(map[string][]any, len(in.Fields))
	for k, hist := range in.Fields {
		cp := make([]any, len(hist))
		copy(cp, hist)
		fields[k] = cp
	}
	var op *models.OperationalState
	if in.Operational != nil {
		op = in.Operational.Clone()
	}
	var parent *models.ParentState
	if in.Parent != nil {
		p := *in.Parent
		parent = &p
	}
	return backend.ContextSnapshot{Fields: fields, Operational: op, Parent: parent}
}

// SaveWorkflowsRegistry installs the per-execution registry snapshot,
// called synchronously after every injection-tool mutation so a mid-run
// crash cannot revert it (spec §9).
func (s *Store) SaveWorkflowsRegistry(_ context.Context, executionID string, registry *models.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registries[executionID] = registry
	return nil
}

// GetWorkflowsRegistry returns the registry snapshot for the execution.
func (s *Store) GetWorkflowsRegistry(_ context.Context, executionID string) (*models.Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registries[executionID]
	if !ok {
		return nil, fmt.Errorf("memory: get registry %s: %w", executionID, models.ErrExecutionNotFound)
	}
	return reg, nil
}

// SaveCurrentWorkflowName records the workflow the execution is running.
func (s *Store) SaveCurrentWorkflowName(_ context.Context, executionID string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentWF[executionID] = name
	return nil
}

// GetCurrentWorkflowName returns the execution's current workflow name.
func (s *Store) GetCurrentWorkflowName(_ context.Context, executionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.currentWF[executionID]
	if !ok {
		return "", fmt.Errorf("memory: get current workflow %s: %w", executionID, models.ErrExecutionNotFound)
	}
	return name, nil
}

// GetContextSchema returns the field schema shared by main_execution_id.
func (s *Store) GetContextSchema(_ context.Context, mainExecutionID string) (models.FieldSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[mainExecutionID].Clone(), nil
}

// SaveContextSchema replaces the field schema for main_execution_id.
func (s *Store) SaveContextSchema(_ context.Context, mainExecutionID string, schema models.FieldSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[mainExecutionID] = schema.Clone()
	return nil
}

// GetIdentities returns the identities map shared by main_execution_id.
func (s *Store) GetIdentities(_ context.Context, mainExecutionID string) (models.Identities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identities[mainExecutionID].Clone(), nil
}

// SaveIdentities replaces the identities map for main_execution_id.
func (s *Store) SaveIdentities(_ context.Context, mainExecutionID string, identities models.Identities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[mainExecutionID] = identities.Clone()
	return nil
}

// GetConversation returns the shared conversation history for main_execution_id.
func (s *Store) GetConversation(_ context.Context, mainExecutionID string) ([]backend.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.conversations[mainExecutionID]
	out := make([]backend.ConversationTurn, len(turns))
	copy(out, turns)
	return out, nil
}

// AppendConversation serializes appends per main_execution_id (§5 "Shared
// resources"), since the store-wide mutex guards the whole map.
func (s *Store) AppendConversation(_ context.Context, mainExecutionID string, turns ...backend.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[mainExecutionID] = append(s.conversations[mainExecutionID], turns...)
	return nil
}

// SaveConversation replaces the whole conversation history.
func (s *Store) SaveConversation(_ context.Context, mainExecutionID string, turns []backend.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]backend.ConversationTurn, len(turns))
	copy(cp, turns)
	s.conversations[mainExecutionID] = cp
	return nil
}

// DeleteConversation clears the conversation history for main_execution_id.
func (s *Store) DeleteConversation(_ context.Context, mainExecutionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, mainExecutionID)
	return nil
}

// LogEvent records a telemetry event in an in-memory slice (exposed via
// Events for test assertions).
func (s *Store) LogEvent(_ context.Context, executionID string, eventType string, kv map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{ExecutionID: executionID, EventType: eventType, KV: kv})
}

// Events returns every event logged so far, for test assertions.
func (s *Store) Events() []struct {
	ExecutionID string
	EventType   string
	KV          map[string]any
} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]struct {
		ExecutionID string
		EventType   string
		KV          map[string]any
	}, len(s.events))
	for i, e := range s.events {
		out[i] = struct {
			ExecutionID string
			EventType   string
			KV          map[string]any
		}{e.ExecutionID, e.EventType, e.KV}
	}
	return out
}
