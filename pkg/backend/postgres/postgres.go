// Package postgres backs every pkg/backend contract with Postgres via
// uptrace/bun, grounded on the teacher's repository construction pattern
// (sql.OpenDB(pgdriver...) + bun.NewDB(..., pgdialect.New())).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/orchestrax/soe/internal/config"
	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/models"
)

// Backend implements every pkg/backend interface against a single Postgres
// database, one table per concern.
type Backend struct {
	db *bun.DB
}

// Open connects to Postgres and returns a ready Backend. Callers are
// responsible for running EnsureSchema once per deployment (or wiring a
// bun/migrate migration set, as the teacher does in internal/infrastructure/storage).
func Open(cfg config.DatabaseConfig) (*Backend, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.URL)))
	sqldb.SetMaxOpenConns(cfg.MaxConnections)
	sqldb.SetMaxIdleConns(cfg.MinConnections)
	sqldb.SetConnMaxIdleTime(cfg.MaxIdleTime)
	sqldb.SetConnMaxLifetime(cfg.MaxConnLifetime)

	db := bun.NewDB(sqldb, pgdialect.New(), bun.WithDiscardUnknownColumns())
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Backend{db: db}, nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// EnsureSchema creates every table used by the backend if it does not
// already exist. Intended for local development and tests; production
// deployments should use a versioned migration tool as the teacher does.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	models := []any{
		(*contextRow)(nil),
		(*registryRow)(nil),
		(*schemaRow)(nil),
		(*identityRow)(nil),
		(*conversationRow)(nil),
		(*telemetryRow)(nil),
	}
	for _, m := range models {
		if _, err := b.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

type contextRow struct {
	bun.BaseModel `bun:"table:soe_contexts"`

	ExecutionID string          `bun:",pk"`
	Fields      json.RawMessage `bun:"fields,type:jsonb"`
	Operational json.RawMessage `bun:"operational,type:jsonb"`
	Parent      json.RawMessage `bun:"parent,type:jsonb,nullzero"`
}

type registryRow struct {
	bun.BaseModel `bun:"table:soe_workflow_registries"`

	ExecutionID        string          `bun:",pk"`
	Registry           json.RawMessage `bun:"registry,type:jsonb"`
	CurrentWorkflow    string          `bun:"current_workflow"`
}

type schemaRow struct {
	bun.BaseModel `bun:"table:soe_context_schemas"`

	MainExecutionID string          `bun:",pk"`
	Schema          json.RawMessage `bun:"schema,type:jsonb"`
}

type identityRow struct {
	bun.BaseModel `bun:"table:soe_identities"`

	MainExecutionID string          `bun:",pk"`
	Identities      json.RawMessage `bun:"identities,type:jsonb"`
}

type conversationRow struct {
	bun.BaseModel `bun:"table:soe_conversations"`

	MainExecutionID string          `bun:",pk"`
	Turns           json.RawMessage `bun:"turns,type:jsonb"`
}

type telemetryRow struct {
	bun.BaseModel `bun:"table:soe_telemetry_events"`

	ID          int64           `bun:",pk,autoincrement"`
	ExecutionID string          `bun:"execution_id"`
	EventType   string          `bun:"event_type"`
	Payload     json.RawMessage `bun:"payload,type:jsonb"`
}

var (
	_ backend.ContextBackend             = (*Backend)(nil)
	_ backend.WorkflowBackend            = (*Backend)(nil)
	_ backend.ContextSchemaBackend       = (*Backend)(nil)
	_ backend.IdentityBackend            = (*Backend)(nil)
	_ backend.ConversationHistoryBackend = (*Backend)(nil)
	_ backend.TelemetryBackend           = (*Backend)(nil)
)

// wireRegistry is the JSON-serialisable shape of models.Registry, since the
// struct itself carries an unexported index.
type wireRegistry struct {
	Workflows map[string][]*models.Node `json:"workflows"`
}

// SaveContext upserts the execution's full context snapshot.
func (b *Backend) SaveContext(ctx context.Context, executionID string, snapshot backend.ContextSnapshot) error {
	fieldsJSON, err := json.Marshal(snapshot.Fields)
	if err != nil {
		return fmt.Errorf("postgres: marshal fields: %w", err)
	}
	opJSON, err := json.Marshal(snapshot.Operational)
	if err != nil {
		return fmt.Errorf("postgres: marshal operational: %w", err)
	}
	var parentJSON json.RawMessage
	if snapshot.Parent != nil {
		parentJSON, err = json.Marshal(snapshot.Parent)
		if err != nil {
			return fmt.Errorf("postgres: marshal parent: %w", err)
		}
	}

	row := &contextRow{ExecutionID: executionID, Fields: fieldsJSON, Operational: opJSON, Parent: parentJSON}
	_, err = b.db.NewInsert().Model(row).
		On("CONFLICT (execution_id) DO UPDATE").
		Set("fields = EXCLUDED.fields").
		Set("operational = EXCLUDED.operational").
		Set("parent = EXCLUDED.parent").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save context %s: %w", executionID, err)
	}
	return nil
}

// GetContext loads the execution's last saved context snapshot.
func (b *Backend) GetContext(ctx context.Context, executionID string) (backend.ContextSnapshot, error) {
	row := new(contextRow)
	err := b.db.NewSelect().Model(row).Where("execution_id = ?", executionID).Scan(ctx)
	if err != nil {
		return backend.ContextSnapshot{}, fmt.Errorf("postgres: get context %s: %w", executionID, models.ErrExecutionNotFound)
	}

	var fields map[string][]any
	if err := json.Unmarshal(row.Fields, &fields); err != nil {
		return backend.ContextSnapshot{}, fmt.Errorf("postgres: unmarshal fields: %w", err)
	}
	var op models.OperationalState
	if err := json.Unmarshal(row.Operational, &op); err != nil {
		return backend.ContextSnapshot{}, fmt.Errorf("postgres: unmarshal operational: %w", err)
	}
	var parent *models.ParentState
	if len(row.Parent) > 0 {
		parent = &models.ParentState{}
		if err := json.Unmarshal(row.Parent, parent); err != nil {
			return backend.ContextSnapshot{}, fmt.Errorf("postgres: unmarshal parent: %w", err)
		}
	}
	return backend.ContextSnapshot{Fields: fields, Operational: &op, Parent: parent}, nil
}

// SaveWorkflowsRegistry upserts the execution's registry snapshot.
func (b *Backend) SaveWorkflowsRegistry(ctx context.Context, executionID string, registry *models.Registry) error {
	wire := wireRegistry{Workflows: make(map[string][]*models.Node, len(registry.Workflows))}
	for name, wf := range registry.Workflows {
		wire.Workflows[name] = wf.Nodes
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("postgres: marshal registry: %w", err)
	}

	row := &registryRow{ExecutionID: executionID, Registry: data}
	_, err = b.db.NewInsert().Model(row).
		On("CONFLICT (execution_id) DO UPDATE").
		Set("registry = EXCLUDED.registry").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save registry %s: %w", executionID, err)
	}
	return nil
}

// GetWorkflowsRegistry loads the execution's registry snapshot.
func (b *Backend) GetWorkflowsRegistry(ctx context.Context, executionID string) (*models.Registry, error) {
	row := new(registryRow)
	err := b.db.NewSelect().Model(row).Where("execution_id = ?", executionID).Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: get registry %s: %w", executionID, models.ErrExecutionNotFound)
	}
	var wire wireRegistry
	if err := json.Unmarshal(row.Registry, &wire); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal registry: %w", err)
	}
	reg := models.NewRegistry()
	for name, nodes := range wire.Workflows {
		reg.Put(models.NewWorkflow(name, nodes))
	}
	return reg, nil
}

// SaveCurrentWorkflowName records the workflow the execution is running.
func (b *Backend) SaveCurrentWorkflowName(ctx context.Context, executionID string, name string) error {
	_, err := b.db.NewUpdate().Model((*registryRow)(nil)).
		Set("current_workflow = ?", name).
		Where("execution_id = ?", executionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save current workflow %s: %w", executionID, err)
	}
	return nil
}

// GetCurrentWorkflowName returns the execution's current workflow name.
func (b *Backend) GetCurrentWorkflowName(ctx context.Context, executionID string) (string, error) {
	row := new(registryRow)
	err := b.db.NewSelect().Model(row).Column("current_workflow").Where("execution_id = ?", executionID).Scan(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: get current workflow %s: %w", executionID, models.ErrExecutionNotFound)
	}
	return row.CurrentWorkflow, nil
}

// GetContextSchema loads the shared field schema for a main execution.
func (b *Backend) GetContextSchema(ctx context.Context, mainExecutionID string) (models.FieldSchema, error) {
	row := new(schemaRow)
	err := b.db.NewSelect().Model(row).Where("main_execution_id = ?", mainExecutionID).Scan(ctx)
	if err != nil {
		return models.FieldSchema{}, nil
	}
	var schema models.FieldSchema
	if err := json.Unmarshal(row.Schema, &schema); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal schema: %w", err)
	}
	return schema, nil
}

// SaveContextSchema replaces the shared field schema for a main execution.
func (b *Backend) SaveContextSchema(ctx context.Context, mainExecutionID string, schema models.FieldSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("postgres: marshal schema: %w", err)
	}
	row := &schemaRow{MainExecutionID: mainExecutionID, Schema: data}
	_, err = b.db.NewInsert().Model(row).
		On("CONFLICT (main_execution_id) DO UPDATE").
		Set("schema = EXCLUDED.schema").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save schema %s: %w", mainExecutionID, err)
	}
	return nil
}

// GetIdentities loads the shared identities map for a main execution.
func (b *Backend) GetIdentities(ctx context.Context, mainExecutionID string) (models.Identities, error) {
	row := new(identityRow)
	err := b.db.NewSelect().Model(row).Where("main_execution_id = ?", mainExecutionID).Scan(ctx)
	if err != nil {
		return models.Identities{}, nil
	}
	var identities models.Identities
	if err := json.Unmarshal(row.Identities, &identities); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal identities: %w", err)
	}
	return identities, nil
}

// SaveIdentities replaces the shared identities map for a main execution.
func (b *Backend) SaveIdentities(ctx context.Context, mainExecutionID string, identities models.Identities) error {
	data, err := json.Marshal(identities)
	if err != nil {
		return fmt.Errorf("postgres: marshal identities: %w", err)
	}
	row := &identityRow{MainExecutionID: mainExecutionID, Identities: data}
	_, err = b.db.NewInsert().Model(row).
		On("CONFLICT (main_execution_id) DO UPDATE").
		Set("identities = EXCLUDED.identities").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save identities %s: %w", mainExecutionID, err)
	}
	return nil
}

// GetConversation loads the shared conversation history for a main execution.
func (b *Backend) GetConversation(ctx context.Context, mainExecutionID string) ([]backend.ConversationTurn, error) {
	row := new(conversationRow)
	err := b.db.NewSelect().Model(row).Where("main_execution_id = ?", mainExecutionID).Scan(ctx)
	if err != nil {
		return nil, nil
	}
	var turns []backend.ConversationTurn
	if err := json.Unmarshal(row.Turns, &turns); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal conversation: %w", err)
	}
	return turns, nil
}

// AppendConversation appends turns inside a transaction so concurrent
// appends for the same main_execution_id serialize (spec §5 "Shared
// resources").
func (b *Backend) AppendConversation(ctx context.Context, mainExecutionID string, turns ...backend.ConversationTurn) error {
	return b.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(conversationRow)
		err := tx.NewSelect().Model(row).Where("main_execution_id = ?", mainExecutionID).For("UPDATE").Scan(ctx)
		var existing []backend.ConversationTurn
		if err == nil {
			if uerr := json.Unmarshal(row.Turns, &existing); uerr != nil {
				return fmt.Errorf("postgres: unmarshal conversation: %w", uerr)
			}
		}
		existing = append(existing, turns...)
		data, merr := json.Marshal(existing)
		if merr != nil {
			return fmt.Errorf("postgres: marshal conversation: %w", merr)
		}
		newRow := &conversationRow{MainExecutionID: mainExecutionID, Turns: data}
		_, err = tx.NewInsert().Model(newRow).
			On("CONFLICT (main_execution_id) DO UPDATE").
			Set("turns = EXCLUDED.turns").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("postgres: append conversation %s: %w", mainExecutionID, err)
		}
		return nil
	})
}

// SaveConversation replaces the whole conversation history.
func (b *Backend) SaveConversation(ctx context.Context, mainExecutionID string, turns []backend.ConversationTurn) error {
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("postgres: marshal conversation: %w", err)
	}
	row := &conversationRow{MainExecutionID: mainExecutionID, Turns: data}
	_, err = b.db.NewInsert().Model(row).
		On("CONFLICT (main_execution_id) DO UPDATE").
		Set("turns = EXCLUDED.turns").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save conversation %s: %w", mainExecutionID, err)
	}
	return nil
}

// DeleteConversation removes the conversation history for a main execution.
func (b *Backend) DeleteConversation(ctx context.Context, mainExecutionID string) error {
	_, err := b.db.NewDelete().Model((*conversationRow)(nil)).Where("main_execution_id = ?", mainExecutionID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation %s: %w", mainExecutionID, err)
	}
	return nil
}

// LogEvent persists a telemetry event, best-effort: failures are swallowed
// since telemetry must never fail an execution.
func (b *Backend) LogEvent(ctx context.Context, executionID string, eventType string, kv map[string]any) {
	payload, err := json.Marshal(kv)
	if err != nil {
		return
	}
	row := &telemetryRow{ExecutionID: executionID, EventType: eventType, Payload: payload}
	_, _ = b.db.NewInsert().Model(row).Exec(ctx)
}
