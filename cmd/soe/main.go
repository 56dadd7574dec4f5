// soe is the command-line front door for the orchestration kernel: run a
// fresh execution against a YAML workflow document, broadcast signals into
// an existing one, or prepare the Postgres schema.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/orchestrax/soe/internal/config"
	"github.com/orchestrax/soe/internal/logger"
	"github.com/orchestrax/soe/pkg/backend"
	"github.com/orchestrax/soe/pkg/backend/memory"
	"github.com/orchestrax/soe/pkg/backend/postgres"
	"github.com/orchestrax/soe/pkg/backend/rediscache"
	"github.com/orchestrax/soe/pkg/dispatch"
	"github.com/orchestrax/soe/pkg/llmcaller"
	"github.com/orchestrax/soe/pkg/orchestrator"
	"github.com/orchestrax/soe/pkg/tools"
	"github.com/orchestrax/soe/pkg/workflowyaml"
)

const usage = `soe - signal-driven orchestration engine

USAGE:
    soe <command> [options]

COMMANDS:
    run        Start a new execution from a workflow document
    broadcast  Resume an existing execution with additional signals
    migrate    Create the Postgres schema (only relevant with -backend postgres)
    version    Show version information
    help       Show this help message

RUN OPTIONS:
    -workflow <path>     Path to a YAML workflow document (required)
    -start <name>        Workflow name to start from (required)
    -signal <name>       Initial signal to seed the queue with (repeatable)
    -set <field=json>    Seed a context field with a JSON-encoded value (repeatable)
    -backend <kind>      memory or postgres (default: memory)

BROADCAST OPTIONS:
    -execution <id>      Execution id to resume (required)
    -signal <name>       Signal to enqueue (repeatable)
    -backend <kind>      memory or postgres (default: memory)

ENVIRONMENT:
    See internal/config for the full SOE_* variable list (database, redis,
    logging, model provider).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCommand(os.Args[2:])
	case "broadcast":
		broadcastCommand(os.Args[2:])
	case "migrate":
		migrateCommand(os.Args[2:])
	case "version":
		fmt.Println("soe version 0.1.0")
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// repeatedFlag collects every occurrence of a flag.NewFlagSet string flag.
type repeatedFlag []string

func (r *repeatedFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "path to a YAML workflow document (required)")
	startWorkflow := fs.String("start", "", "workflow name to start from (required)")
	backendKind := fs.String("backend", "memory", "memory or postgres")
	var signals repeatedFlag
	var sets repeatedFlag
	fs.Var(&signals, "signal", "initial signal (repeatable)")
	fs.Var(&sets, "set", "field=json context seed (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *workflowPath == "" || *startWorkflow == "" {
		fmt.Fprintln(os.Stderr, "Error: -workflow and -start are required")
		os.Exit(1)
	}

	_, log, d, closeBackend := mustBuildDispatcher(*backendKind)
	defer closeBackend()

	data, err := os.ReadFile(*workflowPath)
	if err != nil {
		log.Error("failed to read workflow document", "error", err)
		os.Exit(1)
	}
	registry, identities, schema, err := workflowyaml.Load(data)
	if err != nil {
		log.Error("failed to load workflow document", "error", err)
		os.Exit(1)
	}

	initialContext, err := parseSets(sets)
	if err != nil {
		log.Error("invalid -set value", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	executionID, err := orchestrator.Orchestrate(ctx, d, orchestrator.Request{
		Config:              &orchestrator.Config{Registry: registry, Identities: identities, Schema: schema},
		InitialWorkflowName: *startWorkflow,
		InitialSignals:      signals,
		InitialContext:      initialContext,
	})
	printResult(log, d, executionID, err)
}

func broadcastCommand(args []string) {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	executionID := fs.String("execution", "", "execution id to resume (required)")
	backendKind := fs.String("backend", "memory", "memory or postgres")
	var signals repeatedFlag
	fs.Var(&signals, "signal", "signal to enqueue (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}
	if *executionID == "" || len(signals) == 0 {
		fmt.Fprintln(os.Stderr, "Error: -execution and at least one -signal are required")
		os.Exit(1)
	}

	_, log, d, closeBackend := mustBuildDispatcher(*backendKind)
	defer closeBackend()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err := orchestrator.BroadcastSignals(ctx, d, *executionID, signals)
	printResult(log, d, *executionID, err)
}

func migrateCommand(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)

	pg, err := postgres.Open(cfg.Database)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(context.Background()); err != nil {
		log.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	log.Info("schema ensured")
}

// mustBuildDispatcher wires a Dispatcher against the requested backend kind,
// the configured model caller, and the engine-provided tool registry. The
// returned closer releases any backend connections opened along the way.
func mustBuildDispatcher(backendKind string) (*config.Config, *logger.Logger, *dispatch.Dispatcher, func()) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)

	var (
		contexts   backend.ContextBackend
		workflows  backend.WorkflowBackend
		schemas    backend.ContextSchemaBackend
		identities backend.IdentityBackend
		convo      backend.ConversationHistoryBackend
		telemetry  backend.TelemetryBackend
		closer     = func() {}
	)

	switch backendKind {
	case "memory":
		store := memory.New()
		contexts, workflows, schemas, identities, convo, telemetry = store, store, store, store, store, store
	case "postgres":
		pg, err := postgres.Open(cfg.Database)
		if err != nil {
			log.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		contexts, workflows, schemas, identities, convo, telemetry = pg, pg, pg, pg, pg, pg
		closer = func() { pg.Close() }

		if cfg.Redis.Enabled {
			cache, err := rediscache.New(cfg.Redis, pg, pg)
			if err != nil {
				log.Warn("redis cache unavailable, continuing without it", "error", err)
			} else {
				contexts, workflows = cache, cache
				prev := closer
				closer = func() { cache.Close(); prev() }
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown backend %q (want memory or postgres)\n", backendKind)
		os.Exit(1)
	}

	var caller llmcaller.ModelCaller
	if cfg.Model.APIKey != "" {
		caller = llmcaller.NewOpenAICaller(cfg.Model.APIKey, cfg.Model.BaseURL, cfg.Model.Model, cfg.Model.Temperature, time.Duration(cfg.Model.TimeoutSecs)*time.Second)
	} else {
		caller = llmcaller.Func(func(context.Context, string, llmcaller.NodeConfiguration) (string, error) {
			return "", fmt.Errorf("soe: no model API key configured (SOE_MODEL_API_KEY)")
		})
	}

	d := dispatch.New(dispatch.Config{
		Contexts:     contexts,
		Workflows:    workflows,
		Schemas:      schemas,
		Identities:   identities,
		Conversation: convo,
		Telemetry:    telemetry,
		Tools:        tools.NewRegistry(),
		Caller:       caller,
	})
	return cfg, log, d, closer
}

func parseSets(sets []string) (map[string]any, error) {
	out := make(map[string]any, len(sets))
	for _, kv := range sets {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("expected field=json, got %q", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(parts[1]), &v); err != nil {
			return nil, fmt.Errorf("field %q: %w", parts[0], err)
		}
		out[parts[0]] = v
	}
	return out, nil
}

func printResult(log *logger.Logger, d *dispatch.Dispatcher, executionID string, runErr error) {
	if runErr != nil {
		log.Error("execution aborted", "execution_id", executionID, "error", runErr)
	}
	exec, ok := d.Get(executionID)
	if !ok {
		fmt.Fprintf(os.Stderr, "execution %s is no longer available in process\n", executionID)
		if runErr != nil {
			os.Exit(1)
		}
		return
	}

	out := map[string]any{
		"execution_id": executionID,
		"fields":       exec.Context().FieldsSnapshot(),
		"operational":  exec.Context().Operational(),
	}
	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Error("failed to encode result", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(enc))

	if runErr != nil {
		os.Exit(1)
	}
}
