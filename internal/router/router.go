package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/pkg/models"
)

const (
	// DefaultTimeout bounds one tool call.
	DefaultTimeout = 15 * time.Second

	// DefaultOutputLimit is the tool output byte ceiling. Output beyond
	// it is truncated, logged, and the call still succeeds.
	DefaultOutputLimit = 256 << 10
)

// Scope identifies the session and run on whose behalf a tool call is
// made. It is stamped onto every event the router emits.
type Scope struct {
	SessionID string
	RunID     string
}

// Binding maps a tool to the capability it requires and the argument
// field that names the side effect's target.
type Binding struct {
	Kind        policy.CapabilityKind `yaml:"kind"`
	TargetField string                `yaml:"target_field"`
}

// Config carries router limits and operator-supplied tool bindings.
type Config struct {
	// Timeout for one tool call. Zero means DefaultTimeout.
	Timeout time.Duration

	// OutputLimit is the output byte ceiling. Zero means DefaultOutputLimit.
	OutputLimit int

	// Bindings maps tool names to capability bindings, consulted when
	// the tool's schema does not declare its own capability needs.
	Bindings map[string]Binding
}

// ToolBackend resolves tool names and executes calls. Satisfied by
// *mcp.Manager.
type ToolBackend interface {
	Resolve(toolName string) (*mcp.RegisteredTool, bool)
	CallTool(ctx context.Context, toolName string, arguments json.RawMessage, timeout time.Duration) (*mcp.ToolCallResult, error)
}

// Router gates every tool invocation behind a policy check and logs the
// full decision trail to the event store. No tool runs without a
// granted capability.
type Router struct {
	backend ToolBackend
	engine  *policy.Engine
	store   events.Store
	logger  *slog.Logger
	metrics *observability.Metrics
	config  Config

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// New creates a router. metrics may be nil.
func New(backend ToolBackend, engine *policy.Engine, store events.Store, logger *slog.Logger, metrics *observability.Metrics, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.OutputLimit <= 0 {
		config.OutputLimit = DefaultOutputLimit
	}
	return &Router{
		backend: backend,
		engine:  engine,
		store:   store,
		logger:  logger.With("component", "router"),
		metrics: metrics,
		config:  config,
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Invoke resolves, gates, and executes one tool call.
//
// Pipeline: resolve the tool, validate argument shape, derive the
// required capabilities, check each against policy, then invoke with
// the configured timeout and truncate oversized output. Capability
// decision events are always emitted before tool.invoked, and every
// tool.requested gets exactly one terminal tool.succeeded or
// tool.failed.
func (r *Router) Invoke(ctx context.Context, call models.ToolCall, scope Scope) (*models.ToolResult, error) {
	started := time.Now()

	reg, ok := r.backend.Resolve(call.Name)
	if !ok {
		r.recordInvocation(call.Name, "not_found", started)
		return nil, &Error{Kind: ErrorToolNotFound, Tool: call.Name, ToolCallID: call.ID,
			Reason: "no connected server advertises this tool"}
	}

	args, err := decodeArguments(call.Input)
	if err != nil {
		r.recordInvocation(call.Name, "error", started)
		return nil, &Error{Kind: ErrorSchemaMismatch, Tool: call.Name, ToolCallID: call.ID,
			Reason: "arguments are not a JSON object", Cause: err}
	}
	if err := r.validateShape(reg.Tool, args); err != nil {
		r.recordInvocation(call.Name, "error", started)
		return nil, &Error{Kind: ErrorSchemaMismatch, Tool: call.Name, ToolCallID: call.ID,
			Reason: "arguments do not match the tool input schema", Cause: err}
	}

	for _, req := range r.deriveCapabilities(reg, args) {
		decision := r.engine.Check(req)
		if r.metrics != nil {
			r.metrics.RecordCapabilityDecision(string(req.Kind), decision.Allowed)
		}
		if !decision.Allowed {
			r.emit(ctx, scope, events.KindCapabilityDenied, map[string]any{
				"tool":         call.Name,
				"tool_call_id": call.ID,
				"capability":   string(req.Kind),
				"target":       req.Target,
				"reason":       decision.Reason,
			})
			r.recordInvocation(call.Name, "denied", started)
			return nil, &Error{Kind: ErrorCapabilityDenied, Tool: call.Name, ToolCallID: call.ID,
				Capability: string(req.Kind), Target: req.Target, Reason: decision.Reason}
		}
		r.emit(ctx, scope, events.KindCapabilityGranted, map[string]any{
			"tool":         call.Name,
			"tool_call_id": call.ID,
			"capability":   string(req.Kind),
			"target":       req.Target,
		})
	}

	r.emit(ctx, scope, events.KindToolRequested, map[string]any{
		"tool":         call.Name,
		"tool_call_id": call.ID,
		"server":       reg.ServerName,
		"args_bytes":   len(call.Input),
	})
	r.emit(ctx, scope, events.KindToolInvoked, map[string]any{
		"tool":         call.Name,
		"tool_call_id": call.ID,
		"server":       reg.ServerName,
	})

	result, err := r.backend.CallTool(ctx, call.Name, call.Input, r.config.Timeout)
	if err != nil {
		return nil, r.failInvocation(ctx, scope, call, err, started)
	}

	text := result.Text()
	truncated := false
	if len(text) > r.config.OutputLimit {
		text = text[:r.config.OutputLimit]
		truncated = true
		r.logger.Warn("tool output truncated",
			"tool", call.Name,
			"limit", r.config.OutputLimit)
	}

	if result.IsError {
		r.emit(ctx, scope, events.KindToolFailed, map[string]any{
			"tool":         call.Name,
			"tool_call_id": call.ID,
			"reason":       "tool_error",
			"error":        summarize(text),
		})
		r.recordInvocation(call.Name, "error", started)
		return &models.ToolResult{ToolCallID: call.ID, Content: text, IsError: true, Truncated: truncated}, nil
	}

	r.emit(ctx, scope, events.KindToolSucceeded, map[string]any{
		"tool":         call.Name,
		"tool_call_id": call.ID,
		"bytes":        len(text),
		"truncated":    truncated,
		"duration_ms":  time.Since(started).Milliseconds(),
	})
	r.recordInvocation(call.Name, "success", started)
	return &models.ToolResult{ToolCallID: call.ID, Content: text, Truncated: truncated}, nil
}

// failInvocation classifies a transport error, emits the terminal
// tool.failed event, and returns the typed router error.
func (r *Router) failInvocation(ctx context.Context, scope Scope, call models.ToolCall, cause error, started time.Time) error {
	kind := ErrorConnectionFailed
	reason := "connection failed"
	status := "error"

	switch {
	case errors.Is(cause, mcp.ErrTimeout):
		kind, reason, status = ErrorTimeout, "timeout", "timeout"
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		// Cancellation is timeout-class: the call was cut short, not broken.
		kind, reason, status = ErrorTimeout, "cancelled", "timeout"
	case errors.Is(cause, mcp.ErrConnectionFailed), errors.Is(cause, mcp.ErrConnectionClosed), errors.Is(cause, mcp.ErrNotReady):
		// connection failure
	default:
		reason = "invocation error"
	}

	r.emit(ctx, scope, events.KindToolFailed, map[string]any{
		"tool":         call.Name,
		"tool_call_id": call.ID,
		"reason":       reason,
		"error":        cause.Error(),
		"duration_ms":  time.Since(started).Milliseconds(),
	})
	r.recordInvocation(call.Name, status, started)
	return &Error{Kind: kind, Tool: call.Name, ToolCallID: call.ID, Reason: reason, Cause: cause}
}

// deriveCapabilities determines which capabilities a call requires.
// Precedence: capability declarations in the tool's input schema, then
// operator-configured bindings, then a conservative exec default for
// unrecognized tools.
func (r *Router) deriveCapabilities(reg *mcp.RegisteredTool, args map[string]any) []policy.CapabilityRequest {
	declared := declaredBindings(reg.Tool.InputSchema)
	if len(declared) == 0 {
		if binding, ok := r.config.Bindings[reg.Tool.Name]; ok {
			declared = []Binding{binding}
		}
	}
	if len(declared) == 0 {
		declared = []Binding{{Kind: policy.CapabilityExec}}
	}

	reqs := make([]policy.CapabilityRequest, 0, len(declared))
	for _, binding := range declared {
		req := policy.CapabilityRequest{
			Kind:   binding.Kind,
			Target: deriveTarget(binding, args, reg.Tool.Name),
			Tool:   reg.Tool.Name,
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// declaredBindings reads x-capabilities declarations out of a tool's
// input schema. Servers that know their side effects advertise them
// there; the schema compiler ignores the extension keyword.
func declaredBindings(schema json.RawMessage) []Binding {
	if len(schema) == 0 {
		return nil
	}
	var ext struct {
		XCapabilities []struct {
			Kind        string `json:"kind"`
			TargetField string `json:"target_field"`
		} `json:"x-capabilities"`
	}
	if err := json.Unmarshal(schema, &ext); err != nil {
		return nil
	}
	out := make([]Binding, 0, len(ext.XCapabilities))
	for _, c := range ext.XCapabilities {
		// Unknown declared kinds flow through unchanged; the engine
		// denies them. Dropping one here would skip the check.
		out = append(out, Binding{Kind: policy.CapabilityKind(c.Kind), TargetField: c.TargetField})
	}
	return out
}

// deriveTarget extracts the side effect's target from the arguments.
func deriveTarget(binding Binding, args map[string]any, toolName string) string {
	field := binding.TargetField
	if field == "" {
		field = defaultTargetField(binding.Kind)
	}
	raw, _ := args[field].(string)

	switch binding.Kind {
	case policy.CapabilityNetHTTP:
		// Network policy matches domains, not full URLs.
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
		return raw
	case policy.CapabilityExec:
		if raw == "" {
			// No command argument: gate on the tool's own name.
			return toolName
		}
		return raw
	default:
		return raw
	}
}

func defaultTargetField(kind policy.CapabilityKind) string {
	switch kind {
	case policy.CapabilityFsRead, policy.CapabilityFsWrite:
		return "path"
	case policy.CapabilityNetHTTP:
		return "url"
	case policy.CapabilityExec:
		return "command"
	case policy.CapabilitySecretsRead:
		return "key"
	}
	return ""
}

// validateShape checks the arguments against the tool's input schema.
// Compiled schemas are cached per tool; a schema that fails to compile
// is logged and skipped rather than blocking every call to the tool.
func (r *Router) validateShape(tool *mcp.Tool, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	r.schemaMu.Lock()
	compiled, ok := r.schemas[tool.Name]
	if !ok {
		var err error
		compiled, err = jsonschema.CompileString(tool.Name+".json", string(tool.InputSchema))
		if err != nil {
			r.logger.Warn("tool input schema does not compile, skipping validation",
				"tool", tool.Name,
				"error", err)
			compiled = nil
		}
		r.schemas[tool.Name] = compiled
	}
	r.schemaMu.Unlock()

	if compiled == nil {
		return nil
	}
	// jsonschema validates interface{} documents, so hand it the
	// decoded argument map.
	doc := make(map[string]any, len(args))
	for k, v := range args {
		doc[k] = v
	}
	return compiled.Validate(doc)
}

func decodeArguments(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (r *Router) emit(ctx context.Context, scope Scope, kind events.Kind, data map[string]any) {
	event := events.New(kind, scope.SessionID, scope.RunID, data)
	err := r.store.Append(ctx, event)
	if err != nil {
		r.logger.Error("failed to append event", "kind", string(kind), "error", err)
	}
	if r.metrics != nil {
		r.metrics.RecordEventAppend(string(kind), err)
	}
}

func (r *Router) recordInvocation(tool, status string, started time.Time) {
	if r.metrics != nil {
		r.metrics.RecordToolInvocation(tool, status, time.Since(started).Seconds())
	}
}

// summarize bounds event payload strings so the log stays readable.
func summarize(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes total)", s[:max], len(s))
}
