package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/router"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/pkg/models"
)

// Config controls run loop behavior.
type Config struct {
	// Model is the default model identifier.
	Model string

	// System is the system prompt for every run.
	System string

	// MaxToolRounds bounds model/tool round trips per run. Default 10.
	MaxToolRounds int

	// MaxTokens bounds each model response. Default 4096.
	MaxTokens int

	// HistoryLimit is the number of history messages loaded per run.
	// Default 50.
	HistoryLimit int

	// ContextBudget is the approximate token ceiling for the assembled
	// prompt. Oldest messages are dropped first when over budget.
	// Default 100000.
	ContextBudget int

	// HardFailOnDenial fails the run on a capability denial instead of
	// feeding the denial back to the model as a tool error.
	HardFailOnDenial bool
}

func (c Config) withDefaults() Config {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 100000
	}
	return c
}

// ToolInvoker executes one gated tool call. Satisfied by *router.Router.
type ToolInvoker interface {
	Invoke(ctx context.Context, call models.ToolCall, scope router.Scope) (*models.ToolResult, error)
}

// ToolSource lists the tools advertised to the model. Satisfied by
// *mcp.Manager.
type ToolSource interface {
	Tools() []*mcp.RegisteredTool
}

// Loop executes runs: one user turn through model streaming and
// sequential gated tool rounds until a final answer. Runs within a
// session are strictly serialized; sessions are independent.
type Loop struct {
	provider LLMProvider
	invoker  ToolInvoker
	tools    ToolSource
	sessions sessions.Store
	locker   *sessions.Locker
	store    events.Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	config   Config
}

// New creates a run loop. metrics may be nil.
func New(provider LLMProvider, invoker ToolInvoker, tools ToolSource, store sessions.Store, locker *sessions.Locker, eventLog events.Store, logger *slog.Logger, metrics *observability.Metrics, config Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: provider,
		invoker:  invoker,
		tools:    tools,
		sessions: store,
		locker:   locker,
		store:    eventLog,
		logger:   logger.With("component", "loop"),
		metrics:  metrics,
		config:   config.withDefaults(),
	}
}

// NewSession creates a session and logs session.created.
func (l *Loop) NewSession(ctx context.Context, title string) (*models.Session, error) {
	session := &models.Session{Title: title}
	if err := l.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	event := events.New(events.KindSessionCreated, session.ID, "", map[string]any{"title": title})
	if err := l.store.Append(ctx, event); err != nil {
		l.logger.Error("failed to append session.created", "session_id", session.ID, "error", err)
	}
	return session, nil
}

// Run executes one user input against a session. If another run is
// active for the session, this call queues behind it in arrival order.
// The returned run is terminal: exactly one of run.succeeded or
// run.failed has been logged for it.
func (l *Loop) Run(ctx context.Context, sessionID, input string) (*models.Run, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}

	release, err := l.locker.Acquire(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer release()

	session, err := l.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Status:    models.StatusRunning,
		Model:     l.config.Model,
		StartedAt: time.Now().UTC(),
	}
	if l.metrics != nil {
		l.metrics.RunStarted()
	}
	l.emit(ctx, run, events.KindRunStarted, map[string]any{
		"model":    run.Model,
		"provider": l.provider.Name(),
	})

	runErr := l.execute(ctx, session, run, input)
	l.finish(ctx, session, run, runErr)
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

// execute is the body of a run: returns nil on a final answer, or the
// terminating error.
func (l *Loop) execute(ctx context.Context, session *models.Session, run *models.Run, input string) error {
	userMsg := &models.Message{
		RunID:   run.ID,
		Role:    models.RoleUser,
		Content: input,
	}
	if err := l.sessions.AppendMessage(ctx, session.ID, userMsg); err != nil {
		return &RunError{Stage: StageInit, Cause: err}
	}

	msgs, err := l.assembleContext(ctx, session, run)
	if err != nil {
		return &RunError{Stage: StagePrompt, Cause: err}
	}

	toolDefs := l.toolDefs()

	for round := 0; round < l.config.MaxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return &RunError{Stage: StageStream, Round: round, Cause: err}
		}

		text, toolCalls, usage, err := l.streamOnce(ctx, run, msgs, toolDefs)
		if err != nil {
			return &RunError{Stage: StageStream, Round: round, Cause: err}
		}
		run.Usage.Add(usage)

		assistantMsg := &models.Message{
			RunID:     run.ID,
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		}
		if err := l.sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
			return &RunError{Stage: StagePersist, Round: round, Cause: err}
		}
		msgs = append(msgs, CompletionMessage{Role: "assistant", Content: text, ToolCalls: toolCalls})

		if len(toolCalls) == 0 {
			return nil
		}

		// Tool calls within one model turn run sequentially, in the
		// order the model requested them.
		results := make([]models.ToolResult, 0, len(toolCalls))
		for _, call := range toolCalls {
			result, err := l.invokeTool(ctx, run, call, round)
			if err != nil {
				return err
			}
			results = append(results, *result)
		}

		toolMsg := &models.Message{
			RunID:       run.ID,
			Role:        models.RoleTool,
			ToolResults: results,
		}
		if err := l.sessions.AppendMessage(ctx, session.ID, toolMsg); err != nil {
			return &RunError{Stage: StagePersist, Round: round, Cause: err}
		}
		msgs = append(msgs, CompletionMessage{Role: "tool", ToolResults: results})
	}

	return &RunError{Stage: StageTool, Round: l.config.MaxToolRounds, Cause: ErrMaxToolRounds}
}

// invokeTool routes one call through the gate and converts recoverable
// failures into error results the model can adapt to.
func (l *Loop) invokeTool(ctx context.Context, run *models.Run, call models.ToolCall, round int) (*models.ToolResult, error) {
	result, err := l.invoker.Invoke(ctx, call, router.Scope{SessionID: run.SessionID, RunID: run.ID})
	if err == nil {
		return result, nil
	}

	switch router.KindOf(err) {
	case router.ErrorCapabilityDenied:
		if l.config.HardFailOnDenial {
			return nil, &RunError{Stage: StageTool, Round: round, Cause: err}
		}
		return &models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}, nil
	case router.ErrorToolNotFound, router.ErrorSchemaMismatch, router.ErrorTimeout:
		// Recoverable for the run: the model sees the failure and can
		// adjust its next request.
		return &models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}, nil
	default:
		// Connection failures and anything unclassified terminate the run.
		return nil, &RunError{Stage: StageTool, Round: round, Cause: err}
	}
}

// streamOnce performs one model call, logging deltas as they arrive and
// the complete message at the end.
func (l *Loop) streamOnce(ctx context.Context, run *models.Run, msgs []CompletionMessage, toolDefs []ToolDef) (string, []models.ToolCall, models.Usage, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  msgs,
		Tools:     toolDefs,
		MaxTokens: l.config.MaxTokens,
	}

	started := time.Now()
	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		l.recordLLM("error", started, models.Usage{})
		return "", nil, models.Usage{}, fmt.Errorf("backend: %w", err)
	}

	var (
		text      string
		toolCalls []models.ToolCall
		usage     models.Usage
	)
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			l.recordLLM("error", started, usage)
			return "", nil, usage, fmt.Errorf("backend: %w", chunk.Error)
		case chunk.ToolCall != nil:
			toolCalls = append(toolCalls, *chunk.ToolCall)
		case chunk.Text != "":
			text += chunk.Text
			l.emit(ctx, run, events.KindAssistantDelta, map[string]any{
				"text": chunk.Text,
			})
		case chunk.Done:
			usage = models.Usage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
		}
	}

	l.emit(ctx, run, events.KindAssistantMessage, map[string]any{
		"length":     len(text),
		"tool_calls": len(toolCalls),
	})
	l.recordLLM("success", started, usage)
	return text, toolCalls, usage, nil
}

// assembleContext loads history and enforces the context budget,
// dropping oldest messages first. The prompt.built event carries counts
// only, never prompt text.
func (l *Loop) assembleContext(ctx context.Context, session *models.Session, run *models.Run) ([]CompletionMessage, error) {
	history, err := l.sessions.History(ctx, session.ID, l.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}

	dropped := 0
	for len(msgs) > 1 && estimateTokens(msgs) > l.config.ContextBudget {
		msgs = msgs[1:]
		dropped++
	}

	l.emit(ctx, run, events.KindPromptBuilt, map[string]any{
		"messages":         len(msgs),
		"dropped":          dropped,
		"estimated_tokens": estimateTokens(msgs),
		"tools":            len(l.toolDefs()),
	})
	return msgs, nil
}

func (l *Loop) toolDefs() []ToolDef {
	if l.tools == nil {
		return nil
	}
	registered := l.tools.Tools()
	defs := make([]ToolDef, 0, len(registered))
	for _, reg := range registered {
		defs = append(defs, ToolDef{
			Name:        reg.Tool.Name,
			Description: reg.Tool.Description,
			InputSchema: reg.Tool.InputSchema,
		})
	}
	return defs
}

// finish records the run's single terminal event and folds its usage
// into the session.
func (l *Loop) finish(ctx context.Context, session *models.Session, run *models.Run, runErr error) {
	run.EndedAt = time.Now().UTC()
	if runErr != nil {
		run.Status = models.StatusFailed
		run.Error = runErr.Error()
		l.emit(ctx, run, events.KindRunFailed, map[string]any{
			"error":       runErr.Error(),
			"duration_ms": run.EndedAt.Sub(run.StartedAt).Milliseconds(),
		})
	} else {
		run.Status = models.StatusSucceeded
		l.emit(ctx, run, events.KindRunSucceeded, map[string]any{
			"input_tokens":  run.Usage.InputTokens,
			"output_tokens": run.Usage.OutputTokens,
			"duration_ms":   run.EndedAt.Sub(run.StartedAt).Milliseconds(),
		})
	}
	if l.metrics != nil {
		l.metrics.RunEnded(string(run.Status))
	}

	session.RunIDs = append(session.RunIDs, run.ID)
	session.Usage.Add(run.Usage)
	// Persist with a fresh context: a cancelled run must still record
	// its terminal state.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.sessions.Update(persistCtx, session); err != nil {
		l.logger.Error("failed to persist session after run", "session_id", session.ID, "error", err)
	}
}

func (l *Loop) emit(ctx context.Context, run *models.Run, kind events.Kind, data map[string]any) {
	// Terminal and delta events must be logged even when the run's
	// context is already cancelled.
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	event := events.New(kind, run.SessionID, run.ID, data)
	err := l.store.Append(emitCtx, event)
	if err != nil {
		l.logger.Error("failed to append event", "kind", string(kind), "error", err)
	}
	if l.metrics != nil {
		l.metrics.RecordEventAppend(string(kind), err)
	}
}

func (l *Loop) recordLLM(status string, started time.Time, usage models.Usage) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordLLMRequest(l.provider.Name(), l.config.Model, status,
		time.Since(started).Seconds(), usage.InputTokens, usage.OutputTokens)
}

// estimateTokens approximates prompt size at four bytes per token.
func estimateTokens(msgs []CompletionMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + len(tc.Input)
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Content)
		}
	}
	return total / 4
}

var (
	_ ToolInvoker = (*router.Router)(nil)
	_ ToolSource  = (*mcp.Manager)(nil)
)
