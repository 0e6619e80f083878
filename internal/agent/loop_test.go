package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/router"
	"github.com/haasonsaas/warden/internal/sessions"
	"github.com/haasonsaas/warden/pkg/models"
)

// fakeProvider replays scripted chunk sequences, one per Complete call.
// The last script repeats if the loop calls more often than scripted.
type fakeProvider struct {
	mu       sync.Mutex
	scripts  [][]*CompletionChunk
	requests []*CompletionRequest
	err      error

	// gate, when set, blocks each Complete until a value is received.
	gate chan struct{}
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	script := p.scripts[idx]
	ch := make(chan *CompletionChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// fakeInvoker scripts the tool gate.
type fakeInvoker struct {
	mu     sync.Mutex
	scopes []router.Scope
	calls  []models.ToolCall
	invoke func(call models.ToolCall) (*models.ToolResult, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, call models.ToolCall, scope router.Scope) (*models.ToolResult, error) {
	f.mu.Lock()
	f.scopes = append(f.scopes, scope)
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.invoke == nil {
		return &models.ToolResult{ToolCallID: call.ID, Content: "ok"}, nil
	}
	return f.invoke(call)
}

type fakeTools struct{ tools []*mcp.RegisteredTool }

func (f *fakeTools) Tools() []*mcp.RegisteredTool { return f.tools }

func textScript(texts []string, in, out int) []*CompletionChunk {
	var script []*CompletionChunk
	for _, t := range texts {
		script = append(script, &CompletionChunk{Text: t})
	}
	return append(script, &CompletionChunk{Done: true, InputTokens: in, OutputTokens: out})
}

func toolScript(callID, name, input string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &models.ToolCall{ID: callID, Name: name, Input: json.RawMessage(input)}},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

type fixture struct {
	loop     *Loop
	events   *events.MemoryStore
	sessions *sessions.MemoryStore
	session  *models.Session
	invoker  *fakeInvoker
}

func newFixture(t *testing.T, provider LLMProvider, invoker *fakeInvoker, config Config) *fixture {
	t.Helper()
	eventLog := events.NewMemoryStore()
	store := sessions.NewMemoryStore()
	loop := New(provider, invoker, &fakeTools{}, store, sessions.NewLocker(), eventLog, nil, nil, config)

	session, err := loop.NewSession(context.Background(), "test")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return &fixture{loop: loop, events: eventLog, sessions: store, session: session, invoker: invoker}
}

func (f *fixture) runKinds(t *testing.T, runID string) []events.Kind {
	t.Helper()
	evts, err := f.events.ListByRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	kinds := make([]events.Kind, len(evts))
	for i, e := range evts {
		kinds[i] = e.Kind
	}
	return kinds
}

// terminalCount counts run terminal events for a run.
func (f *fixture) terminalCount(t *testing.T, runID string) int {
	t.Helper()
	n := 0
	for _, k := range f.runKinds(t, runID) {
		if k == events.KindRunSucceeded || k == events.KindRunFailed {
			n++
		}
	}
	return n
}

func TestRunFinalAnswer(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		textScript([]string{"Hello, ", "world."}, 20, 8),
	}}
	f := newFixture(t, provider, &fakeInvoker{}, Config{Model: "test-model"})

	run, err := f.loop.Run(context.Background(), f.session.ID, "greet me")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", run.Status)
	}
	if run.Usage.Total() != 28 {
		t.Errorf("usage = %+v, want 28 total", run.Usage)
	}

	want := []events.Kind{
		events.KindRunStarted,
		events.KindPromptBuilt,
		events.KindAssistantDelta,
		events.KindAssistantDelta,
		events.KindAssistantMessage,
		events.KindRunSucceeded,
	}
	got := f.runKinds(t, run.ID)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	// Session folded in the run.
	session, err := f.sessions.Get(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(session.RunIDs) != 1 || session.RunIDs[0] != run.ID {
		t.Errorf("session run ids = %v", session.RunIDs)
	}
	if session.Usage.Total() != 28 {
		t.Errorf("session usage = %+v", session.Usage)
	}

	history, err := f.sessions.History(context.Background(), f.session.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("history roles wrong: %+v", history)
	}
	if history[1].Content != "Hello, world." {
		t.Errorf("assistant content = %q", history[1].Content)
	}
}

func TestPromptBuiltCarriesCountsOnly(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		textScript([]string{"done"}, 1, 1),
	}}
	f := newFixture(t, provider, &fakeInvoker{}, Config{})

	secret := "sk-ant-" + strings.Repeat("x", 95)
	run, err := f.loop.Run(context.Background(), f.session.ID, "my key is "+secret)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	evts, _ := f.events.ListByRun(context.Background(), run.ID)
	for _, e := range evts {
		if e.Kind != events.KindPromptBuilt {
			continue
		}
		raw, _ := json.Marshal(e.Data)
		if strings.Contains(string(raw), secret) {
			t.Fatal("prompt.built leaked prompt text")
		}
		if _, ok := e.Data["messages"]; !ok {
			t.Error("prompt.built missing message count")
		}
		if _, ok := e.Data["estimated_tokens"]; !ok {
			t.Error("prompt.built missing token estimate")
		}
	}
}

func TestRunToolRoundThenAnswer(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript("tc-1", "read_file", `{"path":"/workspace/notes.txt"}`),
		textScript([]string{"the file says hi"}, 30, 12),
	}}
	invoker := &fakeInvoker{invoke: func(call models.ToolCall) (*models.ToolResult, error) {
		return &models.ToolResult{ToolCallID: call.ID, Content: "hi"}, nil
	}}
	f := newFixture(t, provider, invoker, Config{})

	run, err := f.loop.Run(context.Background(), f.session.ID, "read my notes")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.StatusSucceeded {
		t.Fatalf("status = %s", run.Status)
	}

	if len(invoker.calls) != 1 || invoker.calls[0].Name != "read_file" {
		t.Fatalf("invoker calls = %+v", invoker.calls)
	}
	if invoker.scopes[0].RunID != run.ID || invoker.scopes[0].SessionID != f.session.ID {
		t.Errorf("scope = %+v", invoker.scopes[0])
	}

	// The second model call must carry the tool result back.
	if provider.requestCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.requestCount())
	}
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || len(last.ToolResults) != 1 || last.ToolResults[0].Content != "hi" {
		t.Errorf("tool result not fed back: %+v", last)
	}

	// Cumulative usage across both rounds.
	if run.Usage.Total() != 10+5+30+12 {
		t.Errorf("usage = %+v", run.Usage)
	}
}

func TestRunDenialFedBackToModel(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript("tc-1", "run_command", `{"command":"rm -rf /"}`),
		textScript([]string{"that was not allowed"}, 5, 5),
	}}
	denial := &router.Error{Kind: router.ErrorCapabilityDenied, Tool: "run_command",
		Capability: "exec", Target: "rm -rf /", Reason: "exec is disabled"}
	invoker := &fakeInvoker{invoke: func(call models.ToolCall) (*models.ToolResult, error) {
		return nil, denial
	}}
	f := newFixture(t, provider, invoker, Config{})

	run, err := f.loop.Run(context.Background(), f.session.ID, "delete everything")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.StatusSucceeded {
		t.Fatalf("status = %s; a denial should be recoverable by default", run.Status)
	}

	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Fatalf("denial not fed back as error result: %+v", last)
	}
	if !strings.Contains(last.ToolResults[0].Content, "exec is disabled") {
		t.Errorf("denial reason missing: %q", last.ToolResults[0].Content)
	}
}

func TestRunHardFailOnDenial(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript("tc-1", "run_command", `{"command":"git push"}`),
	}}
	invoker := &fakeInvoker{invoke: func(call models.ToolCall) (*models.ToolResult, error) {
		return nil, &router.Error{Kind: router.ErrorCapabilityDenied, Tool: call.Name, Reason: "denied"}
	}}
	f := newFixture(t, provider, invoker, Config{HardFailOnDenial: true})

	run, err := f.loop.Run(context.Background(), f.session.ID, "push it")
	if err == nil {
		t.Fatal("expected run failure")
	}
	if run.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if f.terminalCount(t, run.ID) != 1 {
		t.Errorf("terminal events = %d, want exactly 1", f.terminalCount(t, run.ID))
	}
}

func TestRunConnectionFailureFailsRun(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript("tc-1", "read_file", `{"path":"/x"}`),
	}}
	invoker := &fakeInvoker{invoke: func(call models.ToolCall) (*models.ToolResult, error) {
		return nil, &router.Error{Kind: router.ErrorConnectionFailed, Tool: call.Name, Cause: mcp.ErrConnectionFailed}
	}}
	f := newFixture(t, provider, invoker, Config{})

	run, err := f.loop.Run(context.Background(), f.session.ID, "read")
	if err == nil {
		t.Fatal("expected run failure")
	}
	if run.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	kinds := f.runKinds(t, run.ID)
	if kinds[len(kinds)-1] != events.KindRunFailed {
		t.Errorf("last event = %v, want run.failed", kinds[len(kinds)-1])
	}
}

func TestRunMaxToolRounds(t *testing.T) {
	// The model keeps asking for tools and never answers.
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolScript("tc-1", "read_file", `{"path":"/x"}`),
	}}
	f := newFixture(t, provider, &fakeInvoker{}, Config{MaxToolRounds: 3})

	run, err := f.loop.Run(context.Background(), f.session.ID, "loop forever")
	if !errors.Is(err, ErrMaxToolRounds) {
		t.Fatalf("err = %v, want ErrMaxToolRounds", err)
	}
	if run.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if provider.requestCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.requestCount())
	}
	if f.terminalCount(t, run.ID) != 1 {
		t.Errorf("terminal events = %d, want exactly 1", f.terminalCount(t, run.ID))
	}
}

func TestRunBackendError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("api unavailable")}
	f := newFixture(t, provider, &fakeInvoker{}, Config{})

	run, err := f.loop.Run(context.Background(), f.session.ID, "hello")
	if err == nil {
		t.Fatal("expected run failure")
	}
	var re *RunError
	if !errors.As(err, &re) || re.Stage != StageStream {
		t.Errorf("err = %v, want stream-stage RunError", err)
	}
	if run.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if f.terminalCount(t, run.ID) != 1 {
		t.Errorf("terminal events = %d, want exactly 1", f.terminalCount(t, run.ID))
	}
}

func TestRunCancellationProducesRunFailed(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*CompletionChunk{textScript([]string{"never"}, 1, 1)},
		gate:    make(chan struct{}),
	}
	f := newFixture(t, provider, &fakeInvoker{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var run *models.Run
	var runErr error
	go func() {
		run, runErr = f.loop.Run(ctx, f.session.ID, "slow question")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run never terminated")
	}

	if runErr == nil {
		t.Fatal("expected error from cancelled run")
	}
	if run.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	// Cancellation is never a silent drop.
	if f.terminalCount(t, run.ID) != 1 {
		t.Errorf("terminal events = %d, want exactly 1", f.terminalCount(t, run.ID))
	}
}

func TestRunsWithinSessionAreSerialized(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*CompletionChunk{textScript([]string{"answer"}, 1, 1)},
		gate:    make(chan struct{}, 2),
	}
	f := newFixture(t, provider, &fakeInvoker{}, Config{})

	started := make(chan int, 2)
	finished := make(chan int, 2)
	runOne := func(i int, input string) {
		started <- i
		if _, err := f.loop.Run(context.Background(), f.session.ID, input); err != nil {
			t.Errorf("run %d: %v", i, err)
		}
		finished <- i
	}

	go runOne(1, "first question")
	// Wait for the first run to reach the provider so the second
	// genuinely queues behind it.
	for provider.requestCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	go runOne(2, "second question")
	<-started
	<-started

	// Only the first run may proceed; the second is queued.
	time.Sleep(20 * time.Millisecond)
	if provider.requestCount() != 1 {
		t.Fatalf("provider calls = %d before first run finished", provider.requestCount())
	}

	provider.gate <- struct{}{}
	first := <-finished
	if first != 1 {
		t.Fatalf("run %d finished first, want run 1", first)
	}
	provider.gate <- struct{}{}
	<-finished

	// The second run's prompt must include the first run's exchange.
	second := provider.requests[1]
	var sawFirst bool
	for _, m := range second.Messages {
		if m.Content == "first question" {
			sawFirst = true
		}
	}
	if !sawFirst {
		t.Error("second run did not observe the first run's history")
	}
}

func TestIndependentSessionsRunConcurrently(t *testing.T) {
	provider := &fakeProvider{
		scripts: [][]*CompletionChunk{textScript([]string{"answer"}, 1, 1)},
		gate:    make(chan struct{}, 2),
	}
	f := newFixture(t, provider, &fakeInvoker{}, Config{})

	other, err := f.loop.NewSession(context.Background(), "other")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range []string{f.session.ID, other.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.loop.Run(context.Background(), id, "question"); err != nil {
				t.Errorf("run on %s: %v", id, err)
			}
		}(id)
	}

	// Both runs must reach the provider without either finishing:
	// sessions do not serialize against each other.
	deadline := time.After(2 * time.Second)
	for provider.requestCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("second session's run blocked behind the first session")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	provider.gate <- struct{}{}
	provider.gate <- struct{}{}
	wg.Wait()
}
