package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"quill/internal/capability"
	"quill/internal/checkpoint"
	"quill/internal/convlog"
	"quill/internal/llm"
)

// scriptedClient plays back a fixed sequence of reasoning steps. When the
// script runs out, the last step repeats.
type scriptedClient struct {
	mu    sync.Mutex
	steps []func(cb llm.StreamCallback) (*llm.ChatResponse, error)
	calls int
	seen  [][]llm.Message
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	c.mu.Lock()
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	c.seen = append(c.seen, snapshot)
	i := c.calls
	if i >= len(c.steps) {
		i = len(c.steps) - 1
	}
	step := c.steps[i]
	c.calls++
	c.mu.Unlock()

	return step(cb)
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

// toolCallStep scripts a reasoning step that requests one capability call.
func toolCallStep(callID, name string, args map[string]any) func(llm.StreamCallback) (*llm.ChatResponse, error) {
	return func(cb llm.StreamCallback) (*llm.ChatResponse, error) {
		msg := llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{
			ID:       callID,
			Function: llm.FunctionCall{Name: name, Arguments: args},
		}}}
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &msg.ToolCalls[0]})
		}
		resp := &llm.ChatResponse{Message: msg, Done: true, FinishReason: "tool_calls"}
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
		}
		return resp, nil
	}
}

// finalStep scripts a reasoning step that streams a final answer word by word.
func finalStep(text string) func(llm.StreamCallback) (*llm.ChatResponse, error) {
	return func(cb llm.StreamCallback) (*llm.ChatResponse, error) {
		if cb != nil {
			for _, word := range strings.SplitAfter(text, " ") {
				cb(llm.StreamEvent{Kind: llm.KindToken, Token: word})
			}
		}
		resp := &llm.ChatResponse{
			Message:      llm.Message{Role: "assistant", Content: text},
			Done:         true,
			FinishReason: "stop",
		}
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
		}
		return resp, nil
	}
}

type fixture struct {
	loop        *Loop
	checkpoints *checkpoint.Store
	log         *convlog.Store
}

func newFixture(t *testing.T, client llm.Client, cfg Config) *fixture {
	t.Helper()

	logger := testLogger()
	registry, err := capability.NewBuiltinRegistry(capability.BuiltinOptions{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return newFixtureWithRegistry(t, client, cfg, registry)
}

func newFixtureWithRegistry(t *testing.T, client llm.Client, cfg Config, registry *capability.Registry) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite3", t.TempDir()+"/agent-test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cps, err := checkpoint.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	cl, err := convlog.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return &fixture{
		loop:        NewLoop(client, registry, cps, cl, cfg, testLogger()),
		checkpoints: cps,
		log:         cl,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestProcessCalculatorRound(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		toolCallStep("call-1", "calculator", map[string]any{"expression": "12 * 7"}),
		finalStep("12 * 7 is 84."),
	}}
	f := newFixture(t, client, Config{})

	var out strings.Builder
	err := f.loop.Process(context.Background(), "conv-1", "what is 12 * 7?", func(chunk string) {
		out.WriteString(chunk)
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.String() != "12 * 7 is 84." {
		t.Errorf("streamed %q", out.String())
	}

	// Second reasoning step must have seen the tool result.
	if len(client.seen) != 2 {
		t.Fatalf("expected 2 reasoning steps, got %d", len(client.seen))
	}
	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" {
		t.Fatalf("expected tool result last, got %+v", last)
	}
	if !strings.Contains(last.Content, "84") {
		t.Errorf("tool result missing value: %s", last.Content)
	}

	// Checkpoint holds the full round plus the final answer.
	cp, err := f.checkpoints.Load("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil {
		t.Fatal("no checkpoint written")
	}
	final := cp.History[len(cp.History)-1]
	if final.Role != "assistant" || final.Content != "12 * 7 is 84." {
		t.Errorf("final turn wrong: %+v", final)
	}

	// Conversation log has exactly the user and assistant turns.
	entries, err := f.log.List("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Role != "user" || entries[1].Role != "assistant" {
		t.Errorf("log order wrong: %s then %s", entries[0].Role, entries[1].Role)
	}
}

func TestProcessValidation(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		finalStep("never reached"),
	}}
	f := newFixture(t, client, Config{})

	if err := f.loop.Process(context.Background(), "", "hi", nil); !errors.Is(err, ErrEmptyConversationID) {
		t.Errorf("expected ErrEmptyConversationID, got %v", err)
	}
	if err := f.loop.Process(context.Background(), "conv-1", "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}

	// No state was mutated.
	cp, err := f.checkpoints.Load("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Errorf("rejected input wrote a checkpoint: %+v", cp)
	}
	if client.calls != 0 {
		t.Errorf("rejected input reached the reasoner %d times", client.calls)
	}
}

func TestProcessBusyConversation(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		func(cb llm.StreamCallback) (*llm.ChatResponse, error) {
			close(started)
			<-unblock
			return finalStep("done")(cb)
		},
		finalStep("done"),
	}}
	f := newFixture(t, client, Config{})

	done := make(chan error, 1)
	go func() {
		done <- f.loop.Process(context.Background(), "conv-1", "slow question", nil)
	}()
	<-started

	if err := f.loop.Process(context.Background(), "conv-1", "second question", nil); !errors.Is(err, ErrConversationBusy) {
		t.Errorf("expected ErrConversationBusy, got %v", err)
	}

	// A different conversation is not blocked.
	if err := f.loop.Process(context.Background(), "conv-2", "other question", nil); err != nil {
		t.Errorf("unrelated conversation blocked: %v", err)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Errorf("first Process failed: %v", err)
	}

	// Lease released: the conversation accepts work again.
	if err := f.loop.Process(context.Background(), "conv-1", "third question", nil); err != nil {
		t.Errorf("lease not released: %v", err)
	}
}

func TestProcessCapabilityFailureIsNotFatal(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		toolCallStep("call-1", "no_such_capability", map[string]any{}),
		finalStep("I could not look that up."),
	}}
	f := newFixture(t, client, Config{})

	err := f.loop.Process(context.Background(), "conv-1", "use the mystery tool", nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	second := client.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "error") {
		t.Errorf("expected failure payload handed back as tool turn, got %+v", last)
	}
}

func TestProcessReasonerFailure(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		func(cb llm.StreamCallback) (*llm.ChatResponse, error) {
			return nil, errors.New("upstream unreachable")
		},
	}}
	f := newFixture(t, client, Config{})

	err := f.loop.Process(context.Background(), "conv-1", "hello", nil)
	if err == nil {
		t.Fatal("expected error")
	}

	// The user turn is durable but no assistant turn was logged.
	cp, err := f.checkpoints.Load("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil {
		t.Fatal("expected user turn checkpointed before reasoning")
	}
	if cp.History[len(cp.History)-1].Role != "user" {
		t.Errorf("checkpoint should end on the user turn: %+v", cp.History)
	}
	entries, err := f.log.List("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed execution logged turns: %+v", entries)
	}

	// The next attempt resumes and can succeed.
	client.steps = []func(llm.StreamCallback) (*llm.ChatResponse, error){finalStep("recovered")}
	client.calls = 0
	if err := f.loop.Process(context.Background(), "conv-1", "hello again", nil); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
}

func TestProcessRoundBudgetWithPartialAnswer(t *testing.T) {
	// The model stubbornly requests a tool every round but produced prose
	// alongside one call.
	withProse := func(cb llm.StreamCallback) (*llm.ChatResponse, error) {
		msg := llm.Message{
			Role:    "assistant",
			Content: "Here is what I found so far.",
			ToolCalls: []llm.ToolCall{{
				ID:       "call-x",
				Function: llm.FunctionCall{Name: "calculator", Arguments: map[string]any{"expression": "1+1"}},
			}},
		}
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &msg.ToolCalls[0]})
		}
		return &llm.ChatResponse{Message: msg, Done: true, FinishReason: "tool_calls"}, nil
	}
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){withProse}}
	f := newFixture(t, client, Config{MaxRounds: 3})

	var out strings.Builder
	err := f.loop.Process(context.Background(), "conv-1", "loop forever", func(chunk string) {
		out.WriteString(chunk)
	})
	if err != nil {
		t.Fatalf("expected fallback to partial answer, got %v", err)
	}
	if client.calls != 3 {
		t.Errorf("expected 3 rounds, got %d", client.calls)
	}
	if out.String() != "Here is what I found so far." {
		t.Errorf("streamed %q", out.String())
	}

	entries, err := f.log.List("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].Content != "Here is what I found so far." {
		t.Errorf("partial answer not logged: %+v", entries)
	}
}

func TestProcessRoundBudgetWithoutAnswerFails(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		toolCallStep("call-x", "calculator", map[string]any{"expression": "1+1"}),
	}}
	f := newFixture(t, client, Config{MaxRounds: 2})

	err := f.loop.Process(context.Background(), "conv-1", "loop forever", nil)
	if err == nil {
		t.Fatal("expected failure when no answer exists")
	}
	if client.calls != 2 {
		t.Errorf("expected 2 rounds, got %d", client.calls)
	}

	entries, err := f.log.List("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed execution logged turns: %+v", entries)
	}
}

func TestProcessResumesFromCheckpoint(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		finalStep("first answer"),
		finalStep("second answer"),
	}}
	f := newFixture(t, client, Config{})

	if err := f.loop.Process(context.Background(), "conv-1", "first question", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.loop.Process(context.Background(), "conv-1", "second question", nil); err != nil {
		t.Fatal(err)
	}

	// The second execution reasons over the resumed history.
	second := client.seen[1]
	var sawFirstAnswer bool
	for _, m := range second {
		if m.Role == "assistant" && m.Content == "first answer" {
			sawFirstAnswer = true
		}
	}
	if !sawFirstAnswer {
		t.Errorf("resumed history missing prior answer: %+v", second)
	}
	if second[0].Role != "system" {
		t.Errorf("resumed history lost system prompt: %+v", second[0])
	}
}

func TestProcessTrimsWindow(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		finalStep("ok"),
	}}
	f := newFixture(t, client, Config{WindowTurns: 4})

	for i := 0; i < 6; i++ {
		if err := f.loop.Process(context.Background(), "conv-1", "another question", nil); err != nil {
			t.Fatal(err)
		}
	}

	last := client.seen[len(client.seen)-1]
	if len(last) > 5 { // system + 4 retained
		t.Errorf("window not trimmed: %d messages", len(last))
	}
	if last[0].Role != "system" {
		t.Errorf("trim dropped system prompt: %+v", last[0])
	}
}

func TestProcessToolRoundProseNotStreamed(t *testing.T) {
	// The model talks before deciding to call a tool. None of that prose
	// may reach the caller; only the final answer streams.
	proseThenTool := func(cb llm.StreamCallback) (*llm.ChatResponse, error) {
		msg := llm.Message{
			Role:    "assistant",
			Content: "Let me compute that.",
			ToolCalls: []llm.ToolCall{{
				ID:       "call-1",
				Function: llm.FunctionCall{Name: "calculator", Arguments: map[string]any{"expression": "12 * 7"}},
			}},
		}
		if cb != nil {
			for _, word := range strings.SplitAfter("Let me compute that.", " ") {
				cb(llm.StreamEvent{Kind: llm.KindToken, Token: word})
			}
			cb(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &msg.ToolCalls[0]})
		}
		return &llm.ChatResponse{Message: msg, Done: true, FinishReason: "tool_calls"}, nil
	}
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		proseThenTool,
		finalStep("12 * 7 is 84."),
	}}
	f := newFixture(t, client, Config{})

	var out strings.Builder
	err := f.loop.Process(context.Background(), "conv-1", "what is 12 * 7?", func(chunk string) {
		out.WriteString(chunk)
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if out.String() != "12 * 7 is 84." {
		t.Errorf("streamed %q, tool-round prose leaked", out.String())
	}
}

func TestProcessResumesAfterToolRound(t *testing.T) {
	// A prior execution checkpointed its tool results and died before the
	// next reasoning step. The next Process must reason over exactly that
	// history, with the round intact.
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		finalStep("12 * 7 is 84."),
	}}
	f := newFixture(t, client, Config{})

	seeded := []llm.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "what is 12 * 7?"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{
			ID:       "call-1",
			Function: llm.FunctionCall{Name: "calculator", Arguments: map[string]any{"expression": "12 * 7"}},
		}}},
		{Role: "tool", Content: `{"expression":"12 * 7","result":84}`, ToolCallID: "call-1", ToolName: "calculator"},
	}
	err := f.checkpoints.Save(&checkpoint.Checkpoint{
		ConversationID: "conv-1",
		Step:           3,
		History:        seeded,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.loop.Process(context.Background(), "conv-1", "so what is it?", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	first := client.seen[0]
	if len(first) != len(seeded)+1 {
		t.Fatalf("reasoned over %d messages, want %d: %+v", len(first), len(seeded)+1, first)
	}
	if len(first[2].ToolCalls) != 1 || first[2].ToolCalls[0].ID != "call-1" {
		t.Errorf("tool call lost across restart: %+v", first[2])
	}
	if first[2].ToolCalls[0].Function.Name != "calculator" {
		t.Errorf("tool call name lost: %+v", first[2].ToolCalls[0])
	}
	if first[3].Role != "tool" || first[3].ToolCallID != "call-1" {
		t.Errorf("tool result lost across restart: %+v", first[3])
	}

	var toolTurns int
	for _, m := range first {
		if m.Role == "tool" {
			toolTurns++
		}
	}
	if toolTurns != 1 {
		t.Errorf("tool results duplicated: %d turns", toolTurns)
	}
	if last := first[len(first)-1]; last.Role != "user" || last.Content != "so what is it?" {
		t.Errorf("new user turn missing: %+v", last)
	}
}

func TestProcessMultiCallRoundKeepsRequestOrder(t *testing.T) {
	// Two calls in one round. The first-requested handler finishes last,
	// but its tool turn must still come first.
	logger := testLogger()
	registry := capability.NewRegistry(logger)
	fastDone := make(chan struct{})
	err := registry.Register(&capability.Capability{
		Name:   "slow",
		Schema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		<-fastDone
		return `{"value":"slow"}`, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	err = registry.Register(&capability.Capability{
		Name:   "fast",
		Schema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		close(fastDone)
		return `{"value":"fast"}`, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	multiStep := func(cb llm.StreamCallback) (*llm.ChatResponse, error) {
		msg := llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
			{ID: "call-slow", Function: llm.FunctionCall{Name: "slow", Arguments: map[string]any{}}},
			{ID: "call-fast", Function: llm.FunctionCall{Name: "fast", Arguments: map[string]any{}}},
		}}
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &msg.ToolCalls[0]})
		}
		return &llm.ChatResponse{Message: msg, Done: true, FinishReason: "tool_calls"}, nil
	}
	client := &scriptedClient{steps: []func(llm.StreamCallback) (*llm.ChatResponse, error){
		multiStep,
		finalStep("both done"),
	}}
	f := newFixtureWithRegistry(t, client, Config{}, registry)

	if err := f.loop.Process(context.Background(), "conv-1", "run both", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	second := client.seen[1]
	if len(second) < 2 {
		t.Fatalf("second step history too short: %+v", second)
	}
	a, b := second[len(second)-2], second[len(second)-1]
	if a.Role != "tool" || b.Role != "tool" {
		t.Fatalf("expected two tool turns, got %+v then %+v", a, b)
	}
	if a.ToolCallID != "call-slow" || b.ToolCallID != "call-fast" {
		t.Errorf("tool turns out of request order: %s then %s", a.ToolCallID, b.ToolCallID)
	}
	if !strings.Contains(a.Content, "slow") || !strings.Contains(b.Content, "fast") {
		t.Errorf("results swapped: %q then %q", a.Content, b.Content)
	}
}
