// Package agent implements the conversation orchestration loop.
//
// One Process call drives a single reason/act cycle to completion: load the
// conversation's checkpoint, append the user turn, alternate between
// reasoning steps and capability dispatch until the model produces a final
// answer, and stream that answer to the caller while persisting every
// transition.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"quill/internal/capability"
	"quill/internal/checkpoint"
	"quill/internal/convlog"
	"quill/internal/llm"
	"quill/internal/window"
)

// Input validation errors, surfaced before any state mutation.
var (
	ErrEmptyMessage        = errors.New("empty message")
	ErrEmptyConversationID = errors.New("empty conversation id")
)

// State names one phase of a loop execution.
type State string

const (
	StateAwaitingReasoning         State = "awaiting_reasoning"
	StateAwaitingCapabilityResults State = "awaiting_capability_results"
	StateStreamingFinal            State = "streaming_final"
	StateDone                      State = "done"
	StateFailed                    State = "failed"
)

// DefaultSystemPrompt is used when the config does not provide one.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when a question " +
	"needs live data or computation, and answer directly otherwise. Be concise."

// Config tunes a Loop.
type Config struct {
	Model        string
	SystemPrompt string
	MaxRounds    int // reasoning/capability round-trips per user message
	WindowTurns  int // non-system messages retained per reasoning step
}

// Loop is the orchestration engine. All collaborators are injected.
type Loop struct {
	client      llm.Client
	registry    *capability.Registry
	checkpoints *checkpoint.Store
	log         *convlog.Store
	locker      *Locker
	logger      *slog.Logger

	model        string
	systemPrompt string
	maxRounds    int
	windowTurns  int
}

// NewLoop creates an orchestration loop.
func NewLoop(client llm.Client, registry *capability.Registry, checkpoints *checkpoint.Store, log *convlog.Store, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 8
	}
	if cfg.WindowTurns <= 0 {
		cfg.WindowTurns = window.DefaultKeep
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Loop{
		client:       client,
		registry:     registry,
		checkpoints:  checkpoints,
		log:          log,
		locker:       NewLocker(),
		logger:       logger,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxRounds:    cfg.MaxRounds,
		windowTurns:  cfg.WindowTurns,
	}
}

// Process runs one loop execution for a conversation. Final-answer text is
// delivered to emit in chunks once the reasoning step that produced it
// completes; tool-call rounds emit nothing, even when the model spoke prose
// alongside its calls. emit may be nil when the caller does not want the
// stream.
//
// Persistence does not depend on delivery: once the model has produced a
// final answer, the checkpoint and conversation log are written even if the
// caller has disconnected.
func (l *Loop) Process(ctx context.Context, conversationID, text string, emit func(chunk string)) error {
	if conversationID == "" {
		return ErrEmptyConversationID
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if emit == nil {
		emit = func(string) {}
	}

	release, err := l.locker.TryAcquire(conversationID)
	if err != nil {
		return err
	}
	defer release()

	state := StateAwaitingReasoning
	logger := l.logger.With("conversation", conversationID)

	cp, err := l.checkpoints.Load(conversationID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{
			ConversationID: conversationID,
			History:        []llm.Message{{Role: "system", Content: l.systemPrompt}},
		}
		logger.Debug("new conversation")
	} else {
		logger.Debug("resumed conversation", "step", cp.Step, "history", len(cp.History))
	}

	cp.History = append(cp.History, llm.Message{Role: "user", Content: text})
	if err := l.save(cp); err != nil {
		return err
	}

	var bestAnswer string

	for round := 0; round < l.maxRounds; round++ {
		cp.History = window.Trim(cp.History, l.windowTurns)

		gate := newStreamGate(emit)
		logger.Debug("reasoning", "state", state, "round", round, "window", len(cp.History))

		resp, err := l.client.ChatStream(ctx, l.model, cp.History, l.registry.Definitions(), gate.callback)
		if err != nil {
			state = StateFailed
			logger.Error("reasoner failed", "state", state, "round", round, "error", err)
			return fmt.Errorf("reasoner: %w", err)
		}

		if len(resp.Message.ToolCalls) > 0 {
			state = StateAwaitingCapabilityResults
			cp.History = append(cp.History, resp.Message)
			if err := l.save(cp); err != nil {
				return err
			}

			results := l.dispatch(ctx, resp.Message.ToolCalls)
			for _, r := range results {
				cp.History = append(cp.History, llm.Message{
					Role:       "tool",
					Content:    r.Content,
					ToolCallID: r.CallID,
					ToolName:   r.Name,
				})
			}
			if err := l.save(cp); err != nil {
				return err
			}

			if resp.Message.Content != "" && len(resp.Message.Content) > len(bestAnswer) {
				bestAnswer = resp.Message.Content
			}
			state = StateAwaitingReasoning
			continue
		}

		state = StateStreamingFinal
		logger.Debug("final answer", "state", state, "round", round)
		gate.finish()
		return l.complete(cp, text, resp.Message.Content, logger)
	}

	// Round budget exhausted. Fall back to the best partial answer the
	// model produced along the way, if any.
	if bestAnswer == "" {
		logger.Error("round budget exhausted with no answer", "rounds", l.maxRounds)
		return fmt.Errorf("no answer after %d rounds", l.maxRounds)
	}
	logger.Warn("round budget exhausted, using partial answer", "rounds", l.maxRounds)
	emit(bestAnswer)
	return l.complete(cp, text, bestAnswer, logger)
}

// complete persists the final answer and closes the execution as done.
func (l *Loop) complete(cp *checkpoint.Checkpoint, userText, answer string, logger *slog.Logger) error {
	cp.History = append(cp.History, llm.Message{Role: "assistant", Content: answer})
	if err := l.save(cp); err != nil {
		return err
	}

	if err := l.log.Append(cp.ConversationID, "user", userText); err != nil {
		return fmt.Errorf("log user turn: %w", err)
	}
	if err := l.log.Append(cp.ConversationID, "assistant", answer); err != nil {
		return fmt.Errorf("log assistant turn: %w", err)
	}

	logger.Info("loop completed", "state", StateDone, "step", cp.Step, "answer_len", len(answer))
	return nil
}

// save advances the checkpoint one step. A stale-write rejection means
// another writer advanced the conversation despite the lease; treat it as
// fatal rather than overwriting.
func (l *Loop) save(cp *checkpoint.Checkpoint) error {
	cp.Step++
	if err := l.checkpoints.Save(cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// dispatch runs one round of capability calls concurrently. Results come
// back in request order regardless of completion order, so the history the
// model sees is reproducible.
func (l *Loop) dispatch(ctx context.Context, calls []llm.ToolCall) []capability.Result {
	results := make([]capability.Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = l.registry.Dispatch(gctx, call.ID, call.Function.Name, call.Function.Arguments)
			return nil
		})
	}
	_ = g.Wait() // Dispatch never errors; failures are result payloads

	return results
}
