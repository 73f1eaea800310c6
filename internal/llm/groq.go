package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"quill/internal/httpkit"
)

const defaultGroqBaseURL = "https://api.groq.com"

// GroqClient is a client for the Groq OpenAI-compatible chat API.
type GroqClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGroqClient creates a new Groq client. baseURL is optional and
// exists so tests can point the client at a local server.
func NewGroqClient(apiKey, baseURL string, logger *slog.Logger) *GroqClient {
	if baseURL == "" {
		baseURL = defaultGroqBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Model responses can take significant time before sending headers
	// (long prompts, queueing). Use a generous response header timeout
	// and no overall client timeout — streaming responses are long-lived,
	// so timeout control belongs to the caller's context.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &GroqClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With("provider", "groq"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Groq wire types (OpenAI chat completions format).

type groqRequest struct {
	Model       string           `json:"model"`
	Messages    []groqMessage    `json:"messages"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Stream      bool             `json:"stream"`
	Temperature float64          `json:"temperature"`
}

type groqMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []groqToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type groqToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"` // JSON string on the wire
	} `json:"function"`
}

type groqUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type groqResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      groqMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage groqUsage `json:"usage"`
}

type groqStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Delta        groqMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	XGroq *struct {
		Usage groqUsage `json:"usage"`
	} `json:"x_groq,omitempty"`
	Usage *groqUsage `json:"usage,omitempty"`
}

// Chat sends a non-streaming chat completion request.
func (c *GroqClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *GroqClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := groqRequest{
		Model:       model,
		Messages:    convertToGroq(messages),
		Tools:       tools,
		Stream:      stream,
		Temperature: 0.1,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
		"stream", stream,
	)
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/openai/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("groq API error %d: %s", resp.StatusCode, errBody)
	}

	if !stream {
		return c.handleNonStreaming(ctx, resp.Body)
	}
	return c.handleStreaming(ctx, resp.Body, callback)
}

// Ping checks if the Groq API is reachable and the key is accepted.
func (c *GroqClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/openai/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Groq API: %d", resp.StatusCode)
	}
	return nil
}

func (c *GroqClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp groqResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	choice := resp.Choices[0]
	result := &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Unix(resp.Created, 0).UTC(),
		Message:      convertFromGroq(choice.Message),
		Done:         true,
		FinishReason: choice.FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

func (c *GroqClient) handleStreaming(_ context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		partial        = map[int]*partialToolCall{} // keyed by delta index
		finishReason   string
		usage          groqUsage
		model          string
		created        int64
	)

	for scanner.Scan() {
		line := scanner.Text()

		// SSE format: "data: <json>", terminated by "data: [DONE]"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk groqStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Created != 0 {
			created = chunk.Created
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.XGroq != nil {
			usage = chunk.XGroq.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
			}
		}

		// Tool call arguments arrive as JSON string fragments across
		// deltas, grouped by index. Accumulate and parse at the end.
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			p, ok := partial[idx]
			if !ok {
				p = &partialToolCall{}
				partial[idx] = p
				// Announce the call on its first delta so a streaming
				// consumer can stop treating the step as prose before
				// the argument fragments finish arriving. The assembled
				// call is on the final response.
				if callback != nil {
					callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &ToolCall{
						ID:       tc.ID,
						Function: FunctionCall{Name: tc.Function.Name},
					}})
				}
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	toolCalls := assembleToolCalls(partial)

	result := &ChatResponse{
		Model:     model,
		CreatedAt: time.Unix(created, 0).UTC(),
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		FinishReason: finishReason,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: result})
	}

	c.logger.Debug("stream complete",
		"model", result.Model,
		"finish_reason", result.FinishReason,
		"content_len", len(result.Message.Content),
		"tool_calls", len(result.Message.ToolCalls),
	)

	return result, nil
}

// partialToolCall accumulates a tool call streamed across multiple deltas.
type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

// assembleToolCalls converts accumulated partials into ToolCalls in
// delta-index order, which is the order the model requested them.
func assembleToolCalls(partial map[int]*partialToolCall) []ToolCall {
	if len(partial) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(partial))
	for idx := range partial {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(partial))
	for _, idx := range indexes {
		p := partial[idx]
		var args map[string]any
		if raw := p.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		calls = append(calls, ToolCall{
			ID: p.id,
			Function: FunctionCall{
				Name:      p.name,
				Arguments: args,
			},
		})
	}
	return calls
}

// convertToGroq maps provider-neutral messages to the wire format.
// Tool call arguments become JSON strings; tool results carry their
// correlating tool_call_id.
func convertToGroq(messages []Message) []groqMessage {
	out := make([]groqMessage, 0, len(messages))
	for _, m := range messages {
		gm := groqMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.Role == "tool" {
			gm.ToolCallID = m.ToolCallID
			gm.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			argsJSON, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				argsJSON = []byte("{}")
			}
			wire := groqToolCall{
				ID:   tc.ID,
				Type: "function",
			}
			wire.Function.Name = tc.Function.Name
			wire.Function.Arguments = string(argsJSON)
			gm.ToolCalls = append(gm.ToolCalls, wire)
		}
		out = append(out, gm)
	}
	return out
}

// convertFromGroq maps a wire message to the provider-neutral form,
// parsing tool call argument strings into maps.
func convertFromGroq(gm groqMessage) Message {
	m := Message{
		Role:    gm.Role,
		Content: gm.Content,
	}
	for _, tc := range gm.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		m.ToolCalls = append(m.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return m
}
