package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/warden/pkg/models"
)

// LLMProvider is the interface for model backends.
//
// Implementations handle the specifics of one API (Anthropic, OpenAI)
// while presenting a unified streaming surface to the run loop.
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Complete sends a request and returns a streaming response. The
	// channel closes when the stream ends; a chunk with Error set
	// terminates the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for one model call.
type CompletionRequest struct {
	// Model is the API identifier. Empty uses the provider default.
	Model string `json:"model"`

	// System sets the assistant's behavior. Handled separately from
	// messages by most APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may request. Empty disables tool calling.
	Tools []ToolDef `json:"tools,omitempty"`

	// MaxTokens bounds the response length. Zero uses the provider
	// default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one conversation entry in provider-neutral form.
// Role values: "user", "assistant", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// ToolDef describes one callable tool to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CompletionChunk is one streamed piece of a model response. Exactly
// one of Text, ToolCall, Done, or Error is meaningful per chunk; token
// counts arrive on the Done chunk.
type CompletionChunk struct {
	// Text is partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// InputTokens and OutputTokens are populated on the Done chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
