package model

import (
	"context"

	"github.com/hupe1980/toolmesh/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// InputSchema is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request captures the normalized model input produced by the loop
// controller. Messages must already be wire-materialized (no local-only
// variants); the system prompt travels separately so adapters can place it
// per vendor convention.
type Request struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []core.Message   `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int64            `json:"max_tokens,omitempty"`
	Stream    bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Finish reasons normalized across vendors.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Response is a (partial or final) chunk emitted by a streaming model.
// Partial chunks carry exactly one of ContentDelta or ReasoningDelta; the
// final chunk carries the accumulated content, reasoning and tool calls plus
// the vendor-normalized finish reason.
type Response struct {
	Partial        bool            `json:"partial"`
	ContentDelta   string          `json:"content_delta,omitempty"`
	ReasoningDelta string          `json:"reasoning_delta,omitempty"`
	Content        string          `json:"content,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	ToolCalls      []core.ToolCall `json:"tool_calls,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
	Usage          *TokenUsage     `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required to drive generation. Generate
// returns a response channel and an error channel; both are closed when the
// exchange settles. Implementations must honor ctx cancellation at every
// suspension point.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}
