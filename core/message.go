package core

import "github.com/google/uuid"

// Message is a closed variant over the kinds of entries a conversation can
// hold. Concrete message types implement the unexported isMessage marker,
// keeping the set exhaustive: the single wire materialization in
// WireMessages is the only place that decides which variants the LLM sees.
type Message interface{ isMessage() }

// UserMessage is a turn authored by the end user.
type UserMessage struct {
	Content string
}

func (UserMessage) isMessage() {}

// SystemMessage carries the system prompt. WireMessages always moves it to
// the front of the materialized list.
type SystemMessage struct {
	Content string
}

func (SystemMessage) isMessage() {}

// AssistantMessage is a turn produced by the LLM backend. It may carry plain
// content, reasoning text, pending tool calls, or any combination.
type AssistantMessage struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
}

func (AssistantMessage) isMessage() {}

// ToolResultMessage carries the outcome of a single tool call back to the
// LLM. CallID must reference a ToolCall declared by a preceding
// AssistantMessage; ValidateToolCallIntegrity enforces this.
type ToolResultMessage struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

func (ToolResultMessage) isMessage() {}

// NotificationMessage records asynchronous server chatter (progress, list
// changes) in the conversation. It is materialized as synthesized context so
// the LLM can react to it.
type NotificationMessage struct {
	ServerID string
	Method   string
	Body     string
}

func (NotificationMessage) isMessage() {}

// LocalMessage is a UI-only entry (status lines, approval banners). It is
// never included in the materialized wire history.
type LocalMessage struct {
	Content string
}

func (LocalMessage) isMessage() {}

// ToolCall is a pending tool invocation declared by an assistant message.
// Arguments is the raw JSON argument payload as produced by the backend.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewID generates a unique identifier for runs, calls and conversations.
func NewID() string { return uuid.NewString() }
