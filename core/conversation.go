package core

import "fmt"

// Conversation is an ordered message history bound to a model identifier and
// a set of enabled tool servers. It is mutated by appending messages; the
// loop controller additionally rewrites the trailing assistant message while
// streaming, and nothing else is ever edited in place.
type Conversation struct {
	ID        string
	Model     string
	ServerIDs []string
	Messages  []Message
}

// NewConversation creates an empty conversation for the given model.
func NewConversation(model string, serverIDs ...string) *Conversation {
	return &Conversation{ID: NewID(), Model: model, ServerIDs: serverIDs}
}

// Append adds a message to the end of the history.
func (c *Conversation) Append(msg Message) { c.Messages = append(c.Messages, msg) }

// WireMessages materializes the LLM-facing message list. The system prompt
// comes first, LocalMessage variants are dropped, and NotificationMessage
// variants are rewritten as synthesized user context. This is the single
// place that decides LLM visibility per variant.
func WireMessages(systemPrompt string, msgs []Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, SystemMessage{Content: systemPrompt})
	}
	for _, m := range msgs {
		switch v := m.(type) {
		case LocalMessage:
			continue
		case SystemMessage:
			// The caller-supplied prompt wins; embedded system messages are
			// hoisted only when no prompt was given.
			if systemPrompt == "" {
				out = append(out, v)
			}
		case NotificationMessage:
			out = append(out, UserMessage{
				Content: fmt.Sprintf("[server %s] %s: %s", v.ServerID, v.Method, v.Body),
			})
		default:
			out = append(out, m)
		}
	}
	return out
}

// ValidateToolCallIntegrity checks that every ToolResultMessage references a
// tool call id declared by a preceding AssistantMessage. A violation is a
// construction bug in the caller, not a runtime state, so the error should
// be treated as fatal.
func ValidateToolCallIntegrity(msgs []Message) error {
	declared := make(map[string]bool)
	for i, m := range msgs {
		switch v := m.(type) {
		case AssistantMessage:
			for _, tc := range v.ToolCalls {
				declared[tc.ID] = true
			}
		case ToolResultMessage:
			if !declared[v.CallID] {
				return fmt.Errorf("message %d: tool result references undeclared call id %q", i, v.CallID)
			}
		}
	}
	return nil
}
