package core

import "time"

// Event is the closed vocabulary the loop controller and the sampling
// processor use to report state changes. Consumers (UI, logger, test
// harness) subscribe to the run's event channel and must not send. Concrete
// event types implement the unexported isEvent marker so a switch over the
// set stays exhaustive.
type Event interface{ isEvent() }

// RunStarted opens a run's event stream.
type RunStarted struct {
	RunID          string
	ConversationID string
}

func (RunStarted) isEvent() {}

// ContentDelta carries an incremental chunk of assistant content.
type ContentDelta struct {
	RunID string
	Text  string
}

func (ContentDelta) isEvent() {}

// ReasoningDelta carries an incremental chunk of assistant reasoning text.
type ReasoningDelta struct {
	RunID string
	Text  string
}

func (ReasoningDelta) isEvent() {}

// MessageFinalized signals that a message has been appended to the
// conversation in its final form. For assistant messages this closes the
// streaming deltas that preceded it.
type MessageFinalized struct {
	RunID   string
	Message Message
}

func (MessageFinalized) isEvent() {}

// ToolCallStarted signals dispatch of one tool call to its owning server.
type ToolCallStarted struct {
	RunID    string
	ServerID string
	Call     ToolCall
}

func (ToolCallStarted) isEvent() {}

// ToolCallFinished signals completion (or failure) of a dispatched call.
type ToolCallFinished struct {
	RunID    string
	ServerID string
	CallID   string
	Name     string
	Result   string
	IsError  bool
	Duration time.Duration
}

func (ToolCallFinished) isEvent() {}

// NotificationFlushed delivers buffered server chatter after the iteration
// that buffered it has finalized its message.
type NotificationFlushed struct {
	ServerID string
	Method   string
	Body     string
}

func (NotificationFlushed) isEvent() {}

// SamplingRequestPending signals that a server-initiated sampling request is
// waiting for human approval.
type SamplingRequestPending struct {
	ServerID  string
	RequestID string
}

func (SamplingRequestPending) isEvent() {}

// ElicitationRequestPending signals that a server-initiated elicitation
// request is waiting for user input.
type ElicitationRequestPending struct {
	ServerID  string
	RequestID string
}

func (ElicitationRequestPending) isEvent() {}

// RunComplete is the normal terminal event.
type RunComplete struct {
	RunID      string
	Iterations int
}

func (RunComplete) isEvent() {}

// RunMaxIterations is the terminal event emitted when the configured
// iteration cap is reached. Distinct from RunComplete so a caller can decide
// to continue beyond the cap.
type RunMaxIterations struct {
	RunID      string
	Iterations int
}

func (RunMaxIterations) isEvent() {}

// RunCancelled is the terminal event for an externally cancelled run. Any
// partial assistant content was finalized before this is emitted.
type RunCancelled struct {
	RunID string
}

func (RunCancelled) isEvent() {}

// RunError is the terminal event for an unrecoverable run failure.
type RunError struct {
	RunID string
	Err   error
}

func (RunError) isEvent() {}

// AuthRequired signals that a server rejected a call with a 401-class
// response and needs (re-)authorization before further use.
type AuthRequired struct {
	ServerID string
}

func (AuthRequired) isEvent() {}
