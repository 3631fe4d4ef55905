package core

import "fmt"

// TransportError wraps a network-level failure (connection reset, timeout).
// The protocol client retries a transport failure at most once per call
// before surfacing it. Timeout distinguishes deadline expiry from other
// transport faults so callers can decide between retrying and synthesizing a
// failed tool result.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected JSON-RPC exchange. Never
// retried blindly.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: protocol error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: protocol error: %s", e.Method, e.Message)
}

// AuthRequiredError reports a 401-class response. The owning server's calls
// halt until the caller completes (re-)authorization; the client never
// retries on its own.
type AuthRequiredError struct {
	ServerID string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("server %s requires authorization", e.ServerID)
}

// SessionLostError reports that the server no longer recognizes the session
// identifier. The client handles it internally with a single re-initialize;
// it escalates to ProtocolError only when the re-initialize also fails.
type SessionLostError struct {
	ServerID  string
	SessionID string
}

func (e *SessionLostError) Error() string {
	return fmt.Sprintf("server %s lost session %s", e.ServerID, e.SessionID)
}

// ElicitationRequiredError is a control-flow signal, not a failure: the
// server needs user input before the call can succeed. The orchestrator runs
// an elicitation round and retries the same call.
type ElicitationRequiredError struct {
	ServerID string
	ToolName string
}

func (e *ElicitationRequiredError) Error() string {
	return fmt.Sprintf("tool %s on server %s requires elicitation", e.ToolName, e.ServerID)
}

// UserRejectedError reports that the user declined a sampling or elicitation
// request. It propagates to the server as a negative result and is never
// treated as fatal.
type UserRejectedError struct {
	Reason string
}

func (e *UserRejectedError) Error() string {
	if e.Reason == "" {
		return "rejected by user"
	}
	return "rejected by user: " + e.Reason
}
