package mcp

import (
	"encoding/json"
	"strings"
)

const (
	jsonRPCVersion  = "2.0"
	protocolVersion = "2025-06-18"

	// sessionHeader carries the opaque protocol session id issued by the
	// server on initialize and echoed on every subsequent request.
	sessionHeader = "Mcp-Session-Id"
)

// Method names of the protocol surface this client speaks.
const (
	methodInitialize            = "initialize"
	methodToolsList             = "tools/list"
	methodToolsCall             = "tools/call"
	methodSamplingCreateMessage = "sampling/createMessage"
	methodElicitationCreate     = "elicitation/create"

	methodNotificationsInitialized      = "notifications/initialized"
	methodNotificationsProgress         = "notifications/progress"
	methodNotificationsToolsListChanged = "notifications/tools/list_changed"
)

// JSON-RPC error codes, standard plus the protocol extensions this client
// reacts to.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	// codeSessionNotFound means the server no longer recognizes the session
	// id; the client re-initializes once and retries the original call.
	codeSessionNotFound = -32001

	// codeElicitationRequired means the call cannot proceed without user
	// input; surfaced as core.ElicitationRequiredError.
	codeElicitationRequired = -32042
)

// rpcMessage is the single wire envelope for requests, responses and
// notifications. Which one it is follows from which fields are set: a method
// with an id is a request, a method without an id is a notification, and no
// method means a response.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Implementation names a protocol party in the initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type clientCapabilities struct {
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

type serverCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
	Sampling *struct{} `json:"sampling,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    clientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool describes one callable tool as advertised by the server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is one piece of tool or sampling content. Only text blocks are
// interpreted; other types pass through untouched.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a tools/call invocation.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text flattens the result's text blocks into one string.
func (r *ToolResult) Text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Stop reasons a sampling result reports back to the requesting server.
const (
	StopReasonEndTurn   = "endTurn"
	StopReasonMaxTokens = "maxTokens"
	StopReasonToolUse   = "toolUse"
)

// SamplingMessage is one conversation turn inside a sampling request.
type SamplingMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// ModelHint names a model (or model family) the server would prefer.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// ModelPreferences carries the server's soft model-selection wishes.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         float64     `json:"costPriority,omitempty"`
	SpeedPriority        float64     `json:"speedPriority,omitempty"`
	IntelligencePriority float64     `json:"intelligencePriority,omitempty"`
}

// CreateMessageRequest is a server-initiated sampling request: the server
// asks the client to run an LLM completion on its behalf.
type CreateMessageRequest struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	MaxTokens        int64             `json:"maxTokens,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
}

// CreateMessageResult answers a sampling request.
type CreateMessageResult struct {
	Role       string       `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model,omitempty"`
	StopReason string       `json:"stopReason,omitempty"`
}

// Elicitation actions.
const (
	ElicitAccept  = "accept"
	ElicitDecline = "decline"
	ElicitCancel  = "cancel"
)

// ElicitRequest is a server-initiated request for structured user input.
type ElicitRequest struct {
	Message         string         `json:"message"`
	RequestedSchema map[string]any `json:"requestedSchema,omitempty"`
}

// ElicitResult answers an elicitation request. Content is only present when
// Action is accept.
type ElicitResult struct {
	Action  string         `json:"action"`
	Content map[string]any `json:"content,omitempty"`
}
