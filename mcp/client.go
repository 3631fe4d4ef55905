package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
)

// ConnState is the connection lifecycle of a Client.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateInitializing
	StateReady
	// StateDegradedNeedsAuth means the server answered 401; all calls halt
	// until the caller completes authorization and reconnects.
	StateDegradedNeedsAuth
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegradedNeedsAuth:
		return "degraded_needs_auth"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TokenSource supplies a bearer token for a server. auth.Manager satisfies
// it; a nil source means the server is called unauthenticated.
type TokenSource interface {
	Token(ctx context.Context, serverID string) (string, error)
}

// SamplingHandler answers a server-initiated sampling request. It blocks
// until the approval layer resolves the request.
type SamplingHandler func(ctx context.Context, req *CreateMessageRequest) (*CreateMessageResult, error)

// ElicitationHandler answers a server-initiated elicitation request.
type ElicitationHandler func(ctx context.Context, req *ElicitRequest) (*ElicitResult, error)

// Notification is one piece of server chatter delivered in stream order.
type Notification struct {
	ServerID string
	Method   string
	Params   json.RawMessage
}

// NotificationHandler receives notifications FIFO per connection. It runs on
// the stream goroutine and must not block.
type NotificationHandler func(n Notification)

// errUnsupportedMethod marks inbound requests the client cannot serve; the
// server gets a method-not-found response instead of an internal error.
var errUnsupportedMethod = errors.New("unsupported server request")

// Options configure a Client.
type Options struct {
	HTTPClient     *http.Client
	Logger         logging.Logger
	Tokens         TokenSource
	Sessions       core.SessionStore
	CallTimeout    time.Duration
	ClientInfo     Implementation
	OnSampling     SamplingHandler
	OnElicitation  ElicitationHandler
	OnNotification NotificationHandler
}

// Client speaks the tool protocol with one server on behalf of one
// conversation. Tool traffic is serialized per client; the only concurrency
// inside a client is the background stream and in-flight inbound requests.
type Client struct {
	server         core.ToolServer
	conversationID string

	httpClient  *http.Client
	logger      logging.Logger
	tokens      TokenSource
	sessions    core.SessionStore
	callTimeout time.Duration
	clientInfo  Implementation

	onSampling     SamplingHandler
	onElicitation  ElicitationHandler
	onNotification NotificationHandler

	nextID atomic.Int64

	callMu sync.Mutex // serializes outbound tool traffic

	mu        sync.Mutex
	state     ConnState
	sessionID string
	tools     []Tool
	inbound   map[string]*pendingReply

	streamCancel context.CancelFunc
}

// NewClient builds a Client for the given server and conversation.
func NewClient(server core.ToolServer, conversationID string, optFns ...func(o *Options)) *Client {
	opts := Options{
		HTTPClient:  http.DefaultClient,
		Logger:      logging.NoOpLogger{},
		CallTimeout: 30 * time.Second,
		ClientInfo:  Implementation{Name: "toolmesh", Version: "0.1.0"},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Client{
		server:         server,
		conversationID: conversationID,
		httpClient:     opts.HTTPClient,
		logger:         opts.Logger,
		tokens:         opts.Tokens,
		sessions:       opts.Sessions,
		callTimeout:    opts.CallTimeout,
		clientInfo:     opts.ClientInfo,
		onSampling:     opts.OnSampling,
		onElicitation:  opts.OnElicitation,
		onNotification: opts.OnNotification,
		inbound:        make(map[string]*pendingReply),
	}
}

// ServerID returns the id of the server this client talks to.
func (c *Client) ServerID() string { return c.server.ID }

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the current protocol session id, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Tools returns the cached tool list from the last fetch.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Connect performs the initialize handshake, sends notifications/initialized,
// fetches the tool list and starts the background notification stream. A
// persisted session id is offered as a resumption hint; when the server
// rejects it the handshake is repeated once without it.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateInitializing)

	if c.sessions != nil {
		if sid, err := c.sessions.LoadSession(ctx, c.conversationID, c.server.ID); err == nil && sid != "" {
			c.mu.Lock()
			c.sessionID = sid
			c.mu.Unlock()
		}
	}

	err := c.initialize(ctx)
	var lost *core.SessionLostError
	if errors.As(err, &lost) {
		c.clearSession()
		err = c.initialize(ctx)
	}
	if err != nil {
		var authErr *core.AuthRequiredError
		if !errors.As(err, &authErr) {
			c.setState(StateDisconnected)
		}
		return err
	}

	c.setState(StateReady)
	c.startStream()

	return nil
}

// startStream replaces the background notification stream. The previous
// stream, if any, is cancelled first: it carries the prior session id and a
// server that rotated the session would never speak on it again.
func (c *Client) startStream() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.streamCancel = cancel
	c.mu.Unlock()

	go c.runStream(ctx)
}

// Close tears the client down. It does not notify the server.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.streamCancel
	c.streamCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
}

// initialize runs the handshake and the post-handshake sequence: persist the
// captured session id, announce readiness, fetch the tool list.
func (c *Client) initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities: clientCapabilities{
			Sampling:    &struct{}{},
			Elicitation: &struct{}{},
		},
		ClientInfo: c.clientInfo,
	}

	raw, err := c.call(ctx, methodInitialize, params)
	if err != nil {
		return err
	}

	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &core.ProtocolError{Method: methodInitialize, Message: "malformed initialize result: " + err.Error()}
	}

	if sid := c.SessionID(); sid != "" && c.sessions != nil {
		if err := c.sessions.SaveSession(ctx, c.conversationID, c.server.ID, sid); err != nil {
			c.logger.Warn("mcp.session.persist.failed", "server", c.server.ID, "error", err.Error())
		}
	}

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return err
	}
	if _, err := c.ListTools(ctx); err != nil {
		return err
	}

	c.logger.Info("mcp.connected", "server", c.server.ID, "protocol", res.ProtocolVersion, "name", res.ServerInfo.Name)
	return nil
}

// ListTools fetches the complete tool list, following pagination, and
// replaces the cached copy.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	cursor := ""
	for {
		raw, err := c.call(ctx, methodToolsList, listToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		var res listToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, &core.ProtocolError{Method: methodToolsList, Message: "malformed tool list: " + err.Error()}
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.mu.Unlock()
	return all, nil
}

// CallTool invokes one tool, bounded by the per-call timeout. A lost session
// triggers exactly one re-initialize (which also refreshes the tool list)
// followed by one retry of the original call; a second loss escalates to
// ProtocolError. An elicitation-required error code surfaces as
// core.ElicitationRequiredError so the caller can gather input and retry.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	res, err := c.callToolOnce(ctx, name, args)

	var lost *core.SessionLostError
	if errors.As(err, &lost) {
		c.logger.Info("mcp.session.lost", "server", c.server.ID, "session", lost.SessionID)
		if rerr := c.reconnect(ctx); rerr != nil {
			return nil, &core.ProtocolError{
				Method:  methodToolsCall,
				Message: fmt.Sprintf("session lost and re-initialize failed: %v", rerr),
			}
		}
		res, err = c.callToolOnce(ctx, name, args)
		if errors.As(err, &lost) {
			return nil, &core.ProtocolError{
				Method:  methodToolsCall,
				Message: "session lost again after re-initialize",
			}
		}
	}

	return res, c.mapCallError(name, err)
}

func (c *Client) callToolOnce(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.call(ctx, methodToolsCall, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &core.ProtocolError{Method: methodToolsCall, Message: "malformed tool result: " + err.Error()}
	}
	return &res, nil
}

func (c *Client) mapCallError(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *core.ProtocolError
	if errors.As(err, &pe) && pe.Code == codeElicitationRequired {
		return &core.ElicitationRequiredError{ServerID: c.server.ID, ToolName: name}
	}
	return err
}

// reconnect re-initializes after a lost session. The stale id stays on the
// wire as a resumption hint; when the server rejects the handshake itself the
// hint is dropped and the handshake repeated once.
func (c *Client) reconnect(ctx context.Context) error {
	c.setState(StateReconnecting)

	err := c.initialize(ctx)
	var lost *core.SessionLostError
	if errors.As(err, &lost) {
		c.clearSession()
		err = c.initialize(ctx)
	}
	if err != nil {
		var authErr *core.AuthRequiredError
		if !errors.As(err, &authErr) {
			c.setState(StateDisconnected)
		}
		return err
	}

	c.setState(StateReady)
	c.startStream()
	return nil
}

// call sends one request and returns its result. Non-timeout transport
// failures get a single retry; timeouts surface immediately so the caller
// decides between retrying and synthesizing a failed result.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	res, err := c.roundTrip(ctx, method, params)
	var te *core.TransportError
	if errors.As(err, &te) && !te.Timeout {
		c.logger.Debug("mcp.retry", "server", c.server.ID, "method", method, "error", te.Error())
		res, err = c.roundTrip(ctx, method, params)
	}
	return res, err
}

func (c *Client) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg := rpcMessage{
		JSONRPC: jsonRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}

	resp, err := c.post(ctx, method, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, method); err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var reply rpcMessage
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return nil, &core.ProtocolError{Method: method, Message: "malformed response: " + err.Error()}
		}
		return c.finishReply(method, &reply)
	case strings.HasPrefix(contentType, "text/event-stream"):
		return c.readEventBody(ctx, method, msg.ID, resp)
	default:
		return nil, &core.ProtocolError{Method: method, Message: "unexpected content type " + contentType}
	}
}

// readEventBody consumes a streamed POST response. Notifications and server
// requests interleaved before the response are dispatched in arrival order;
// the matching response ends the read.
func (c *Client) readEventBody(ctx context.Context, method string, id json.RawMessage, resp *http.Response) (json.RawMessage, error) {
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			timedOut := isTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded)
			return nil, &core.TransportError{Op: method, Timeout: timedOut, Err: err}
		}
		if ev.Data == "" {
			continue
		}
		var reply rpcMessage
		if err := json.Unmarshal([]byte(ev.Data), &reply); err != nil {
			c.logger.Warn("mcp.stream.malformed", "server", c.server.ID, "error", err.Error())
			continue
		}
		if reply.Method == "" && string(reply.ID) == string(id) {
			return c.finishReply(method, &reply)
		}
		c.dispatch(ctx, &reply)
	}
	return nil, &core.ProtocolError{Method: method, Message: "stream ended without a response"}
}

func (c *Client) finishReply(method string, reply *rpcMessage) (json.RawMessage, error) {
	if reply.Error != nil {
		if reply.Error.Code == codeSessionNotFound {
			return nil, &core.SessionLostError{ServerID: c.server.ID, SessionID: c.SessionID()}
		}
		return nil, &core.ProtocolError{Method: method, Code: reply.Error.Code, Message: reply.Error.Message}
	}
	return reply.Result, nil
}

// notify sends a one-way notification.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg := rpcMessage{JSONRPC: jsonRPCVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}

	resp, err := c.post(ctx, method, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, method)
}

// post sends one JSON-RPC message, injecting static headers, the session
// header and the bearer token. Network failures come back as TransportError.
func (c *Client) post(ctx context.Context, op string, msg rpcMessage) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := c.setAuthHeaders(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &core.TransportError{Op: op, Timeout: isTimeout(err), Err: err}
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	return resp, nil
}

func (c *Client) setAuthHeaders(ctx context.Context, req *http.Request) error {
	for k, v := range c.server.Headers {
		req.Header.Set(k, v)
	}
	if sid := c.SessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx, c.server.ID)
		if err != nil {
			var authErr *core.AuthRequiredError
			if errors.As(err, &authErr) {
				c.setState(StateDegradedNeedsAuth)
			}
			return err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return nil
}

func (c *Client) checkStatus(resp *http.Response, method string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.setState(StateDegradedNeedsAuth)
		return &core.AuthRequiredError{ServerID: c.server.ID}
	case resp.StatusCode == http.StatusNotFound && c.SessionID() != "":
		return &core.SessionLostError{ServerID: c.server.ID, SessionID: c.SessionID()}
	case resp.StatusCode >= 400:
		return &core.ProtocolError{Method: method, Message: "unexpected HTTP status " + resp.Status}
	}
	return nil
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
