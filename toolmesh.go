// Package toolmesh provides a high-level façade over the orchestration
// engine: the agentic loop, the tool protocol clients, the OAuth token
// lifecycle and the sampling processor. Most applications interact with this
// package by:
//  1. Creating a Mesh via New() with a backend model (optionally overriding
//     the default in-memory stores)
//  2. Registering one or more tool servers
//  3. Running conversations asynchronously (Run) or synchronously (RunSync)
//
// All defaults are safe for local development and testing; production
// deployments typically supply the SQLite stores and a structured logger.
package toolmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/auth"
	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/loop"
	"github.com/hupe1980/toolmesh/mcp"
	"github.com/hupe1980/toolmesh/model"
	"github.com/hupe1980/toolmesh/sampling"
	"github.com/hupe1980/toolmesh/session"
)

// Options configures the Mesh instance.
type Options struct {
	// SystemPrompt is prepended to every materialized wire history.
	SystemPrompt string

	// MaxIterations caps completion/tool rounds per run.
	MaxIterations int

	// CallTimeout bounds each tools/call round trip.
	CallTimeout time.Duration

	// Stores (default to a shared in-memory implementation if not provided).
	SessionStore core.SessionStore
	TokenStore   core.TokenStore

	// ApproveSampling reviews server-initiated sampling requests. Without it
	// every sampling request is rejected.
	ApproveSampling sampling.ApproveFunc

	// HandleElicitation answers server-initiated elicitation requests.
	// Without it elicitation requests are refused.
	HandleElicitation mcp.ElicitationHandler

	// Elicit gathers input when a tool call comes back elicitation-required,
	// after which the call is retried once.
	Elicit loop.ElicitFunc

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Mesh is the high-level façade aggregating the loop controller, the
// protocol clients, the token lifecycle manager and the sampling processor.
type Mesh struct {
	opts    Options
	model   model.Model
	auth    *auth.Manager
	sampler *sampling.Processor

	mu      sync.Mutex
	servers []core.ToolServer
	convs   map[string]*convState
}

// convState binds one conversation to its runner, protocol clients and tool
// routing. The runner outlives individual runs; clients are connected once
// and reused.
type convState struct {
	mu      sync.Mutex
	runner  *loop.Runner
	clients []*mcp.Client
	toolset *loop.Toolset
}

func (s *convState) handleNotification(n mcp.Notification) {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner != nil {
		runner.HandleNotification(n)
	}
}

// emit forwards an event into the conversation's active run, if any.
func (s *convState) emit(ev core.Event) {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner != nil {
		runner.Emit(ev)
	}
}

// Definitions and Execute make convState the sampling processor's tool
// surface, delegating to the same routing the run loop uses. Until the
// clients finish connecting there are no tools to offer.
func (s *convState) Definitions() []model.ToolDefinition {
	s.mu.Lock()
	toolset := s.toolset
	s.mu.Unlock()
	if toolset == nil {
		return nil
	}
	return toolset.Definitions()
}

func (s *convState) Execute(ctx context.Context, call core.ToolCall) (core.ToolResultMessage, error) {
	s.mu.Lock()
	toolset := s.toolset
	s.mu.Unlock()
	if toolset == nil {
		return core.ToolResultMessage{
			CallID:  call.ID,
			Name:    call.Name,
			Content: "no tool servers connected",
			IsError: true,
		}, nil
	}
	return toolset.Execute(ctx, call)
}

// New creates a Mesh around the given backend model. Any unset store is
// initialized with a shared in-memory implementation.
func New(m model.Model, optFns ...func(o *Options)) *Mesh {
	mem := session.NewInMemoryStore()
	opts := Options{
		MaxIterations: 10,
		CallTimeout:   30 * time.Second,
		SessionStore:  mem,
		TokenStore:    mem,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	mesh := &Mesh{
		opts:  opts,
		model: m,
		convs: make(map[string]*convState),
	}
	mesh.auth = auth.NewManager(opts.TokenStore, func(o *auth.ManagerOptions) {
		o.Logger = opts.Logger
	})
	mesh.sampler = sampling.NewProcessor(m, func(o *sampling.Options) {
		o.Logger = opts.Logger
		o.Approve = opts.ApproveSampling
	})
	return mesh
}

// RegisterServer adds a tool server. Registration order is the tie-break for
// duplicate tool names across servers.
func (m *Mesh) RegisterServer(server core.ToolServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, server)
}

// BeginAuthorization starts the OAuth flow for a registered server and
// returns the URL to open in a browser.
func (m *Mesh) BeginAuthorization(ctx context.Context, serverID, clientID string, scopes []string) (string, error) {
	server, ok := m.serverByID(serverID)
	if !ok {
		return "", fmt.Errorf("toolmesh: unknown server %q", serverID)
	}
	return m.auth.BeginAuthorization(ctx, serverID, server.BaseURL, clientID, scopes)
}

// CompleteAuthorization redeems an OAuth callback.
func (m *Mesh) CompleteAuthorization(ctx context.Context, state, code string) error {
	return m.auth.CompleteAuthorization(ctx, state, code)
}

// AuthStatus reports where a server stands in its OAuth lifecycle.
func (m *Mesh) AuthStatus(serverID string) core.AuthStatus {
	return m.auth.Status(serverID)
}

// Run starts a run for the conversation and returns its event stream. The
// channel closes after a terminal event; the caller must drain it. Clients
// for the conversation's servers are connected on first use.
func (m *Mesh) Run(ctx context.Context, conv *core.Conversation, input string) (<-chan core.Event, error) {
	state, err := m.ensureConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	// Servers stuck behind a 401 participate in the run as auth-required
	// events instead of blocking it; queued before the run starts so they
	// follow RunStarted.
	state.mu.Lock()
	clients := state.clients
	state.mu.Unlock()
	for _, client := range clients {
		if client.State() == mcp.StateDegradedNeedsAuth {
			state.runner.Emit(core.AuthRequired{ServerID: client.ServerID()})
		}
	}
	return state.runner.Run(ctx, conv, input), nil
}

// RunSync drains the run's event stream and returns all events. The terminal
// RunError event, if any, is returned as the error.
func (m *Mesh) RunSync(ctx context.Context, conv *core.Conversation, input string) ([]core.Event, error) {
	eventCh, err := m.Run(ctx, conv, input)
	if err != nil {
		return nil, err
	}

	var events []core.Event
	var runErr error
	for ev := range eventCh {
		events = append(events, ev)
		if failure, ok := ev.(core.RunError); ok {
			runErr = failure.Err
		}
	}
	return events, runErr
}

// Close tears down all protocol clients.
func (m *Mesh) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.convs {
		for _, client := range state.clients {
			client.Close()
		}
	}
	m.convs = make(map[string]*convState)
}

func (m *Mesh) ensureConversation(ctx context.Context, conv *core.Conversation) (*convState, error) {
	m.mu.Lock()
	if state, ok := m.convs[conv.ID]; ok {
		m.mu.Unlock()
		return state, nil
	}
	servers := m.serversFor(conv)
	m.mu.Unlock()

	state := &convState{}
	tokens := optionalTokens{mgr: m.auth}

	var clients []*mcp.Client
	for _, server := range servers {
		client := mcp.NewClient(server, conv.ID, func(o *mcp.Options) {
			o.Logger = m.opts.Logger
			o.Sessions = m.opts.SessionStore
			o.Tokens = tokens
			o.CallTimeout = m.opts.CallTimeout
			o.OnSampling = m.sampler.Handler(sampling.Binding{
				ServerID:          server.ID,
				ConversationModel: conv.Model,
				Tools:             state,
				Emit:              state.emit,
			})
			o.OnElicitation = m.elicitationHandler(server.ID, state)
			o.OnNotification = state.handleNotification
		})
		if err := client.Connect(ctx); err != nil {
			var authErr *core.AuthRequiredError
			if errors.As(err, &authErr) {
				// Kept in degraded form; each run surfaces an auth-required
				// event for it until the user re-authorizes.
				m.opts.Logger.Warn("mesh.connect.auth_required", "server", server.ID)
				clients = append(clients, client)
				continue
			}
			for _, connected := range clients {
				connected.Close()
			}
			return nil, fmt.Errorf("toolmesh: connect %s: %w", server.ID, err)
		}
		clients = append(clients, client)
	}

	toolClients := make([]loop.ToolClient, len(clients))
	for i, client := range clients {
		toolClients[i] = client
	}
	runner := loop.NewRunner(m.model, toolClients, func(o *loop.Options) {
		o.Logger = m.opts.Logger
		o.SystemPrompt = m.opts.SystemPrompt
		o.MaxIterations = m.opts.MaxIterations
		o.Elicit = m.opts.Elicit
	})

	state.mu.Lock()
	state.runner = runner
	state.clients = clients
	state.toolset = loop.NewToolset(toolClients)
	state.mu.Unlock()

	m.mu.Lock()
	if existing, ok := m.convs[conv.ID]; ok {
		// Lost a setup race; keep the first winner's clients.
		m.mu.Unlock()
		for _, client := range clients {
			client.Close()
		}
		return existing, nil
	}
	m.convs[conv.ID] = state
	m.mu.Unlock()
	return state, nil
}

// serversFor resolves the conversation's enabled servers in registration
// order. An empty ServerIDs list means every registered server.
func (m *Mesh) serversFor(conv *core.Conversation) []core.ToolServer {
	wanted := make(map[string]bool, len(conv.ServerIDs))
	for _, id := range conv.ServerIDs {
		wanted[id] = true
	}

	var out []core.ToolServer
	for _, server := range m.servers {
		if !server.Enabled {
			continue
		}
		if len(wanted) > 0 && !wanted[server.ID] {
			continue
		}
		out = append(out, server)
	}
	return out
}

// elicitationHandler wraps the configured elicitation callback so the active
// run learns about the pending request before the user is consulted. A nil
// configured handler stays nil: the client then refuses elicitation with
// method-not-found.
func (m *Mesh) elicitationHandler(serverID string, state *convState) mcp.ElicitationHandler {
	handler := m.opts.HandleElicitation
	if handler == nil {
		return nil
	}
	return func(ctx context.Context, req *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
		state.emit(core.ElicitationRequestPending{ServerID: serverID, RequestID: core.NewID()})
		return handler(ctx, req)
	}
}

func (m *Mesh) serverByID(serverID string) (core.ToolServer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, server := range m.servers {
		if server.ID == serverID {
			return server, true
		}
	}
	return core.ToolServer{}, false
}

// optionalTokens attaches bearer tokens whenever the store holds a bundle —
// including bundles persisted by an earlier process — while letting
// unprotected servers be called unauthenticated instead of tripping the
// missing-bundle path.
type optionalTokens struct {
	mgr *auth.Manager
}

func (o optionalTokens) Token(ctx context.Context, serverID string) (string, error) {
	token, err := o.mgr.Token(ctx, serverID)
	if err == nil {
		return token, nil
	}
	var authErr *core.AuthRequiredError
	if errors.As(err, &authErr) && o.mgr.Status(serverID) == core.AuthStatusRequired {
		// No stored bundle and no refresh failure: treat the server as
		// unprotected. A genuinely guarded server answers 401 and surfaces
		// auth-required from there.
		return "", nil
	}
	return "", err
}
