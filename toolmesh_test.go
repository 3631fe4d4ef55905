package toolmesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/loop"
	"github.com/hupe1980/toolmesh/mcp"
	"github.com/hupe1980/toolmesh/model"
	"github.com/hupe1980/toolmesh/session"
)

// rpcEnvelope mirrors the wire envelope for the test server.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// toolServerRecorder captures the Authorization header of every request the
// fake server sees.
type toolServerRecorder struct {
	mu   sync.Mutex
	auth []string
}

func (rec *toolServerRecorder) record(r *http.Request) {
	rec.mu.Lock()
	rec.auth = append(rec.auth, r.Header.Get("Authorization"))
	rec.mu.Unlock()
}

func (rec *toolServerRecorder) authHeaders() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]string, len(rec.auth))
	copy(out, rec.auth)
	return out
}

// fakeToolServer is a minimal protocol server advertising one echo tool.
func fakeToolServer(t *testing.T) *httptest.Server {
	srv, _ := recordedToolServer(t)
	return srv
}

func recordedToolServer(t *testing.T) (*httptest.Server, *toolServerRecorder) {
	t.Helper()
	rec := &toolServerRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec.record(r)
		var msg rpcEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))

		reply := func(result any) {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(rpcEnvelope{JSONRPC: "2.0", ID: msg.ID, Result: raw}))
		}

		switch msg.Method {
		case "initialize":
			w.Header().Set("Mcp-Session-Id", "sess-1")
			reply(map[string]any{
				"protocolVersion": "2025-06-18",
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "echo", "version": "1.0"},
			})
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			reply(map[string]any{
				"tools": []map[string]any{{"name": "echo", "description": "echoes input"}},
			})
		case "tools/call":
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			require.NoError(t, json.Unmarshal(msg.Params, &params))
			reply(map[string]any{
				"content": []map[string]any{{"type": "text", "text": "echo: " + params.Arguments["text"].(string)}},
			})
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestMeshEndToEndToolRun(t *testing.T) {
	srv := fakeToolServer(t)

	m := model.NewMockModel().
		Enqueue(model.Turn{ToolCalls: []core.ToolCall{
			{ID: "c1", Name: "echo", Arguments: `{"text":"hello"}`},
		}}).
		Enqueue(model.Turn{Deltas: []string{"The tool said: echo: hello"}})

	mesh := New(m, func(o *Options) {
		o.SystemPrompt = "You are a test assistant."
	})
	defer mesh.Close()
	mesh.RegisterServer(core.ToolServer{ID: "echo-srv", BaseURL: srv.URL, Enabled: true})

	conv := core.NewConversation("mock-1", "echo-srv")
	events, err := mesh.RunSync(context.Background(), conv, "say hello")
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.IsType(t, core.RunStarted{}, events[0])
	complete, ok := events[len(events)-1].(core.RunComplete)
	require.True(t, ok)
	assert.Equal(t, 2, complete.Iterations)

	var finished *core.ToolCallFinished
	for _, ev := range events {
		if f, ok := ev.(core.ToolCallFinished); ok {
			finished = &f
		}
	}
	require.NotNil(t, finished)
	assert.Equal(t, "echo-srv", finished.ServerID)
	assert.Equal(t, "echo: hello", finished.Result)

	require.NoError(t, core.ValidateToolCallIntegrity(conv.Messages))
}

func TestMeshRunWithoutServers(t *testing.T) {
	m := model.NewMockModel().Enqueue(model.Turn{Deltas: []string{"plain answer"}})
	mesh := New(m)
	defer mesh.Close()

	conv := core.NewConversation("mock-1")
	events, err := mesh.RunSync(context.Background(), conv, "no tools needed")
	require.NoError(t, err)
	assert.IsType(t, core.RunComplete{}, events[len(events)-1])
}

func TestMeshDisabledServerSkipped(t *testing.T) {
	m := model.NewMockModel().Enqueue(model.Turn{Deltas: []string{"ok"}})
	mesh := New(m)
	defer mesh.Close()
	mesh.RegisterServer(core.ToolServer{ID: "off", BaseURL: "http://127.0.0.1:1", Enabled: false})

	conv := core.NewConversation("mock-1", "off")
	_, err := mesh.RunSync(context.Background(), conv, "hi")
	require.NoError(t, err, "disabled servers are never connected")
}

func TestMeshBeginAuthorizationUnknownServer(t *testing.T) {
	mesh := New(model.NewMockModel())
	_, err := mesh.BeginAuthorization(context.Background(), "ghost", "client-1", nil)
	require.Error(t, err)
}

func TestMeshPersistedTokensUsedAfterRestart(t *testing.T) {
	srv, rec := recordedToolServer(t)

	store := session.NewInMemoryStore()
	require.NoError(t, store.SaveTokens(context.Background(), "echo-srv", &core.TokenBundle{AccessToken: "tok-restart"}))

	m := model.NewMockModel().Enqueue(model.Turn{Deltas: []string{"hi"}})
	mesh := New(m, func(o *Options) {
		o.TokenStore = store
	})
	defer mesh.Close()
	mesh.RegisterServer(core.ToolServer{ID: "echo-srv", BaseURL: srv.URL, Enabled: true})

	conv := core.NewConversation("mock-1", "echo-srv")
	_, err := mesh.RunSync(context.Background(), conv, "hello")
	require.NoError(t, err)

	// A bundle persisted by an earlier process must be attached to every
	// request without redoing the authorization flow.
	headers := rec.authHeaders()
	require.NotEmpty(t, headers)
	for _, h := range headers {
		assert.Equal(t, "Bearer tok-restart", h)
	}
}

func TestMeshUnauthorizedServerDegradesRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	m := model.NewMockModel().Enqueue(model.Turn{Deltas: []string{"no tools today"}})
	mesh := New(m)
	defer mesh.Close()
	mesh.RegisterServer(core.ToolServer{ID: "guarded", BaseURL: srv.URL, Enabled: true})

	conv := core.NewConversation("mock-1", "guarded")
	events, err := mesh.RunSync(context.Background(), conv, "hi")
	require.NoError(t, err, "an unauthorized server must not block the run")

	var sawAuth bool
	for _, ev := range events {
		if a, ok := ev.(core.AuthRequired); ok && a.ServerID == "guarded" {
			sawAuth = true
		}
	}
	assert.True(t, sawAuth, "the run must surface the server's auth state")
	assert.IsType(t, core.RunComplete{}, events[len(events)-1])
}

func TestElicitationHandlerEmitsPendingEvent(t *testing.T) {
	m := model.NewMockModel().Enqueue(model.Turn{Hang: true})
	mesh := New(m, func(o *Options) {
		o.HandleElicitation = func(_ context.Context, _ *mcp.ElicitRequest) (*mcp.ElicitResult, error) {
			return &mcp.ElicitResult{Action: mcp.ElicitAccept}, nil
		}
	})
	defer mesh.Close()

	state := &convState{runner: loop.NewRunner(m, nil)}
	handler := mesh.elicitationHandler("guarded", state)
	require.NotNil(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	conv := core.NewConversation("mock-1")
	events := state.runner.Run(ctx, conv, "hi")

	res, err := handler(context.Background(), &mcp.ElicitRequest{Message: "confirm?"})
	require.NoError(t, err)
	assert.Equal(t, mcp.ElicitAccept, res.Action)

	cancel()
	var sawPending bool
	for ev := range events {
		if p, ok := ev.(core.ElicitationRequestPending); ok && p.ServerID == "guarded" {
			sawPending = true
		}
	}
	assert.True(t, sawPending, "the active run must learn about the pending request")

	bare := New(model.NewMockModel())
	assert.Nil(t, bare.elicitationHandler("guarded", state), "without a configured callback elicitation stays unsupported")
}
