package sampling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/mcp"
	"github.com/hupe1980/toolmesh/model"
)

// capturingModel records the requests it receives before delegating.
type capturingModel struct {
	inner *model.MockModel

	mu       sync.Mutex
	requests []model.Request
}

func (c *capturingModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.inner.Generate(ctx, req)
}

func (c *capturingModel) Info() model.Info { return c.inner.Info() }

func (c *capturingModel) last(t *testing.T) model.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.requests)
	return c.requests[len(c.requests)-1]
}

// fakeToolRunner answers every call with a canned result.
type fakeToolRunner struct {
	defs  []model.ToolDefinition
	reply func(call core.ToolCall) core.ToolResultMessage

	mu    sync.Mutex
	calls []core.ToolCall
}

func (f *fakeToolRunner) Definitions() []model.ToolDefinition { return f.defs }

func (f *fakeToolRunner) Execute(_ context.Context, call core.ToolCall) (core.ToolResultMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(call), nil
	}
	return core.ToolResultMessage{CallID: call.ID, Name: call.Name, Content: "ok"}, nil
}

func (f *fakeToolRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func approveAll(_ context.Context, _ string, _ *mcp.CreateMessageRequest) (Approval, error) {
	return Approval{Approved: true}, nil
}

func sampleRequest() *mcp.CreateMessageRequest {
	return &mcp.CreateMessageRequest{
		Messages: []mcp.SamplingMessage{
			{Role: "user", Content: mcp.ContentBlock{Type: "text", Text: "summarize the logs"}},
		},
		MaxTokens: 64,
	}
}

func TestApprovedRequestReachesBackend(t *testing.T) {
	m := &capturingModel{inner: model.NewMockModel().Enqueue(model.Turn{Deltas: []string{"log ", "summary"}})}
	p := NewProcessor(m, func(o *Options) {
		o.Approve = approveAll
	})

	result, err := p.CreateMessage(context.Background(), Binding{ServerID: "ops", ConversationModel: "conv-model"}, sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "assistant", result.Role)
	assert.Equal(t, "log summary", result.Content.Text)
	assert.Equal(t, "conv-model", result.Model)
	assert.Equal(t, mcp.StopReasonEndTurn, result.StopReason)
	assert.Equal(t, int64(64), m.last(t).MaxTokens)
}

func TestRejectionShortCircuits(t *testing.T) {
	m := model.NewMockModel()
	p := NewProcessor(m, func(o *Options) {
		o.Approve = func(_ context.Context, _ string, _ *mcp.CreateMessageRequest) (Approval, error) {
			return Approval{Approved: false, Reason: "contains secrets"}, nil
		}
	})

	result, err := p.CreateMessage(context.Background(), Binding{ServerID: "ops"}, sampleRequest())
	require.NoError(t, err, "a rejection is a negative result, not a failure")

	assert.Contains(t, result.Content.Text, "contains secrets")
	assert.Equal(t, mcp.StopReasonEndTurn, result.StopReason)
	assert.Equal(t, 0, m.Calls(), "rejected requests never reach the backend")
}

func TestMissingApproverRejects(t *testing.T) {
	m := model.NewMockModel()
	p := NewProcessor(m)

	result, err := p.CreateMessage(context.Background(), Binding{ServerID: "ops"}, sampleRequest())
	require.NoError(t, err)
	assert.Contains(t, result.Content.Text, "not configured")
	assert.Equal(t, 0, m.Calls())
}

func TestEditedRequestWins(t *testing.T) {
	m := &capturingModel{inner: model.NewMockModel().Enqueue(model.Turn{Deltas: []string{"ok"}})}
	p := NewProcessor(m, func(o *Options) {
		o.Approve = func(_ context.Context, _ string, req *mcp.CreateMessageRequest) (Approval, error) {
			edited := *req
			edited.SystemPrompt = "redact filenames"
			edited.MaxTokens = 32
			return Approval{Approved: true, Request: &edited}, nil
		}
	})

	_, err := p.CreateMessage(context.Background(), Binding{ServerID: "ops", ConversationModel: "conv-model"}, sampleRequest())
	require.NoError(t, err)

	sent := m.last(t)
	assert.Equal(t, "redact filenames", sent.System)
	assert.Equal(t, int64(32), sent.MaxTokens)
}

func TestToolRequestContinuesExchange(t *testing.T) {
	m := &capturingModel{inner: model.NewMockModel().
		Enqueue(model.Turn{
			ToolCalls:    []core.ToolCall{{ID: "c1", Name: "grep_logs", Arguments: `{"pattern":"ERROR"}`}},
			FinishReason: model.FinishToolCalls,
		}).
		Enqueue(model.Turn{Deltas: []string{"three errors found"}})}
	tools := &fakeToolRunner{
		defs: []model.ToolDefinition{{Name: "grep_logs", Description: "searches logs"}},
		reply: func(call core.ToolCall) core.ToolResultMessage {
			return core.ToolResultMessage{CallID: call.ID, Name: call.Name, Content: "ERROR x3"}
		},
	}
	p := NewProcessor(m, func(o *Options) {
		o.Approve = approveAll
	})

	result, err := p.CreateMessage(context.Background(), Binding{ServerID: "ops", ConversationModel: "conv-model", Tools: tools}, sampleRequest())
	require.NoError(t, err)

	// A tool-requesting response does not end the exchange: the call is
	// executed and its result fed into a second completion.
	assert.Equal(t, 2, m.inner.Calls())
	assert.Equal(t, 1, tools.callCount())
	assert.Equal(t, "grep_logs", tools.calls[0].Name)
	assert.Equal(t, "three errors found", result.Content.Text)
	assert.Equal(t, mcp.StopReasonEndTurn, result.StopReason)

	// The declared tools reached the backend and the tool result is part of
	// the second iteration's history.
	first := m.requests[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "grep_logs", first.Tools[0].Name)
	second := m.last(t)
	var sawResult bool
	for _, msg := range second.Messages {
		if res, ok := msg.(core.ToolResultMessage); ok && res.Content == "ERROR x3" {
			sawResult = true
		}
	}
	assert.True(t, sawResult, "tool result must be in the follow-up history")
}

func TestToolLoopIterationCap(t *testing.T) {
	// The queue repeats its last turn, so the backend requests the same tool
	// forever; the loop must stop at the cap without dispatching past it.
	m := model.NewMockModel().Enqueue(model.Turn{
		ToolCalls:    []core.ToolCall{{ID: "c1", Name: "spin", Arguments: `{}`}},
		FinishReason: model.FinishToolCalls,
	})
	tools := &fakeToolRunner{defs: []model.ToolDefinition{{Name: "spin"}}}
	p := NewProcessor(m, func(o *Options) {
		o.Approve = approveAll
	})

	result, err := p.CreateMessage(context.Background(), Binding{ServerID: "ops", Tools: tools}, sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, maxIterations, m.Calls())
	assert.Equal(t, maxIterations-1, tools.callCount(), "the capped iteration must not dispatch")
	assert.Equal(t, mcp.StopReasonToolUse, result.StopReason)
}

func TestPendingEventEmitted(t *testing.T) {
	m := model.NewMockModel().Enqueue(model.Turn{Deltas: []string{"ok"}})
	p := NewProcessor(m, func(o *Options) {
		o.Approve = approveAll
	})

	var mu sync.Mutex
	var events []core.Event
	b := Binding{ServerID: "ops", Emit: func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}}

	_, err := p.CreateMessage(context.Background(), b, sampleRequest())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	pending, ok := events[0].(core.SamplingRequestPending)
	require.True(t, ok)
	assert.Equal(t, "ops", pending.ServerID)
	assert.NotEmpty(t, pending.RequestID)
}

func TestModelSelection(t *testing.T) {
	cases := []struct {
		name              string
		prefs             *mcp.ModelPreferences
		conversationModel string
		want              string
	}{
		{
			name:  "concrete hint wins",
			prefs: &mcp.ModelPreferences{Hints: []mcp.ModelHint{{Name: "fast"}, {Name: "anthropic/claude-x"}}},
			want:  "anthropic/claude-x",
		},
		{
			name:              "family hint falls through to conversation",
			prefs:             &mcp.ModelPreferences{Hints: []mcp.ModelHint{{Name: "claude"}}},
			conversationModel: "conv-model",
			want:              "conv-model",
		},
		{
			name: "no hints no conversation uses default",
			want: defaultSamplingModel,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, selectModel(tc.prefs, tc.conversationModel, defaultSamplingModel))
		})
	}
}

func TestStopReasonRoundTrip(t *testing.T) {
	cases := map[string]string{
		model.FinishStop:      mcp.StopReasonEndTurn,
		model.FinishLength:    mcp.StopReasonMaxTokens,
		model.FinishToolCalls: mcp.StopReasonToolUse,
		"tool_use":            mcp.StopReasonToolUse,
		"weird_vendor_reason": mcp.StopReasonEndTurn,
	}
	for finish, want := range cases {
		assert.Equal(t, want, StopReasonFromFinish(finish), finish)
	}
}

func TestNestingCap(t *testing.T) {
	m := model.NewMockModel().Enqueue(model.Turn{Hang: true})
	p := NewProcessor(m, func(o *Options) {
		o.Approve = approveAll
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < maxDepth; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.CreateMessage(ctx, Binding{ServerID: "ops"}, sampleRequest())
		}()
	}

	require.Eventually(t, func() bool {
		return m.Calls() == maxDepth
	}, 2*time.Second, 5*time.Millisecond)

	_, err := p.CreateMessage(ctx, Binding{ServerID: "ops"}, sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cap")

	cancel()
	wg.Wait()
}
