// Package sampling answers server-initiated sampling requests: a tool server
// asks the engine to run an LLM completion on its behalf. Every request
// passes a human approval gate before any backend call, then runs a bounded
// completion/tool loop mirroring the primary run loop, and the backend
// finish reason is mapped onto the protocol's stop-reason vocabulary.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/mcp"
	"github.com/hupe1980/toolmesh/model"
)

// maxIterations bounds the completion/tool loop of one sampling exchange.
// An exchange still requesting tools at the cap returns that response
// unexecuted, mirroring the primary loop's no-dispatch-past-cap rule.
const maxIterations = 10

// maxDepth bounds nested sampling: requests arriving while ten exchanges are
// already in flight are refused instead of recursing without limit.
const maxDepth = 10

// defaultSamplingModel is used when neither the server's hints nor the
// conversation pin a model.
const defaultSamplingModel = "claude-sonnet-4-0"

// Approval is the verdict of the human gate. A false Approved short-circuits
// with a rejection result; a non-nil Request replaces the server's request
// (the edit path).
type Approval struct {
	Approved bool
	Reason   string
	Request  *mcp.CreateMessageRequest
}

// ApproveFunc reviews one sampling request before the backend sees it.
type ApproveFunc func(ctx context.Context, serverID string, req *mcp.CreateMessageRequest) (Approval, error)

// ToolRunner executes tool calls on behalf of a sampling exchange.
// loop.Toolset satisfies it.
type ToolRunner interface {
	Definitions() []model.ToolDefinition
	Execute(ctx context.Context, call core.ToolCall) (core.ToolResultMessage, error)
}

// Binding ties one sampling exchange to its originating server and
// conversation. A nil Tools means the exchange runs without tools; a nil
// Emit falls back to the processor-wide event sink.
type Binding struct {
	ServerID          string
	ConversationModel string
	Tools             ToolRunner
	Emit              func(core.Event)
}

// Options configure a Processor.
type Options struct {
	Logger  logging.Logger
	Approve ApproveFunc
	OnEvent func(core.Event)
	// DefaultModel overrides the built-in fallback model id.
	DefaultModel string
	// MaxTokens caps completions whose request does not set one.
	MaxTokens int64
}

// Processor serves sampling requests against one backend model.
type Processor struct {
	model model.Model

	logger       logging.Logger
	approve      ApproveFunc
	onEvent      func(core.Event)
	defaultModel string
	maxTokens    int64

	depth atomic.Int64
}

// NewProcessor builds a Processor. Without an Approve callback every request
// is rejected; sampling is human-in-the-loop by construction, never silently
// auto-approved.
func NewProcessor(m model.Model, optFns ...func(o *Options)) *Processor {
	opts := Options{
		Logger:       logging.NoOpLogger{},
		DefaultModel: defaultSamplingModel,
		MaxTokens:    1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Processor{
		model:        m,
		logger:       opts.Logger,
		approve:      opts.Approve,
		onEvent:      opts.OnEvent,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
	}
}

// Handler adapts the Processor into a client's sampling callback.
func (p *Processor) Handler(b Binding) mcp.SamplingHandler {
	return func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
		return p.CreateMessage(ctx, b, req)
	}
}

// CreateMessage runs one sampling exchange: approval gate, model selection,
// then a bounded completion/tool loop. A backend response requesting tools
// is dispatched through the binding's ToolRunner and its results fed back
// for the next iteration; the first non-tool response (or the cap) ends the
// exchange. A rejection produces a negative result for the server, not an
// error.
func (p *Processor) CreateMessage(ctx context.Context, b Binding, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	if p.depth.Add(1) > maxDepth {
		p.depth.Add(-1)
		return nil, fmt.Errorf("sampling: nesting cap (%d) exceeded for server %s", maxDepth, b.ServerID)
	}
	defer p.depth.Add(-1)

	p.emit(b, core.SamplingRequestPending{ServerID: b.ServerID, RequestID: core.NewID()})

	approved, err := p.gate(ctx, b.ServerID, req)
	if err != nil {
		var rejected *core.UserRejectedError
		if errors.As(err, &rejected) {
			p.logger.Info("sampling.rejected", "server", b.ServerID, "reason", rejected.Reason)
			return rejectionResult(rejected), nil
		}
		return nil, err
	}

	chosen := selectModel(approved.ModelPreferences, b.ConversationModel, p.defaultModel)

	maxTokens := approved.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	msgs := wireMessages(approved.Messages)
	var defs []model.ToolDefinition
	if b.Tools != nil {
		defs = b.Tools.Definitions()
	}

	for iteration := 1; ; iteration++ {
		final, err := p.generate(ctx, model.Request{
			Model:     chosen,
			System:    approved.SystemPrompt,
			Messages:  msgs,
			Tools:     defs,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, err
		}

		if len(final.ToolCalls) == 0 || b.Tools == nil || iteration >= maxIterations {
			if len(final.ToolCalls) > 0 && iteration >= maxIterations {
				p.logger.Warn("sampling.max_iterations", "server", b.ServerID, "iterations", maxIterations)
			}
			p.logger.Info("sampling.completed", "server", b.ServerID, "model", chosen, "iterations", iteration, "stop", final.FinishReason)
			return &mcp.CreateMessageResult{
				Role:       "assistant",
				Content:    mcp.ContentBlock{Type: "text", Text: final.Content},
				Model:      chosen,
				StopReason: StopReasonFromFinish(final.FinishReason),
			}, nil
		}

		msgs = append(msgs, core.AssistantMessage{Content: final.Content, ToolCalls: final.ToolCalls})
		for _, call := range final.ToolCalls {
			res, err := b.Tools.Execute(ctx, call)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, res)
		}
	}
}

func (p *Processor) emit(b Binding, ev core.Event) {
	switch {
	case b.Emit != nil:
		b.Emit(ev)
	case p.onEvent != nil:
		p.onEvent(ev)
	}
}

// gate runs the approval callback and applies its verdict. The edit path
// substitutes the reviewed request wholesale.
func (p *Processor) gate(ctx context.Context, serverID string, req *mcp.CreateMessageRequest) (*mcp.CreateMessageRequest, error) {
	if p.approve == nil {
		return nil, &core.UserRejectedError{Reason: "sampling approval not configured"}
	}

	approval, err := p.approve(ctx, serverID, req)
	if err != nil {
		return nil, err
	}
	if !approval.Approved {
		return nil, &core.UserRejectedError{Reason: approval.Reason}
	}
	if approval.Request != nil {
		return approval.Request, nil
	}
	return req, nil
}

func (p *Processor) generate(ctx context.Context, req model.Request) (*model.Response, error) {
	respCh, errCh := p.model.Generate(ctx, req)

	var final *model.Response
	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if !resp.Partial {
				f := resp
				final = &f
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("sampling: backend error: %w", err)
			}
		}
	}
	if final == nil {
		return nil, fmt.Errorf("sampling: backend produced no final response")
	}
	return final, nil
}

func rejectionResult(err *core.UserRejectedError) *mcp.CreateMessageResult {
	return &mcp.CreateMessageResult{
		Role:       "assistant",
		Content:    mcp.ContentBlock{Type: "text", Text: err.Error()},
		StopReason: mcp.StopReasonEndTurn,
	}
}

// selectModel picks the completion model: a hint that names a concrete model
// (contains "/") wins, then the conversation's model, then the default.
func selectModel(prefs *mcp.ModelPreferences, conversationModel, defaultModel string) string {
	if prefs != nil {
		for _, hint := range prefs.Hints {
			if strings.Contains(hint.Name, "/") {
				return hint.Name
			}
		}
	}
	if conversationModel != "" {
		return conversationModel
	}
	return defaultModel
}

// StopReasonFromFinish maps the normalized backend finish reason onto the
// protocol stop-reason vocabulary. Unknown reasons map to endTurn.
func StopReasonFromFinish(reason string) string {
	switch reason {
	case model.FinishStop:
		return mcp.StopReasonEndTurn
	case model.FinishLength:
		return mcp.StopReasonMaxTokens
	case model.FinishToolCalls, "tool_use":
		return mcp.StopReasonToolUse
	default:
		return mcp.StopReasonEndTurn
	}
}

// wireMessages converts protocol sampling turns into backend messages. Only
// text content participates; unknown roles default to user.
func wireMessages(msgs []mcp.SamplingMessage) []core.Message {
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			out = append(out, core.AssistantMessage{Content: m.Content.Text})
		default:
			out = append(out, core.UserMessage{Content: m.Content.Text})
		}
	}
	return out
}
