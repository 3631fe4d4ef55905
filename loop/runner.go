package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/logging"
	"github.com/hupe1980/toolmesh/mcp"
	"github.com/hupe1980/toolmesh/model"
)

// ToolClient is the slice of the protocol client the runner drives.
// mcp.Client satisfies it.
type ToolClient interface {
	ServerID() string
	Tools() []mcp.Tool
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
}

// ElicitFunc gathers user input for a tool call that came back
// elicitation-required. A nil error means input was provided and the call is
// retried once.
type ElicitFunc func(ctx context.Context, serverID, toolName string) error

// Options configure a Runner.
type Options struct {
	Logger        logging.Logger
	SystemPrompt  string
	MaxIterations int
	MaxTokens     int64
	Elicit        ElicitFunc
}

// Toolset routes tool calls across a fixed set of clients. Registration
// order is the tie-break for duplicate tool names: the first registered
// server wins, and shadowed duplicates are dropped from Definitions so a
// model only ever sees routable names.
type Toolset struct {
	clients []ToolClient
}

// NewToolset builds a Toolset over the given clients.
func NewToolset(clients []ToolClient) *Toolset {
	return &Toolset{clients: clients}
}

// route finds the owning client for a tool name.
func (t *Toolset) route(name string) ToolClient {
	for _, c := range t.clients {
		for _, tool := range c.Tools() {
			if tool.Name == name {
				return c
			}
		}
	}
	return nil
}

// Definitions aggregates the advertised tools across clients.
func (t *Toolset) Definitions() []model.ToolDefinition {
	seen := make(map[string]bool)
	var defs []model.ToolDefinition
	for _, c := range t.clients {
		for _, tool := range c.Tools() {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			defs = append(defs, model.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return defs
}

// Execute runs one call against its owning client. Unroutable names, bad
// arguments and remote failures all become synthetic failed results; only
// context cancellation is returned as an error.
func (t *Toolset) Execute(ctx context.Context, call core.ToolCall) (core.ToolResultMessage, error) {
	failed := func(reason string) core.ToolResultMessage {
		return core.ToolResultMessage{
			CallID:  call.ID,
			Name:    call.Name,
			Content: reason,
			IsError: true,
		}
	}

	client := t.route(call.Name)
	if client == nil {
		return failed(fmt.Sprintf("no server provides tool %q", call.Name)), nil
	}
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return failed(fmt.Sprintf("invalid arguments for %s: %v", call.Name, err)), nil
	}

	res, err := client.CallTool(ctx, call.Name, args)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return core.ToolResultMessage{}, err
		}
		return failed(err.Error()), nil
	}
	return core.ToolResultMessage{
		CallID:  call.ID,
		Name:    call.Name,
		Content: res.Text(),
		IsError: res.IsError,
	}, nil
}

// Runner executes runs against one model and a fixed set of tool clients.
// Client registration order is the tie-break for duplicate tool names: the
// first registered server wins.
type Runner struct {
	model model.Model
	tools *Toolset

	logger        logging.Logger
	systemPrompt  string
	maxIterations int
	maxTokens     int64
	elicit        ElicitFunc

	mu     sync.Mutex
	notes  []mcp.Notification
	events chan core.Event // active run's stream, nil between runs
	queued []core.Event    // emitted between runs, flushed after RunStarted
}

// NewRunner builds a Runner over the given model and clients.
func NewRunner(m model.Model, clients []ToolClient, optFns ...func(o *Options)) *Runner {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		MaxIterations: 10,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Runner{
		model:         m,
		tools:         NewToolset(clients),
		logger:        opts.Logger,
		systemPrompt:  opts.SystemPrompt,
		maxIterations: opts.MaxIterations,
		maxTokens:     opts.MaxTokens,
		elicit:        opts.Elicit,
	}
}

// HandleNotification buffers server chatter until the current iteration's
// message finalizes. Register it as each client's OnNotification callback.
func (r *Runner) HandleNotification(n mcp.Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

// Emit injects an event into the active run's stream. Events arriving with
// no run in flight are held and delivered right after the next run's
// RunStarted; events against a full buffer are dropped.
func (r *Runner) Emit(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.queued = append(r.queued, ev)
		return
	}
	select {
	case r.events <- ev:
	default:
	}
}

// Run starts a run and returns its event stream. The channel closes after a
// terminal event; the caller must drain it. The conversation is mutated by
// the run and must not be touched concurrently.
func (r *Runner) Run(ctx context.Context, conv *core.Conversation, input string) <-chan core.Event {
	events := make(chan core.Event, 64)
	r.mu.Lock()
	r.events = events
	r.mu.Unlock()
	go r.run(ctx, conv, input, events)
	return events
}

func (r *Runner) run(ctx context.Context, conv *core.Conversation, input string, events chan core.Event) {
	defer func() {
		// Detach before closing so a late Emit drops instead of panicking.
		r.mu.Lock()
		if r.events == events {
			r.events = nil
		}
		r.mu.Unlock()
		close(events)
	}()

	runID := core.NewID()
	if input != "" {
		conv.Append(core.UserMessage{Content: input})
	}
	events <- core.RunStarted{RunID: runID, ConversationID: conv.ID}
	r.logger.Info("run.started", "run", runID, "conversation", conv.ID)

	r.mu.Lock()
	held := r.queued
	r.queued = nil
	r.mu.Unlock()
	for _, ev := range held {
		events <- ev
	}

	for iteration := 1; ; iteration++ {
		if iteration > r.maxIterations {
			r.logger.Warn("run.max_iterations", "run", runID, "iterations", r.maxIterations)
			events <- core.RunMaxIterations{RunID: runID, Iterations: r.maxIterations}
			return
		}

		msg, err := r.streamOnce(ctx, conv, runID, events)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Partial content survives cancellation as a finalized message.
				if msg.Content != "" || msg.Reasoning != "" {
					conv.Append(msg)
					events <- core.MessageFinalized{RunID: runID, Message: msg}
				}
				events <- core.RunCancelled{RunID: runID}
				return
			}
			events <- core.RunError{RunID: runID, Err: err}
			return
		}

		conv.Append(msg)
		events <- core.MessageFinalized{RunID: runID, Message: msg}
		r.flushNotifications(conv, events)

		if len(msg.ToolCalls) == 0 {
			events <- core.RunComplete{RunID: runID, Iterations: iteration}
			return
		}
		if ctx.Err() != nil {
			events <- core.RunCancelled{RunID: runID}
			return
		}

		results, err := r.dispatch(ctx, runID, msg.ToolCalls, events)
		if err != nil {
			events <- core.RunCancelled{RunID: runID}
			return
		}
		for _, res := range results {
			conv.Append(res)
		}
	}
}

// streamOnce materializes the wire history, runs one streaming completion and
// accumulates it into an assistant message. On error the partially
// accumulated message is returned alongside so cancellation can preserve it.
func (r *Runner) streamOnce(ctx context.Context, conv *core.Conversation, runID string, events chan<- core.Event) (core.AssistantMessage, error) {
	req := model.Request{
		Model:     conv.Model,
		Messages:  core.WireMessages(r.systemPrompt, conv.Messages),
		Tools:     r.tools.Definitions(),
		MaxTokens: r.maxTokens,
		Stream:    true,
	}

	respCh, errCh := r.model.Generate(ctx, req)

	var acc core.AssistantMessage
	var final *model.Response
	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if resp.ReasoningDelta != "" {
					acc.Reasoning += resp.ReasoningDelta
					events <- core.ReasoningDelta{RunID: runID, Text: resp.ReasoningDelta}
				}
				if resp.ContentDelta != "" {
					acc.Content += resp.ContentDelta
					events <- core.ContentDelta{RunID: runID, Text: resp.ContentDelta}
				}
				continue
			}
			f := resp
			final = &f
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return acc, err
			}
		}
	}

	if final == nil {
		return acc, fmt.Errorf("loop: model stream ended without a final response")
	}
	return core.AssistantMessage{
		Content:   final.Content,
		Reasoning: final.Reasoning,
		ToolCalls: final.ToolCalls,
	}, nil
}

// dispatch fans the iteration's tool calls out across their owning clients
// and gathers every result before returning (hard sync point). Results keep
// call order regardless of completion order. Local failures become synthetic
// failed results; only context cancellation aborts the run.
func (r *Runner) dispatch(ctx context.Context, runID string, calls []core.ToolCall, events chan<- core.Event) ([]core.ToolResultMessage, error) {
	results := make([]core.ToolResultMessage, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			client := r.tools.route(call.Name)
			serverID := ""
			if client != nil {
				serverID = client.ServerID()
			}

			events <- core.ToolCallStarted{RunID: runID, ServerID: serverID, Call: call}
			start := time.Now()

			res, err := r.invoke(gctx, client, call, events)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				res = core.ToolResultMessage{
					CallID:  call.ID,
					Name:    call.Name,
					Content: err.Error(),
					IsError: true,
				}
			}
			results[i] = res

			events <- core.ToolCallFinished{
				RunID:    runID,
				ServerID: serverID,
				CallID:   call.ID,
				Name:     call.Name,
				Result:   res.Content,
				IsError:  res.IsError,
				Duration: time.Since(start),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// invoke runs one call against its owning client, handling the
// elicitation-required control flow (gather input, retry once) and the
// auth-required signal (event + failed result, never retried here).
func (r *Runner) invoke(ctx context.Context, client ToolClient, call core.ToolCall, events chan<- core.Event) (core.ToolResultMessage, error) {
	if client == nil {
		return core.ToolResultMessage{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("no server provides tool %q", call.Name),
			IsError: true,
		}, nil
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return core.ToolResultMessage{}, fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
	}

	res, err := client.CallTool(ctx, call.Name, args)

	var elicit *core.ElicitationRequiredError
	if errors.As(err, &elicit) && r.elicit != nil {
		events <- core.ElicitationRequestPending{ServerID: elicit.ServerID, RequestID: call.ID}
		if eerr := r.elicit(ctx, elicit.ServerID, elicit.ToolName); eerr == nil {
			res, err = client.CallTool(ctx, call.Name, args)
		}
	}

	var authErr *core.AuthRequiredError
	if errors.As(err, &authErr) {
		events <- core.AuthRequired{ServerID: authErr.ServerID}
	}
	if err != nil {
		return core.ToolResultMessage{}, err
	}

	return core.ToolResultMessage{
		CallID:  call.ID,
		Name:    call.Name,
		Content: res.Text(),
		IsError: res.IsError,
	}, nil
}

// flushNotifications drains the buffer into the conversation and the event
// stream. Called only after a message finalizes so chatter never interleaves
// with streaming deltas.
func (r *Runner) flushNotifications(conv *core.Conversation, events chan<- core.Event) {
	r.mu.Lock()
	buffered := r.notes
	r.notes = nil
	r.mu.Unlock()

	for _, n := range buffered {
		body := string(n.Params)
		conv.Append(core.NotificationMessage{ServerID: n.ServerID, Method: n.Method, Body: body})
		events <- core.NotificationFlushed{ServerID: n.ServerID, Method: n.Method, Body: body}
	}
}

func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
