package model

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/core"
)

// Turn scripts one MockModel exchange. Deltas and ReasoningDeltas are
// streamed as partial chunks (in that order, reasoning first, matching how
// thinking models stream), then the final chunk is emitted. When Hang is set
// the turn streams its deltas and then blocks until the context is
// cancelled, which is how tests exercise mid-stream cancellation.
type Turn struct {
	ReasoningDeltas []string
	Deltas          []string
	ToolCalls       []core.ToolCall
	FinishReason    string
	DelayPerDelta   time.Duration
	Hang            bool
}

// MockModel is a scriptable in-memory Model for tests. Turns are consumed in
// order; when the queue is exhausted the last turn repeats, so a model that
// "always returns a tool call" is a single enqueued turn.
type MockModel struct {
	mu    sync.Mutex
	turns []Turn
	calls int
}

// NewMockModel constructs an empty MockModel. Enqueue at least one turn
// before calling Generate.
func NewMockModel() *MockModel {
	return &MockModel{}
}

// Enqueue appends a scripted turn.
func (m *MockModel) Enqueue(t Turn) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m
}

// Calls reports how many Generate exchanges have been started.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockModel) nextTurn() Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.turns) == 0 {
		return Turn{FinishReason: FinishStop}
	}
	t := m.turns[0]
	if len(m.turns) > 1 {
		m.turns = m.turns[1:]
	}
	return t
}

// Generate implements Model by replaying the next scripted turn.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	turn := m.nextTurn()

	go func() {
		defer close(respCh)
		defer close(errCh)

		var reasoning, content string
		emit := func(r Response) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case respCh <- r:
				return true
			}
		}

		for _, d := range turn.ReasoningDeltas {
			if turn.DelayPerDelta > 0 {
				time.Sleep(turn.DelayPerDelta)
			}
			reasoning += d
			if !emit(Response{Partial: true, ReasoningDelta: d}) {
				return
			}
		}
		for _, d := range turn.Deltas {
			if turn.DelayPerDelta > 0 {
				time.Sleep(turn.DelayPerDelta)
			}
			content += d
			if !emit(Response{Partial: true, ContentDelta: d}) {
				return
			}
		}

		if turn.Hang {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}

		finish := turn.FinishReason
		if finish == "" {
			if len(turn.ToolCalls) > 0 {
				finish = FinishToolCalls
			} else {
				finish = FinishStop
			}
		}
		emit(Response{
			Partial:      false,
			Content:      content,
			Reasoning:    reasoning,
			ToolCalls:    turn.ToolCalls,
			FinishReason: finish,
		})
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info {
	return Info{Name: "mock", Provider: "mock", SupportsTools: true}
}
