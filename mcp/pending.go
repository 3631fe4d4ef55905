package mcp

import (
	"context"
	"sync"
)

type replyOutcome struct {
	result any
	err    error
}

// pendingReply is one entry in the inbound request table. A server-initiated
// request blocks on wait until the approval layer resolves it; resolution is
// exactly-once and a second resolve is a programming error, so it panics
// rather than being silently dropped.
type pendingReply struct {
	mu       sync.Mutex
	consumed bool
	ch       chan replyOutcome
}

func newPendingReply() *pendingReply {
	return &pendingReply{ch: make(chan replyOutcome, 1)}
}

func (p *pendingReply) resolve(result any, err error) {
	p.mu.Lock()
	if p.consumed {
		p.mu.Unlock()
		panic("mcp: inbound request resolved twice")
	}
	p.consumed = true
	p.mu.Unlock()

	p.ch <- replyOutcome{result: result, err: err}
}

func (p *pendingReply) wait(ctx context.Context) (any, error) {
	select {
	case out := <-p.ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
