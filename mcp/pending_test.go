package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingReplyResolveOnce(t *testing.T) {
	reply := newPendingReply()
	reply.resolve("done", nil)

	result, err := reply.wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestPendingReplyDoubleResolvePanics(t *testing.T) {
	reply := newPendingReply()
	reply.resolve(nil, errors.New("first"))

	assert.Panics(t, func() {
		reply.resolve(nil, errors.New("second"))
	})
}

func TestPendingReplyWaitHonorsContext(t *testing.T) {
	reply := newPendingReply()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reply.wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
