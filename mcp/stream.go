package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"
)

// streamRetryDelay is the pause before a dropped notification stream is
// reopened.
const streamRetryDelay = time.Second

// runStream maintains the long-lived GET stream the server uses for
// notifications and server-initiated requests outside a call. A stream that
// drops mid-flight is reopened after a short pause while the client stays
// ready. Servers without stream support answer 405; that is not an error,
// inbound traffic then only arrives inside streamed call responses.
func (c *Client) runStream(ctx context.Context) {
	for {
		if !c.streamOnce(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRetryDelay):
		}
		if c.State() != StateReady {
			return
		}
	}
}

// streamOnce opens one GET stream and pumps it until it ends. It reports
// whether the stream is worth reopening.
func (c *Client) streamOnce(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server.BaseURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := c.setAuthHeaders(ctx, req); err != nil {
		c.logger.Debug("mcp.stream.unavailable", "server", c.server.ID, "error", err.Error())
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.logger.Debug("mcp.stream.unavailable", "server", c.server.ID, "error", err.Error())
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		c.logger.Debug("mcp.stream.unsupported", "server", c.server.ID, "status", resp.StatusCode)
		return false
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.logger.Warn("mcp.stream.closed", "server", c.server.ID, "error", err.Error())
			return true
		}
		if ev.Data == "" {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			c.logger.Warn("mcp.stream.malformed", "server", c.server.ID, "error", err.Error())
			continue
		}
		c.dispatch(ctx, &msg)
	}
	return ctx.Err() == nil
}

// dispatch routes one inbound message: notifications go to the notification
// path, requests to the pending-request table. Responses do not arrive here
// (call responses are matched inside their own POST body); a stray one is
// dropped.
func (c *Client) dispatch(ctx context.Context, msg *rpcMessage) {
	switch {
	case msg.Method == "":
		c.logger.Debug("mcp.stream.orphan_response", "server", c.server.ID)
	case len(msg.ID) == 0:
		c.handleNotification(msg)
	default:
		c.handleServerRequest(ctx, msg)
	}
}

// handleNotification delivers server chatter in arrival order. A
// tools/list_changed additionally triggers an async tool-list refresh and is
// not forwarded; it is connection bookkeeping, not conversation content.
func (c *Client) handleNotification(msg *rpcMessage) {
	if msg.Method == methodNotificationsToolsListChanged {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := c.ListTools(ctx); err != nil {
				c.logger.Warn("mcp.tools.refresh.failed", "server", c.server.ID, "error", err.Error())
			}
		}()
		return
	}
	if c.onNotification != nil {
		c.onNotification(Notification{ServerID: c.server.ID, Method: msg.Method, Params: msg.Params})
	}
}

// handleServerRequest registers the request in the pending table and hands
// it to the matching handler. The handler runs off the stream goroutine so a
// slow approval never stalls the stream; the response goes back over its own
// POST once the entry resolves.
func (c *Client) handleServerRequest(ctx context.Context, msg *rpcMessage) {
	id := string(msg.ID)
	reply := newPendingReply()

	c.mu.Lock()
	if _, dup := c.inbound[id]; dup {
		c.mu.Unlock()
		c.respondError(ctx, msg.ID, codeInvalidRequest, "duplicate request id "+id)
		return
	}
	c.inbound[id] = reply
	c.mu.Unlock()

	go c.resolveServerRequest(ctx, msg, reply)

	respCtx := context.WithoutCancel(ctx)
	go func() {
		result, err := reply.wait(ctx)

		c.mu.Lock()
		delete(c.inbound, id)
		c.mu.Unlock()

		switch {
		case errors.Is(err, errUnsupportedMethod):
			c.respondError(respCtx, msg.ID, codeMethodNotFound, err.Error())
		case err != nil:
			c.respondError(respCtx, msg.ID, codeInternalError, err.Error())
		default:
			c.respondResult(respCtx, msg.ID, result)
		}
	}()
}

func (c *Client) resolveServerRequest(ctx context.Context, msg *rpcMessage, reply *pendingReply) {
	switch msg.Method {
	case methodSamplingCreateMessage:
		if c.onSampling == nil {
			reply.resolve(nil, fmt.Errorf("%w: %s", errUnsupportedMethod, msg.Method))
			return
		}
		var req CreateMessageRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			reply.resolve(nil, fmt.Errorf("invalid sampling params: %w", err))
			return
		}
		res, err := c.onSampling(ctx, &req)
		reply.resolve(res, err)

	case methodElicitationCreate:
		if c.onElicitation == nil {
			reply.resolve(nil, fmt.Errorf("%w: %s", errUnsupportedMethod, msg.Method))
			return
		}
		var req ElicitRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			reply.resolve(nil, fmt.Errorf("invalid elicitation params: %w", err))
			return
		}
		res, err := c.onElicitation(ctx, &req)
		reply.resolve(res, err)

	default:
		reply.resolve(nil, fmt.Errorf("%w: %s", errUnsupportedMethod, msg.Method))
	}
}

func (c *Client) respondResult(ctx context.Context, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(ctx, id, codeInternalError, "marshal result: "+err.Error())
		return
	}
	c.respond(ctx, rpcMessage{JSONRPC: jsonRPCVersion, ID: id, Result: raw})
}

func (c *Client) respondError(ctx context.Context, id json.RawMessage, code int, message string) {
	c.respond(ctx, rpcMessage{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

func (c *Client) respond(ctx context.Context, msg rpcMessage) {
	resp, err := c.post(ctx, "respond", msg)
	if err != nil {
		c.logger.Warn("mcp.respond.failed", "server", c.server.ID, "error", err.Error())
		return
	}
	resp.Body.Close()
}
