package client

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/schemawire/schemawire/api/task"
)

// Callbacks receives the frames of one request. Callbacks run on the
// connection's reader goroutine, so within one request they are invoked in
// arrival order; implementations must not block.
type Callbacks struct {
	OnProgress func(task.ProgressUpdate)
	OnStream   func(task.StreamChunk)
	OnResult   func(json.RawMessage)
	OnError    func(task.ErrorPayload)
}

// CancelFunc abandons a request client-side: the correlation entry is
// removed so further frames for it are dropped, and a best-effort cancel
// frame is sent. The server-side computation may continue regardless.
type CancelFunc func()

// SendRequest issues one correlated request. It generates a fresh request
// id, registers the callbacks, connects if necessary, and writes the frame.
// The entry stays live until a result or error frame arrives or the
// returned CancelFunc runs.
func (c *Client) SendRequest(ctx context.Context, requestType string, payload any, cb Callbacks) (string, CancelFunc, error) {
	id := uuid.NewString()
	cancel, err := c.SendRequestWithID(ctx, id, requestType, payload, cb)
	if err != nil {
		return "", nil, err
	}
	return id, cancel, nil
}

// SendRequestWithID is SendRequest under a caller-provided request id, for
// callers that need to know the id before any response frame can arrive.
// The id must be unique among outstanding requests.
func (c *Client) SendRequestWithID(ctx context.Context, id, requestType string, payload any, cb Callbacks) (CancelFunc, error) {
	f, err := task.New(requestType, id, payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pending[id] = cb
	c.mu.Unlock()
	pendingGauge.Inc()
	requestsStarted.Inc()

	if err := c.Connect(ctx); err != nil {
		c.retire(id)
		return nil, err
	}
	if err := c.Send(ctx, f); err != nil {
		c.retire(id)
		return nil, err
	}
	cancel := func() {
		if c.retire(id) {
			requestsCanceled.Inc()
			if cf, err := task.New(task.TypeCancel, id, nil); err == nil {
				c.trySend(cf)
			}
		}
	}
	return cancel, nil
}

// retire removes a correlation entry and reports whether it was still live.
func (c *Client) retire(id string) bool {
	c.mu.Lock()
	_, live := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if live {
		pendingGauge.Dec()
	}
	return live
}

// Do issues one request and blocks until its terminal frame: the result
// payload on success, the server's error otherwise. onProgress, when
// non-nil, observes progress frames as a side channel without affecting the
// outcome. Cancellation of ctx abandons the request client-side.
func (c *Client) Do(ctx context.Context, requestType string, payload any, onProgress func(task.ProgressUpdate)) (json.RawMessage, error) {
	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan task.ErrorPayload, 1)
	_, cancel, err := c.SendRequest(ctx, requestType, payload, Callbacks{
		OnProgress: onProgress,
		OnResult:   func(res json.RawMessage) { resultCh <- res },
		OnError:    func(e task.ErrorPayload) { errCh <- e },
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-resultCh:
		requestsSucceeded.Inc()
		return res, nil
	case e := <-errCh:
		requestsFailed.Inc()
		return nil, e
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// dispatch routes one inbound frame: broadcast subscribers first, then the
// correlation entry for its request id. Terminal frames retire the entry
// exactly once, before the callback runs, so a duplicate terminal frame is
// dropped rather than redelivered.
func (c *Client) dispatch(f task.Frame) {
	c.mu.Lock()
	var handlers []Handler
	for _, h := range c.subs[f.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range c.subs[SubscribeAll] {
		handlers = append(handlers, h)
	}
	var cb Callbacks
	var live bool
	if f.RequestID != "" {
		cb, live = c.pending[f.RequestID]
		if live && f.IsTerminal() {
			delete(c.pending, f.RequestID)
		}
	}
	c.mu.Unlock()
	if live && f.IsTerminal() {
		pendingGauge.Dec()
	}

	for _, h := range handlers {
		h(f)
	}

	switch f.Type {
	case task.TypeConnection:
		p, err := task.DecodeConnection(f)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad connection frame")
			return
		}
		c.mu.Lock()
		c.clientID = p.ClientID
		c.mu.Unlock()
		c.log.Debug().Str("client_id", p.ClientID).Msg("connection established")
	case task.TypeProgress:
		if !live {
			c.dropOrphan(f)
			return
		}
		p, err := task.DecodeProgress(f)
		if err != nil {
			c.log.Warn().Str("request_id", f.RequestID).Err(err).Msg("bad progress payload dropped")
			framesDropped.Inc()
			return
		}
		if cb.OnProgress != nil {
			cb.OnProgress(p)
		}
	case task.TypeStream:
		if !live {
			c.dropOrphan(f)
			return
		}
		p, err := task.DecodeStream(f)
		if err != nil {
			c.log.Warn().Str("request_id", f.RequestID).Err(err).Msg("bad stream payload dropped")
			framesDropped.Inc()
			return
		}
		// Stream completion is not terminal; the entry stays live until
		// the result or error frame arrives.
		if cb.OnStream != nil {
			cb.OnStream(p)
		}
	case task.TypeResult:
		if !live {
			c.dropOrphan(f)
			return
		}
		if cb.OnResult != nil {
			cb.OnResult(f.Payload)
		}
	case task.TypeError:
		if !live {
			c.dropOrphan(f)
			return
		}
		p, err := task.DecodeError(f)
		if err != nil {
			p = task.ErrorPayload{Message: string(f.Payload)}
		}
		if cb.OnError != nil {
			cb.OnError(p)
		}
	}
}

// dropOrphan discards a request-scoped frame whose id has no live entry:
// either it arrived after the terminal frame or it was never ours.
func (c *Client) dropOrphan(f task.Frame) {
	c.log.Debug().Str("type", f.Type).Str("request_id", f.RequestID).Msg("orphan frame dropped")
	orphanFrames.Inc()
}
