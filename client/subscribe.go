package client

import "github.com/schemawire/schemawire/api/task"

// SubscribeAll matches every inbound frame regardless of type.
const SubscribeAll = "*"

// Handler observes inbound frames delivered through Subscribe. Handlers run
// on the connection's reader goroutine and must not block.
type Handler func(task.Frame)

// Subscribe registers a handler for every inbound frame of the given type
// (or SubscribeAll), independent of request id. The returned function
// removes the subscription; callers own that lifetime — there is no expiry
// timer, so a subscription leaks until unsubscribed.
func (c *Client) Subscribe(frameType string, h Handler) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	m := c.subs[frameType]
	if m == nil {
		m = map[int]Handler{}
		c.subs[frameType] = m
	}
	m[id] = h
	subscriptionsGauge.Inc()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		m, ok := c.subs[frameType]
		if !ok {
			return
		}
		if _, ok := m[id]; !ok {
			return
		}
		delete(m, id)
		if len(m) == 0 {
			delete(c.subs, frameType)
		}
		subscriptionsGauge.Dec()
	}
}
