// Package client implements the signalling channel (spec §6): the
// process-local path by which other threads submit requests into the
// single engine goroutine and receive replies back via a per-request
// reply slot, modeled as an in-process channel rather than a network
// round trip, since spec §6 describes a local pipe/loopback-socket
// wakeup, not a network RPC.
package client

import (
	"context"

	"github.com/totalorder/synod/internal/wireproto"
)

// Channel is the signalling channel: a single-byte-wakeup queue in the
// original design, modeled here as a buffered Go channel the engine
// goroutine drains via TryPop.
type Channel struct {
	queue chan *wireproto.Envelope
}

// NewChannel returns a signalling channel with the given queue depth.
func NewChannel(depth int) *Channel {
	return &Channel{queue: make(chan *wireproto.Envelope, depth)}
}

// Submit enqueues a request carrying data and blocks for its outcome or
// ctx's cancellation, the client-facing half of spec §6's local
// request channel.
func (c *Channel) Submit(ctx context.Context, data wireproto.AppData) (wireproto.Outcome, error) {
	env := &wireproto.Envelope{Data: data, ReplySlot: make(chan wireproto.Outcome, 1)}
	select {
	case c.queue <- env:
	case <-ctx.Done():
		return wireproto.Outcome{}, ctx.Err()
	}
	select {
	case out := <-env.ReplySlot:
		return out, nil
	case <-ctx.Done():
		return wireproto.Outcome{}, ctx.Err()
	}
}

// TryPop implements spec §6's input_try_pop: a non-blocking pop of one
// queued request, called from the engine goroutine only.
func (c *Channel) TryPop() (*wireproto.Envelope, bool) {
	select {
	case env := <-c.queue:
		return env, true
	default:
		return nil, false
	}
}

// Close stops accepting new submissions.
func (c *Channel) Close() { close(c.queue) }

// RequestReply implements spec §6's request_reply(slot, payload):
// delivers the engine's outcome back to whichever Submit call is
// blocked on env's reply slot.
func RequestReply(env *wireproto.Envelope, out wireproto.Outcome) {
	env.ReplySlot <- out
}
