// Package transport implements the default transport contract (spec
// §6): framed messages over net.Conn, a version-negotiation handshake
// before any application traffic, and a reconnecting dial loop with the
// spec's CONNECT_WAIT backoff progression. TLS and buffering tuning are
// explicitly out of scope (spec §6: "the transport is responsible for
// TLS, reconnection, and buffering", the contract boundary and default
// framing are in scope, not a production TLS stack).
//
// Built as a hand-rolled framing codec over net.Conn carrying this
// spec's single tagged wireproto.Message, rather than net/rpc's
// gob-based call/reply registration, since inter-replica Paxos traffic
// is asynchronous broadcast rather than request/response.
package transport

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/wireproto"
)

// ConnectWaitSteps is the backoff progression for re-dialing a peer
// (spec §5 "CONNECT_WAIT progression").
var ConnectWaitSteps = []time.Duration{
	100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
	5 * time.Second, 15 * time.Second, 30 * time.Second,
}

// Handler is invoked for every framed message received on any peer
// connection. It must not block for long; the engine owns dispatch.
type Handler func(peer uint16, msg *wireproto.Message)

// Peer is one outbound connection slot, reconnected with backoff.
type Peer struct {
	ID      uint16
	Address string

	mu   sync.Mutex
	conn net.Conn
}

// Transport owns the full set of peer connections for one node: dialing
// out, accepting in, and delivering every decoded message to Handler.
type Transport struct {
	SelfID   uint16
	Listen   string
	Peers    map[uint16]*Peer
	Handler  Handler
	Log      *zap.Logger

	listener net.Listener
}

// Open binds the listening socket. Callers run Serve in a goroutine
// afterward to start accepting.
func (t *Transport) Open() error {
	ln, err := net.Listen("tcp", t.Listen)
	if err != nil {
		return err
	}
	t.listener = ln
	return nil
}

// Serve accepts inbound connections until shutdown fires or Open's
// listener is closed.
func (t *Transport) Serve(shutdown <-chan struct{}) {
	go func() {
		<-shutdown
		t.listener.Close()
	}()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.serveConn(conn)
	}
}

func (t *Transport) serveConn(conn net.Conn) {
	defer conn.Close()

	var vh wireproto.VersionHandshake
	if err := vh.Unmarshal(conn); err != nil {
		return
	}
	reply := wireproto.VersionHandshake{ProtocolVersion: wireproto.CurrentProtocolVersion}
	if err := reply.Marshal(conn); err != nil {
		return
	}
	if vh.ProtocolVersion < wireproto.MinSupportedProtocolVersion {
		return
	}

	for {
		var msg wireproto.Message
		if err := msg.Unmarshal(conn); err != nil {
			return
		}
		if t.Handler != nil {
			t.Handler(msg.From, &msg)
		}
	}
}

// DialAll starts a reconnecting dial loop for every configured peer.
func (t *Transport) DialAll(shutdown <-chan struct{}) {
	for _, p := range t.Peers {
		go t.dialLoop(p, shutdown)
	}
}

func (t *Transport) dialLoop(p *Peer, shutdown <-chan struct{}) {
	step := 0
	for {
		select {
		case <-shutdown:
			return
		default:
		}
		conn, err := net.DialTimeout("tcp", p.Address, 3*time.Second)
		if err != nil {
			t.sleepBackoff(&step, shutdown)
			continue
		}
		if err := t.handshakeOut(conn); err != nil {
			conn.Close()
			t.sleepBackoff(&step, shutdown)
			continue
		}
		step = 0
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		t.readLoop(p, conn)
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
	}
}

func (t *Transport) handshakeOut(conn net.Conn) error {
	req := wireproto.VersionHandshake{ProtocolVersion: wireproto.CurrentProtocolVersion}
	if err := req.Marshal(conn); err != nil {
		return err
	}
	var reply wireproto.VersionHandshake
	return reply.Unmarshal(conn)
}

func (t *Transport) readLoop(p *Peer, conn net.Conn) {
	defer conn.Close()
	for {
		var msg wireproto.Message
		if err := msg.Unmarshal(conn); err != nil {
			return
		}
		if t.Handler != nil {
			t.Handler(p.ID, &msg)
		}
	}
}

func (t *Transport) sleepBackoff(step *int, shutdown <-chan struct{}) {
	delay := ConnectWaitSteps[len(ConnectWaitSteps)-1]
	if *step < len(ConnectWaitSteps) {
		delay = ConnectWaitSteps[*step]
		*step++
	}
	select {
	case <-shutdown:
	case <-time.After(delay):
	}
}

// Send writes msg to the given peer in Message.Marshal's layout; no
// wireproto.FrameHeader is written ahead of it. It returns an error on a transient I/O failure
// rather than retrying, the dial loop owns reconnection.
func (t *Transport) Send(to uint16, msg *wireproto.Message) error {
	p, ok := t.Peers[to]
	if !ok {
		return nil // unknown peer: silently dropped, mirrors a departed-node send
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil // not currently connected; message is best-effort
	}
	return msg.Marshal(conn)
}

// Broadcast sends a copy of msg, addressed per-recipient, to every member
// of q other than msg.From.
func (t *Transport) Broadcast(q paxos.Quorum, msg *wireproto.Message) {
	for _, to := range q.Members {
		if to == msg.From {
			continue
		}
		clone := *msg
		clone.To = to
		_ = t.Send(to, &clone)
	}
}
