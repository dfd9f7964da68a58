// Package acceptor implements the acceptor-learner task (spec §4.4):
// demultiplexing inbound Paxos messages to the right internal/paxos
// slot handler, enforcing the event horizon and harmless-message
// allowance, and refusing to act as acceptor before boot completes.
// Dispatch is a table keyed on wireproto.Op rather than a fixed set of
// per-RPC channels. Framing and socket ownership live in
// internal/transport; Dispatcher here only ever sees already-decoded
// messages, handed to it by the transport's Handler callback.
package acceptor

import (
	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/wireproto"
)

// Membership answers the questions dispatch needs about group state to
// enforce the event horizon and liveness bookkeeping, plus the quorum an
// ack fan-in must satisfy to advance a round it is driving.
type Membership interface {
	Threshold() uint64
	DeliveredSlot() uint64
	Booted() bool
	NodeID() uint16
	GroupID() uint32
	MarkAlive(peer uint16)
	Quorum() paxos.Quorum
}

// Sender pushes an outbound reply to a peer, or a round's next message
// to the whole quorum.
type Sender interface {
	Send(to uint16, msg *wireproto.Message) error
	Broadcast(q paxos.Quorum, msg *wireproto.Message)
}

// Dispatcher is the acceptor-learner task's message handler, shared by
// every inbound connection (spec §4.4 describes it per-connection, but
// its state, the slot cache, is process-wide, so one Dispatcher
// serves all connections).
type Dispatcher struct {
	Cache   *slotcache.Cache
	Members Membership
	Out     Sender
	Log     *zap.Logger
}

// Dispatch implements the event-horizon/harmless/die_op/pre-boot rules
// of spec §4.4 before handing off to internal/paxos, then sends any
// resulting reply.
func (d *Dispatcher) Dispatch(msg *wireproto.Message) {
	d.Members.MarkAlive(msg.From)

	if msg.Synode.Group != d.Members.GroupID() {
		return // message addressed to a different group_id: silently dropped
	}

	harmless := msg.Op.Harmless()

	if msg.Synode.Slot >= d.Members.Threshold() && !harmless {
		return // "beyond the event horizon... silently dropped"
	}

	if msg.Synode.Slot < d.Members.DeliveredSlot() && d.Cache.WasRemoved(msg.Synode) && !harmless {
		d.replyDie(msg)
		return
	}

	if !d.Members.Booted() && (msg.Op == wireproto.OpPrepare || msg.Op == wireproto.OpAccept) {
		return // refuse to act as acceptor before the boot handshake completes
	}

	self := paxos.Self{ID: d.Members.NodeID()}
	slot := d.Cache.Get(msg.Synode)

	switch msg.Op {
	case wireproto.OpPrepare:
		if reply := slot.HandlePrepare(self, msg); reply != nil {
			d.send(reply)
		}
	case wireproto.OpAccept:
		if reply := slot.HandleAccept(self, msg); reply != nil {
			d.send(reply)
		}
	case wireproto.OpLearn:
		slot.HandleLearn(msg)
	case wireproto.OpTinyLearn:
		if slot.HandleTinyLearn(msg) {
			d.send(&wireproto.Message{Synode: msg.Synode, From: self.ID, To: msg.From, Op: wireproto.OpRead})
		}
	case wireproto.OpSkip:
		slot.HandleSkip(self)
	case wireproto.OpRead:
		if reply := slot.HandleRead(self, msg); reply != nil {
			d.send(reply)
		}
	case wireproto.OpDie:
		d.Cache.AddSize(-int64(len(msg.AppData)))
	case wireproto.OpAckPrepare:
		q := d.Members.Quorum()
		if next := slot.HandleAckPrepare(self, q, msg); next != nil {
			d.broadcastAndSelfDeliver(self, q, slot, next)
		}
	case wireproto.OpAckAccept:
		q := d.Members.Quorum()
		if next := slot.HandleAckAccept(self, q, msg, false); next != nil {
			d.broadcastAndSelfDeliver(self, q, slot, next)
		}
	}
}

// broadcastAndSelfDeliver sends msg to the quorum driving this slot and
// also feeds it back through the local acceptor handler, the way the
// proposer task does for its own initial broadcast: a node that is both
// the proposer and an acceptor for its own round never receives its own
// network broadcast back (Broadcast skips the sender), so its vote must
// be registered locally. A new message this produces (e.g. an accept
// once prepare acks here reach quorum) is broadcast and self-delivered
// in turn.
func (d *Dispatcher) broadcastAndSelfDeliver(self paxos.Self, q paxos.Quorum, slot *paxos.Slot, msg *wireproto.Message) {
	for msg != nil {
		d.Out.Broadcast(q, msg)
		msg = paxos.SelfDeliver(self, q, slot, msg)
	}
}

func (d *Dispatcher) replyDie(msg *wireproto.Message) {
	d.send(&wireproto.Message{
		Synode: msg.Synode,
		From:   d.Members.NodeID(),
		To:     msg.From,
		Op:     wireproto.OpDie,
	})
}

func (d *Dispatcher) send(msg *wireproto.Message) {
	if err := d.Out.Send(msg.To, msg); err != nil && d.Log != nil {
		d.Log.Warn("acceptor reply send failed", zap.Uint16("to", msg.To), zap.Error(err))
	}
}
