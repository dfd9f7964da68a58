// Package wireproto defines the on-wire message shape shared by every
// Paxos handler, plus a manual little-endian marshal/unmarshal codec
// for this message's field set.
package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/totalorder/synod/internal/synod"
)

// Op is the closed set of Paxos/liveness message tags (spec §4.2, §4.4,
// §4.8). Kept as a single tagged-message shape rather than a family of
// per-RPC structs, since spec §3 defines one generic message schema
// reinterpreted per op.
type Op uint8

const (
	OpInitial Op = iota
	OpPrepare
	OpAckPrepare
	OpAccept
	OpAckAccept
	OpLearn
	OpTinyLearn
	OpSkip
	OpRead
	OpDie
	OpIAmAlive
	OpAreYouAlive
	OpNeedBoot
	OpGCSSnapshot
	OpRecoverLearn
	OpVersionReq
	OpVersionReply
)

func (op Op) String() string {
	switch op {
	case OpInitial:
		return "initial"
	case OpPrepare:
		return "prepare"
	case OpAckPrepare:
		return "ack_prepare"
	case OpAccept:
		return "accept"
	case OpAckAccept:
		return "ack_accept"
	case OpLearn:
		return "learn"
	case OpTinyLearn:
		return "tiny_learn"
	case OpSkip:
		return "skip"
	case OpRead:
		return "read"
	case OpDie:
		return "die"
	case OpIAmAlive:
		return "i_am_alive"
	case OpAreYouAlive:
		return "are_you_alive"
	case OpNeedBoot:
		return "need_boot"
	case OpGCSSnapshot:
		return "gcs_snapshot"
	case OpRecoverLearn:
		return "recover_learn"
	case OpVersionReq:
		return "x_version_req"
	case OpVersionReply:
		return "x_version_reply"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Harmless reports whether op may be processed past the event horizon
// without risking safety (spec §4.4).
func (op Op) Harmless() bool {
	switch op {
	case OpIAmAlive, OpAreYouAlive, OpNeedBoot, OpGCSSnapshot, OpLearn,
		OpRecoverLearn, OpTinyLearn, OpDie:
		return true
	default:
		return false
	}
}

// ValueKind distinguishes a real client payload from a no-op filler.
type ValueKind uint8

const (
	KindNormal ValueKind = iota
	KindNoOp
)

// Message is the wire shape carried by every Paxos handler (spec §4.2).
type Message struct {
	Synode        synod.Synod
	From          uint16
	To            uint16
	Op            Op
	Proposal      synod.Ballot
	ReplyTo       synod.Ballot
	Kind          ValueKind
	AppData       []byte
	ForceDelivery bool
	MaxSynode     synod.Synod
	DeliveredMsg  synod.Synod
}

// IsNoOp reports whether this message carries the no-op filler value.
func (m *Message) IsNoOp() bool { return m.Kind == KindNoOp }

// Marshal writes m to wire in manual little-endian style.
func (m *Message) Marshal(w io.Writer) error {
	var hdr [4 + 8 + 2 + 2 + 2 + 1 + 4 + 2 + 4 + 2 + 1 + 1 + 4 + 8 + 2]byte
	off := 0
	binary.LittleEndian.PutUint32(hdr[off:], m.Synode.Group)
	off += 4
	binary.LittleEndian.PutUint64(hdr[off:], m.Synode.Slot)
	off += 8
	binary.LittleEndian.PutUint16(hdr[off:], m.Synode.Owner)
	off += 2
	binary.LittleEndian.PutUint16(hdr[off:], m.From)
	off += 2
	binary.LittleEndian.PutUint16(hdr[off:], m.To)
	off += 2
	hdr[off] = byte(m.Op)
	off++
	binary.LittleEndian.PutUint32(hdr[off:], uint32(m.Proposal.Count))
	off += 4
	binary.LittleEndian.PutUint16(hdr[off:], m.Proposal.Node)
	off += 2
	binary.LittleEndian.PutUint32(hdr[off:], uint32(m.ReplyTo.Count))
	off += 4
	binary.LittleEndian.PutUint16(hdr[off:], m.ReplyTo.Node)
	off += 2
	hdr[off] = byte(m.Kind)
	off++
	forced := byte(0)
	if m.ForceDelivery {
		forced = 1
	}
	hdr[off] = forced
	off++
	binary.LittleEndian.PutUint32(hdr[off:], m.MaxSynode.Group)
	off += 4
	binary.LittleEndian.PutUint64(hdr[off:], m.MaxSynode.Slot)
	off += 8
	binary.LittleEndian.PutUint16(hdr[off:], m.MaxSynode.Owner)
	off += 2
	if _, err := w.Write(hdr[:off]); err != nil {
		return err
	}
	var dtail [4 + 8 + 2]byte
	binary.LittleEndian.PutUint32(dtail[0:], m.DeliveredMsg.Group)
	binary.LittleEndian.PutUint64(dtail[4:], m.DeliveredMsg.Slot)
	binary.LittleEndian.PutUint16(dtail[12:], m.DeliveredMsg.Owner)
	if _, err := w.Write(dtail[:]); err != nil {
		return err
	}
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(m.AppData)))
	if _, err := w.Write(lb[:]); err != nil {
		return err
	}
	if len(m.AppData) > 0 {
		if _, err := w.Write(m.AppData); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal reads m from wire, mirroring Marshal's layout exactly.
func (m *Message) Unmarshal(r io.Reader) error {
	var hdr [4 + 8 + 2 + 2 + 2 + 1 + 4 + 2 + 4 + 2 + 1 + 1 + 4 + 8 + 2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	off := 0
	m.Synode.Group = binary.LittleEndian.Uint32(hdr[off:])
	off += 4
	m.Synode.Slot = binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	m.Synode.Owner = binary.LittleEndian.Uint16(hdr[off:])
	off += 2
	m.From = binary.LittleEndian.Uint16(hdr[off:])
	off += 2
	m.To = binary.LittleEndian.Uint16(hdr[off:])
	off += 2
	m.Op = Op(hdr[off])
	off++
	m.Proposal.Count = int32(binary.LittleEndian.Uint32(hdr[off:]))
	off += 4
	m.Proposal.Node = binary.LittleEndian.Uint16(hdr[off:])
	off += 2
	m.ReplyTo.Count = int32(binary.LittleEndian.Uint32(hdr[off:]))
	off += 4
	m.ReplyTo.Node = binary.LittleEndian.Uint16(hdr[off:])
	off += 2
	m.Kind = ValueKind(hdr[off])
	off++
	m.ForceDelivery = hdr[off] != 0
	off++
	m.MaxSynode.Group = binary.LittleEndian.Uint32(hdr[off:])
	off += 4
	m.MaxSynode.Slot = binary.LittleEndian.Uint64(hdr[off:])
	off += 8
	m.MaxSynode.Owner = binary.LittleEndian.Uint16(hdr[off:])
	off += 2

	var dtail [4 + 8 + 2]byte
	if _, err := io.ReadFull(r, dtail[:]); err != nil {
		return err
	}
	m.DeliveredMsg.Group = binary.LittleEndian.Uint32(dtail[0:])
	m.DeliveredMsg.Slot = binary.LittleEndian.Uint64(dtail[4:])
	m.DeliveredMsg.Owner = binary.LittleEndian.Uint16(dtail[12:])

	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lb[:])
	if n > 0 {
		m.AppData = make([]byte, n)
		if _, err := io.ReadFull(r, m.AppData); err != nil {
			return err
		}
	} else {
		m.AppData = nil
	}
	return nil
}
