package paxos

import (
	"testing"

	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

func sy(slot uint64) synod.Synod { return synod.Synod{Group: 1, Slot: slot, Owner: 1} }

func TestOwnerFastPathToLearn(t *testing.T) {
	owner := Self{ID: 1}
	s := NewSlot(sy(1))
	value := &wireproto.Message{AppData: []byte("v1"), Kind: wireproto.KindNormal}

	accept, ok := s.StartOwnerFastPath(owner, 1, value)
	if !ok {
		t.Fatal("expected fast path to start")
	}
	if accept.Op != wireproto.OpAccept {
		t.Fatalf("expected accept broadcast, got %v", accept.Op)
	}

	q := Quorum{Members: []uint16{1, 2, 3}}
	ackFromPeer := &wireproto.Message{From: 2, Proposal: accept.Proposal}

	ackAccept1 := s.HandleAccept(Self{ID: 2}, accept)
	if ackAccept1.Op != wireproto.OpAckAccept {
		t.Fatalf("expected ack_accept, got %v", ackAccept1.Op)
	}

	if learn := s.HandleAckAccept(owner, q, ackFromPeer, false); learn != nil {
		t.Fatal("one ack should not yet satisfy a 3-member majority")
	}
	ackFromPeer2 := &wireproto.Message{From: 3, Proposal: accept.Proposal}
	learn := s.HandleAckAccept(owner, q, ackFromPeer2, false)
	if learn == nil {
		t.Fatal("expected majority to produce a learn broadcast")
	}
	if learn.Op != wireproto.OpLearn {
		t.Fatalf("expected OpLearn, got %v", learn.Op)
	}
	if !s.Finished() {
		t.Fatal("slot should be finished after learn")
	}
}

func TestThreePhasePrepareAdoptsHighestAcceptedValue(t *testing.T) {
	owner := Self{ID: 1}
	s := NewSlot(sy(2))
	bal := synod.Ballot{Count: 1, Node: 1}
	prepare := s.StartPrepare(owner, bal, nil, false)
	if prepare.Op != wireproto.OpPrepare {
		t.Fatalf("expected prepare, got %v", prepare.Op)
	}

	// A peer already accepted a value at a lower ballot; handle_prepare at
	// the acceptor side should teach it back.
	peerSlot := NewSlot(sy(2))
	oldAccept := &wireproto.Message{Proposal: synod.Ballot{Count: 0, Node: 2}, AppData: []byte("old"), Kind: wireproto.KindNormal}
	peerSlot.HandleAccept(Self{ID: 2}, oldAccept)

	ackPrepare := peerSlot.HandlePrepare(Self{ID: 2}, prepare)
	if ackPrepare == nil {
		t.Fatal("expected an ack_prepare reply")
	}
	if string(ackPrepare.AppData) != "old" {
		t.Fatalf("expected the previously accepted value to ride along, got %q", ackPrepare.AppData)
	}

	q := Quorum{Members: []uint16{1, 2, 3}}
	accept := s.HandleAckPrepare(owner, q, ackPrepare)
	if accept != nil {
		t.Fatal("one ack should not satisfy a 3-member majority")
	}
	ackPrepare2 := &wireproto.Message{From: 3, Proposal: bal}
	accept = s.HandleAckPrepare(owner, q, ackPrepare2)
	if accept == nil {
		t.Fatal("expected majority to produce an accept broadcast")
	}
	if string(accept.AppData) != "old" {
		t.Fatalf("expected the adopted value to be re-proposed, got %q", accept.AppData)
	}
}

func TestHandlePrepareRejectsLowerBallot(t *testing.T) {
	s := NewSlot(sy(3))
	high := &wireproto.Message{Proposal: synod.Ballot{Count: 5, Node: 1}}
	low := &wireproto.Message{Proposal: synod.Ballot{Count: 1, Node: 2}}

	if s.HandlePrepare(Self{ID: 2}, high) == nil {
		t.Fatal("expected ack for first (higher) prepare")
	}
	if reply := s.HandlePrepare(Self{ID: 2}, low); reply != nil {
		t.Fatal("expected no ack for a lower-ballot prepare")
	}
}

func TestHandleSkipRefusesOverAcceptedValue(t *testing.T) {
	s := NewSlot(sy(4))
	accept := &wireproto.Message{Proposal: synod.Ballot{Count: 1, Node: 2}, AppData: []byte("v"), Kind: wireproto.KindNormal}
	s.HandleAccept(Self{ID: 3}, accept)

	if s.HandleSkip(Self{ID: 3}) {
		t.Fatal("handle_skip must refuse when a non-no-op value is already accepted")
	}
}

func TestHandleSkipSucceedsOnEmptySlot(t *testing.T) {
	s := NewSlot(sy(5))
	if !s.HandleSkip(Self{ID: 3}) {
		t.Fatal("handle_skip should succeed on an untouched slot")
	}
	if !s.Finished() || !s.LearnedMessage().IsNoOp() {
		t.Fatal("expected a no-op learn after a successful skip")
	}
}

func TestHandleLearnIsIdempotent(t *testing.T) {
	s := NewSlot(sy(6))
	first := &wireproto.Message{AppData: []byte("a"), Kind: wireproto.KindNormal}
	s.HandleLearn(first)
	second := &wireproto.Message{AppData: []byte("b"), Kind: wireproto.KindNormal}
	s.HandleLearn(second)
	if string(s.LearnedMessage().AppData) != "a" {
		t.Fatal("a replayed learn must not override the first decision")
	}
}

func TestHandleTinyLearnResolvesFromLocalAccept(t *testing.T) {
	s := NewSlot(sy(7))
	bal := synod.Ballot{Count: 1, Node: 1}
	accept := &wireproto.Message{Proposal: bal, AppData: []byte("v"), Kind: wireproto.KindNormal}
	s.HandleAccept(Self{ID: 2}, accept)

	tiny := &wireproto.Message{Proposal: bal}
	needsRead := s.HandleTinyLearn(tiny)
	if needsRead {
		t.Fatal("expected no read needed: the local accept already matches")
	}
	if !s.Finished() {
		t.Fatal("expected the slot to be finished after resolving tiny_learn locally")
	}
}

func TestHandleTinyLearnRequestsReadOnMismatch(t *testing.T) {
	s := NewSlot(sy(8))
	tiny := &wireproto.Message{Proposal: synod.Ballot{Count: 9, Node: 9}}
	if !s.HandleTinyLearn(tiny) {
		t.Fatal("expected a read request when the local accept doesn't match")
	}
}

func TestHandleReadTeachesFinishedSlot(t *testing.T) {
	s := NewSlot(sy(9))
	s.HandleLearn(&wireproto.Message{AppData: []byte("done"), Kind: wireproto.KindNormal})
	reply := s.HandleRead(Self{ID: 1}, &wireproto.Message{From: 5})
	if reply == nil || reply.Op != wireproto.OpLearn {
		t.Fatal("expected handle_read to teach the learned value")
	}
	if reply.To != 5 {
		t.Fatalf("expected reply addressed to requester, got %d", reply.To)
	}
}
