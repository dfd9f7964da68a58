package paxos

import (
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// Quorum describes the membership a round must satisfy majority over.
// Under a forced round (spec §4.2) it is the forced membership and
// requires unanimity rather than a simple majority.
type Quorum struct {
	Members  []uint16
	Forced   bool
}

func (q Quorum) required() int {
	if q.Forced {
		return len(q.Members)
	}
	return len(q.Members)/2 + 1
}

func (q Quorum) has(node uint16) bool {
	for _, m := range q.Members {
		if m == node {
			return true
		}
	}
	return false
}

// Self identifies the local node for owner-fast-path and reply routing.
type Self struct {
	ID uint16
}

// HandlePrepare implements spec §4.2 handle_prepare.
func (s *Slot) HandlePrepare(self Self, msg *wireproto.Message) *wireproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Learner.Msg != nil {
		return s.teachLocked(self, msg.From)
	}

	acceptedNoOp := s.Acceptor.Msg != nil && s.Acceptor.Msg.IsNoOp()
	if msg.Proposal.Greater(s.Acceptor.Promise) || (msg.IsNoOp() && acceptedNoOp) {
		s.Acceptor.Promise = msg.Proposal
		reply := &wireproto.Message{
			Synode:   s.Synode,
			From:     self.ID,
			To:       msg.From,
			Op:       wireproto.OpAckPrepare,
			Proposal: msg.Proposal,
		}
		if s.Acceptor.Msg != nil {
			reply.ReplyTo = s.Acceptor.Msg.Proposal
			reply.AppData = s.Acceptor.Msg.AppData
			reply.Kind = s.Acceptor.Msg.Kind
		}
		s.touch()
		return reply
	}
	return nil
}

// HandleAckPrepare implements spec §4.2 handle_ack_prepare. It returns the
// accept message to broadcast once a majority has answered, or nil.
func (s *Slot) HandleAckPrepare(self Self, q Quorum, reply *wireproto.Message) *wireproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Learner.Msg != nil {
		return nil
	}
	if !reply.Proposal.Equal(s.Proposer.Ballot) {
		return nil
	}
	s.Proposer.PrepAcks[reply.From] = true
	if reply.ReplyTo.Count != 0 || reply.AppData != nil {
		if s.Proposer.Msg == nil || reply.ReplyTo.Greater(s.Proposer.Msg.Proposal) {
			adopted := &wireproto.Message{
				Synode:   s.Synode,
				Proposal: s.Proposer.Ballot,
				AppData:  reply.AppData,
				Kind:     reply.Kind,
			}
			s.Proposer.Msg = adopted
		}
	}
	if len(s.Proposer.PrepAcks) < q.required() {
		return nil
	}
	value := s.Proposer.Msg
	if value == nil {
		value = &wireproto.Message{Synode: s.Synode, Proposal: s.Proposer.Ballot, Kind: wireproto.KindNoOp}
	}
	accept := &wireproto.Message{
		Synode:   s.Synode,
		From:     self.ID,
		Op:       wireproto.OpAccept,
		Proposal: s.Proposer.Ballot,
		AppData:  value.AppData,
		Kind:     value.Kind,
	}
	s.Proposer.Msg = value
	s.touch()
	return accept
}

// HandleAccept implements spec §4.2 handle_accept.
func (s *Slot) HandleAccept(self Self, msg *wireproto.Message) *wireproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Learner.Msg != nil {
		return s.teachLocked(self, msg.From)
	}
	if msg.Proposal.Less(s.Acceptor.Promise) {
		return nil
	}
	s.Acceptor.Msg = msg
	s.Acceptor.Promise = msg.Proposal
	s.touch()
	return &wireproto.Message{
		Synode:   s.Synode,
		From:     self.ID,
		To:       msg.From,
		Op:       wireproto.OpAckAccept,
		Proposal: msg.Proposal,
	}
}

// HandleAckAccept implements spec §4.2 handle_ack_accept. peerHasValue
// reports whether the replying peer already held this value (for the
// tiny_learn optimization).
func (s *Slot) HandleAckAccept(self Self, q Quorum, reply *wireproto.Message, peerHasValue bool) *wireproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Learner.Msg != nil {
		return nil
	}
	if !reply.Proposal.Equal(s.Proposer.Ballot) {
		return nil
	}
	s.Proposer.AcceptAcks[reply.From] = true
	if len(s.Proposer.AcceptAcks) < q.required() {
		return nil
	}
	value := s.Proposer.Msg
	if value == nil {
		value = &wireproto.Message{Synode: s.Synode, Kind: wireproto.KindNoOp}
	}
	op := wireproto.OpLearn
	if peerHasValue {
		op = wireproto.OpTinyLearn
	}
	s.Learner.Msg = &wireproto.Message{
		Synode: s.Synode, From: self.ID, Op: wireproto.OpLearn,
		Proposal: s.Proposer.Ballot, AppData: value.AppData, Kind: value.Kind,
	}
	s.touch()
	return &wireproto.Message{
		Synode: s.Synode, From: self.ID, Op: op,
		Proposal: s.Proposer.Ballot, AppData: value.AppData, Kind: value.Kind,
	}
}

// HandleLearn implements spec §4.2 handle_learn. It is idempotent: a
// replay for an already-finished slot is a no-op (spec §8).
func (s *Slot) HandleLearn(msg *wireproto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Learner.Msg != nil {
		return
	}
	s.Learner.Msg = msg
	s.Op = wireproto.OpLearn
	s.touch()
}

// HandleTinyLearn implements spec §4.2 handle_tiny_learn. needsRead
// reports whether the caller must issue a read to fetch the value.
func (s *Slot) HandleTinyLearn(msg *wireproto.Message) (needsRead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Learner.Msg != nil {
		return false
	}
	if s.Acceptor.Msg != nil && s.Acceptor.Msg.Proposal.Equal(msg.Proposal) {
		s.Learner.Msg = s.Acceptor.Msg
		s.Op = wireproto.OpLearn
		s.touch()
		return false
	}
	return true
}

// HandleSkip implements spec §4.2 handle_skip: a unilateral no-op learn,
// only legal if no conflicting accepted value exists locally.
func (s *Slot) HandleSkip(self Self) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Learner.Msg != nil {
		return true
	}
	if s.Acceptor.Msg != nil && !s.Acceptor.Msg.IsNoOp() {
		return false
	}
	s.Learner.Msg = &wireproto.Message{Synode: s.Synode, From: self.ID, Op: wireproto.OpLearn, Kind: wireproto.KindNoOp}
	s.Op = wireproto.OpSkip
	s.touch()
	return true
}

// HandleRead implements spec §4.2 handle_read.
func (s *Slot) HandleRead(self Self, msg *wireproto.Message) *wireproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Learner.Msg == nil {
		return nil
	}
	return s.teachLocked(self, msg.From)
}

// SelfDeliver simulates this node also being an acceptor for its own
// outbound message, the way a remote peer's delivery would advance the
// slot, and returns the follow-up message produced, if any. Both the
// proposer and acceptor-learner tasks use this so a node's own vote
// counts toward quorum without looping a message back through the
// network to itself (Broadcast never addresses the sender).
func SelfDeliver(self Self, q Quorum, s *Slot, msg *wireproto.Message) *wireproto.Message {
	switch msg.Op {
	case wireproto.OpPrepare:
		ack := s.HandlePrepare(self, msg)
		if ack == nil {
			return nil
		}
		return s.HandleAckPrepare(self, q, ack)
	case wireproto.OpAccept:
		ack := s.HandleAccept(self, msg)
		if ack == nil {
			return nil
		}
		return s.HandleAckAccept(self, q, ack, false)
	default:
		return nil
	}
}

// teachLocked replies with the full learn for an already-finished slot,
// teaching an ignorant proposer (spec §4.2, used by prepare/accept/read).
// Caller must hold s.mu.
func (s *Slot) teachLocked(self Self, to uint16) *wireproto.Message {
	learned := s.Learner.Msg
	return &wireproto.Message{
		Synode: s.Synode, From: self.ID, To: to, Op: wireproto.OpLearn,
		Proposal: learned.Proposal, AppData: learned.AppData, Kind: learned.Kind,
	}
}

// StartOwnerFastPath begins the owner's 2-phase accept with ballot {0,
// owner} (spec §4.2). It returns false if a higher-ballot promise has
// already been observed locally, in which case the caller must fall back
// to 3-phase.
func (s *Slot) StartOwnerFastPath(self Self, owner uint16, value *wireproto.Message) (*wireproto.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	initial := synod.InitialBallot(owner)
	if s.Acceptor.Promise.Greater(initial) {
		return nil, false
	}
	s.Proposer.Ballot = initial
	s.Proposer.Msg = value
	s.Proposer.SentPrepare = false
	s.Op = wireproto.OpAccept
	s.touch()
	return &wireproto.Message{
		Synode: s.Synode, From: self.ID, Op: wireproto.OpAccept,
		Proposal: initial, AppData: value.AppData, Kind: value.Kind,
	}, true
}

// StartPrepare begins a 3-phase round at ballot bal (spec §4.2, the
// fallback path and recovery's higher-ballot prepare).
func (s *Slot) StartPrepare(self Self, bal synod.Ballot, value *wireproto.Message, forced bool) *wireproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Proposer.Ballot = bal
	s.Proposer.Msg = value
	s.Proposer.SentPrepare = true
	s.Proposer.PrepAcks = make(map[uint16]bool)
	s.Proposer.AcceptAcks = make(map[uint16]bool)
	s.ForceDelivery = forced
	s.Op = wireproto.OpPrepare
	s.touch()
	return &wireproto.Message{
		Synode: s.Synode, From: self.ID, Op: wireproto.OpPrepare,
		Proposal: bal, ForceDelivery: forced,
	}
}
