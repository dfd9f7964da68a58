// Package paxos implements the per-slot Paxos state machine (spec §4.2):
// the prepare/accept/learn handlers, the owner's 2-phase fast path, the
// no-op optimization, and forced rounds. Each exported Handle* method
// mutates exactly one Slot and returns zero or more outgoing messages;
// callers (internal/acceptor, internal/proposer) own the network send.
package paxos

import (
	"sync"
	"time"

	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// ProposerState is a slot's proposer-side bookkeeping for the in-flight
// attempt (spec §3).
type ProposerState struct {
	Ballot      synod.Ballot
	SentPrepare bool
	SentLearn   bool
	PrepAcks    map[uint16]bool
	AcceptAcks  map[uint16]bool
	Msg         *wireproto.Message
}

// AcceptorState is a slot's acceptor-side bookkeeping (spec §3).
type AcceptorState struct {
	Promise synod.Ballot
	Msg     *wireproto.Message
}

// LearnerState holds the decided value, once known (spec §3).
type LearnerState struct {
	Msg *wireproto.Message
}

// Slot is one synod's full Paxos state. This model is a
// single-threaded cooperative scheduler where mutual exclusion is
// implicit; this module runs real goroutines per task (proposer,
// acceptor/learner, executor, sweeper), so Slot guards its fields with a
// mutex and exposes Wait/Wake for the "rv" wait-queue described in
// spec §3.
type Slot struct {
	mu sync.Mutex

	Synode       synod.Synod
	Op           wireproto.Op
	Proposer     ProposerState
	Acceptor     AcceptorState
	Learner      LearnerState
	LastModified time.Time
	ForceDelivery bool
	Enforcer     bool
	Locked       bool

	cond *sync.Cond
}

// NewSlot returns a freshly-touched, empty slot for s.
func NewSlot(s synod.Synod) *Slot {
	sl := &Slot{
		Synode: s,
		Op:     wireproto.OpInitial,
		Proposer: ProposerState{
			PrepAcks:   make(map[uint16]bool),
			AcceptAcks: make(map[uint16]bool),
		},
		LastModified: time.Now(),
	}
	sl.cond = sync.NewCond(&sl.mu)
	return sl
}

// Lock/Unlock set and clear the Locked flag that marks a slot as held by
// a Paxos round, so the cache won't evict a slot mid-transition (spec §5:
// "a slot must not be suspended mid-transition between prepare and accept
// without either completing or explicitly releasing via
// unlock_pax_machine"). The flag is separate from the slot's internal
// mutex, which each call holds only while writing it. internal/proposer
// does not call Lock; its rounds leave the flag clear.
func (s *Slot) Lock() {
	s.mu.Lock()
	s.Locked = true
	s.mu.Unlock()
}

func (s *Slot) Unlock() {
	s.mu.Lock()
	s.Locked = false
	s.mu.Unlock()
}

// IsLocked reports the Locked flag without setting it, used by the
// cache's eviction scan, which must not block on a busy slot.
func (s *Slot) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Locked
}

// Finished reports whether the slot has a learned value (spec §4.2:
// "if finished -> teach" appears in handle_accept/handle_prepare).
func (s *Slot) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Learner.Msg != nil
}

// Chosen is an alias for Finished matching spec terminology in
// handle_learn ("mark chosen").
func (s *Slot) Chosen() bool { return s.Finished() }

// LearnedMessage returns the decided message, or nil if undecided.
func (s *Slot) LearnedMessage() *wireproto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Learner.Msg
}

// touch bumps LastModified and wakes every waiter, called at the end of
// every handler that changed state that a waiter might care about.
func (s *Slot) touch() {
	s.LastModified = time.Now()
	s.cond.Broadcast()
}

// LearnedBallotHint returns the highest ballot this slot has seen from
// either side of the protocol, for a caller picking the next ballot to
// retry a preempted round with.
func (s *Slot) LearnedBallotHint() synod.Ballot {
	s.mu.Lock()
	defer s.mu.Unlock()
	hint := s.Acceptor.Promise
	if s.Proposer.Ballot.Greater(hint) {
		hint = s.Proposer.Ballot
	}
	return hint
}

// Wait blocks until the slot is touched or the deadline passes, whichever
// comes first (the proposer's TIMED_TASK_WAIT, spec §4.3 step 8). Caller
// must not hold the slot's lock.
func (s *Slot) Wait(deadline time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(deadline, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
		close(done)
	})
	s.mu.Lock()
	s.cond.Wait()
	s.mu.Unlock()
	if !timer.Stop() {
		<-done
	}
}
