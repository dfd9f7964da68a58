// Package proposer implements the proposer task (spec §4.3): batching
// client requests, assigning free owned slots, driving the owner's
// 2-phase fast path with a 3-phase fallback, and retrying on preemption.
// Structurally this follows a select-and-dispatch proposal loop driven
// over internal/paxos handlers.
package proposer

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// Limits bounds opportunistic batching (spec §4.3 step 2).
const (
	MaxBatchSize    = 64 * 1024
	MaxBatchAppData = 64
)

// Request is one queued client payload awaiting assignment to a slot.
type Request struct {
	Cargo wireproto.AppData
	Reply chan<- Outcome
}

// Outcome is delivered back to the submitter once the value is learned
// or the submission is permanently refused.
type Outcome struct {
	Err error
}

// ErrNotMember is returned when the local node is not part of the
// active site (spec §4.3 "Failure").
var ErrNotMember = errors.New("node is not a member of the active site")

// Broadcaster is how the proposer pushes outgoing Paxos messages; the
// engine supplies the real network implementation (internal/transport).
type Broadcaster interface {
	Broadcast(q paxos.Quorum, msg *wireproto.Message)
}

// Clock abstracts executed_msg/site lookups the proposer needs to find a
// free slot and respect the event horizon (spec §4.3 step 4, §4.5).
type Clock interface {
	ExecutedSlot() uint64
	Threshold() uint64
	ActiveSite() *synod.Site
	NodeID() uint16
	GroupID() uint32
	WaitForProgress(deadline time.Duration)
}

// Task is one proposer goroutine. Multiple Tasks may share the same
// Requests channel and Cache (spec §4.3: "one or more identical tasks
// share the input queue").
type Task struct {
	Requests <-chan Request
	Cache    *slotcache.Cache
	Clock    Clock
	Net      Broadcaster
	Log      *zap.Logger

	// Busy, if set, is called true when this task starts proposing a
	// batch and false once it settles, letting the sweeper know to back
	// off while foreground proposing is in progress.
	Busy func(busy bool)

	next    uint64   // next slot candidate to try, the "current_message" cursor
	lsn     uint64   // per-task monotonic sequence stamped on every proposed batch
	pending *Request // request peeked from the channel but not yet batched
}

// Run drives the task loop until shutdown is closed. It implements the
// nine numbered steps of spec §4.3.
func (t *Task) Run(shutdown <-chan struct{}) {
	for {
		var first Request
		if t.pending != nil {
			first, t.pending = *t.pending, nil
		} else {
			select {
			case <-shutdown:
				return
			case req, ok := <-t.Requests:
				if !ok {
					return
				}
				first = req
			}
		}
		batch := t.drainBatch(first)
		t.setBusy(true)
		t.proposeBatch(batch, shutdown)
		t.setBusy(false)
	}
}

func (t *Task) setBusy(busy bool) {
	if t.Busy != nil {
		t.Busy(busy)
	}
}

// drainBatch implements step 1-3: block for one request, then
// opportunistically fold in more from the channel without blocking.
// Config/view messages (any cargo kind other than CargoApp, or a request
// with a nil Reply, since it expects no client ack) are never batched
// with client payloads.
func (t *Task) drainBatch(first Request) []Request {
	batch := []Request{first}
	size := len(first.Cargo.Payload)
	if first.Reply == nil || first.Cargo.Kind != wireproto.CargoApp {
		return batch
	}
	for len(batch) < MaxBatchAppData && size < MaxBatchSize {
		select {
		case req := <-t.Requests:
			if req.Reply == nil || req.Cargo.Kind != wireproto.CargoApp || size+len(req.Cargo.Payload) > MaxBatchSize {
				t.pending = &req
				return batch
			}
			batch = append(batch, req)
			size += len(req.Cargo.Payload)
		default:
			return batch
		}
	}
	return batch
}

func (t *Task) proposeBatch(batch []Request, shutdown <-chan struct{}) {
	site := t.Clock.ActiveSite()
	self := t.Clock.NodeID()
	if self == synod.VoidNode {
		t.failAll(batch, ErrNotMember)
		return
	}

	cargo := combinedCargo(batch)
	id := uuid.New()
	t.lsn++
	value := &wireproto.Message{
		From:    self,
		Op:      wireproto.OpAccept,
		Kind:    wireproto.KindNormal,
		AppData: wireproto.EncodeTaggedValue(id, t.lsn, cargo),
	}

	threephase := false
	backoff := 5 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	deadline := time.Now().Add(3 * time.Second)

	for {
		select {
		case <-shutdown:
			t.failAll(batch, errors.New("engine shutting down"))
			return
		default:
		}

		s, ok := t.nextFreeSlot(self, shutdown)
		if !ok {
			t.failAll(batch, errors.New("event horizon exceeded, engine draining"))
			return
		}

		slot, err := t.acquireSlot(s)
		if err != nil {
			continue // step 5 bounded-wait timeout: retry from step 4
		}

		value.Synode = s
		var sent *wireproto.Message
		if !threephase {
			accept, started := slot.StartOwnerFastPath(paxos.Self{ID: self}, self, value)
			if started {
				sent = accept
			} else {
				threephase = true
			}
		}
		if sent == nil {
			bal := synod.NextBallot(slot.LearnedBallotHint(), self)
			sent = slot.StartPrepare(paxos.Self{ID: self}, bal, value, false)
		}

		q := paxos.Quorum{Members: siteMembers(site)}
		t.broadcastAndSelfDeliver(self, slot, q, sent)

		slot.Wait(jitter(backoff))
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if slot.Finished() {
			learned := slot.LearnedMessage()
			if sameValue(learned, value) {
				t.succeedAll(batch)
				return
			}
			threephase = false
			backoff = 5 * time.Millisecond
			deadline = time.Now().Add(3 * time.Second)
			t.next = s.Slot + 1
			continue
		}

		if time.Now().After(deadline) {
			bal := synod.NextBallot(slot.LearnedBallotHint(), self)
			retry := slot.StartPrepare(paxos.Self{ID: self}, bal, value, false)
			t.broadcastAndSelfDeliver(self, slot, q, retry)
			deadline = time.Now().Add(3 * time.Second)
		}
	}
}

// nextFreeSlot implements step 4: scan forward from the cursor for a
// slot this node owns that isn't busy and doesn't cross the event
// horizon, waiting on executor progress if it does.
func (t *Task) nextFreeSlot(self uint16, shutdown <-chan struct{}) (synod.Synod, bool) {
	for {
		threshold := t.Clock.Threshold()
		if t.next < t.Clock.ExecutedSlot() {
			t.next = t.Clock.ExecutedSlot()
		}
		for t.next < threshold {
			cand := synod.Synod{Group: t.Clock.GroupID(), Slot: t.next, Owner: self}
			if !t.Cache.IsCached(cand) || !t.Cache.GetNoTouch(cand).IsLocked() {
				return cand, true
			}
			t.next++
		}
		select {
		case <-shutdown:
			return synod.Synod{}, false
		default:
			t.Clock.WaitForProgress(100 * time.Millisecond)
		}
	}
}

func (t *Task) acquireSlot(s synod.Synod) (*paxos.Slot, error) {
	done := make(chan *paxos.Slot, 1)
	go func() { done <- t.Cache.Get(s) }()
	select {
	case slot := <-done:
		return slot, nil
	case <-time.After(200 * time.Millisecond):
		return nil, errors.New("slot acquisition timed out")
	}
}

func (t *Task) failAll(batch []Request, err error) {
	for _, r := range batch {
		if r.Reply != nil {
			r.Reply <- Outcome{Err: err}
		}
	}
}

func (t *Task) succeedAll(batch []Request) {
	for _, r := range batch {
		if r.Reply != nil {
			r.Reply <- Outcome{}
		}
	}
}

// combinedCargo folds a batch into the single cargo proposed as one
// value. drainBatch only ever folds client app payloads together
// (config/view requests always land in a batch of one), so batching
// beyond the first entry just concatenates Payload.
func combinedCargo(batch []Request) wireproto.AppData {
	cargo := batch[0].Cargo
	if len(batch) == 1 {
		return cargo
	}
	cargo.Payload = joinPayloads(batch)
	return cargo
}

func joinPayloads(batch []Request) []byte {
	if len(batch) == 1 {
		return batch[0].Cargo.Payload
	}
	var out []byte
	for _, r := range batch {
		out = append(out, r.Cargo.Payload...)
	}
	return out
}

func siteMembers(site *synod.Site) []uint16 {
	if site == nil {
		return nil
	}
	members := make([]uint16, len(site.Nodes))
	for i := range site.Nodes {
		members[i] = uint16(i)
	}
	return members
}

// sameValue reports whether learned is the value this proposer itself
// put up for the slot, matched by the unique id it tagged the value
// with (step 9), not by raw byte equality: two proposers batching
// identical client payloads must not be mistaken for each other.
func sameValue(learned, ours *wireproto.Message) bool {
	if learned == nil {
		return false
	}
	learnedID, _, _, err := wireproto.DecodeTaggedValue(learned.AppData)
	if err != nil {
		return false
	}
	oursID, _, _, err := wireproto.DecodeTaggedValue(ours.AppData)
	if err != nil {
		return false
	}
	return learnedID == oursID
}

// broadcastAndSelfDeliver sends msg to the quorum and, since Broadcast
// never addresses the sender, also feeds it back through the matching
// acceptor-side handler so this node's own vote is counted. Any
// follow-up message that produces (e.g. an accept once prepare acks
// reach quorum) is sent and self-delivered the same way, in turn.
func (t *Task) broadcastAndSelfDeliver(self uint16, slot *paxos.Slot, q paxos.Quorum, msg *wireproto.Message) {
	for msg != nil {
		t.Net.Broadcast(q, msg)
		msg = paxos.SelfDeliver(paxos.Self{ID: self}, q, slot, msg)
	}
}

// jitter spreads retries across proposers contending for the same
// forced round.
func jitter(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)/4+1))
}
