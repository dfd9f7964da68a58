package proposer

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// loopbackNet simulates a single-node quorum: every broadcast message is
// immediately answered as if the lone peer (itself) had replied, so the
// proposer's Paxos round completes synchronously within the test.
type loopbackNet struct {
	cache *slotcache.Cache
	self  uint16
}

func (n *loopbackNet) Broadcast(q paxos.Quorum, msg *wireproto.Message) {
	slot := n.cache.Get(msg.Synode)
	switch msg.Op {
	case wireproto.OpAccept:
		ack := slot.HandleAccept(paxos.Self{ID: n.self}, msg)
		if ack != nil {
			slot.HandleAckAccept(paxos.Self{ID: n.self}, q, ack, false)
		}
	case wireproto.OpPrepare:
		ack := slot.HandlePrepare(paxos.Self{ID: n.self}, msg)
		if ack != nil {
			accept := slot.HandleAckPrepare(paxos.Self{ID: n.self}, q, ack)
			if accept != nil {
				ackAccept := slot.HandleAccept(paxos.Self{ID: n.self}, accept)
				if ackAccept != nil {
					slot.HandleAckAccept(paxos.Self{ID: n.self}, q, ackAccept, false)
				}
			}
		}
	}
}

type fakeClock struct {
	executed uint64
	site     *synod.Site
	self     uint16
	group    uint32
}

func (c *fakeClock) ExecutedSlot() uint64                   { return c.executed }
func (c *fakeClock) Threshold() uint64                      { return c.executed + 1000 }
func (c *fakeClock) ActiveSite() *synod.Site                { return c.site }
func (c *fakeClock) NodeID() uint16                         { return c.self }
func (c *fakeClock) GroupID() uint32                        { return c.group }
func (c *fakeClock) WaitForProgress(deadline time.Duration) {}

func TestProposeBatchSucceedsOwnerFastPath(t *testing.T) {
	cache := slotcache.New(1<<20, 10)
	clock := &fakeClock{site: &synod.Site{Nodes: []synod.Server{{UID: "n0"}}}, self: 0}
	net := &loopbackNet{cache: cache, self: 0}

	requests := make(chan Request, 1)
	task := &Task{Requests: requests, Cache: cache, Clock: clock, Net: net}

	reply := make(chan Outcome, 1)
	requests <- Request{Cargo: wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("put key=1")}, Reply: reply}

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() {
		task.Run(shutdown)
		close(done)
	}()

	select {
	case out := <-reply:
		if out.Err != nil {
			t.Fatalf("expected success, got error %v", out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for proposal to complete")
	}
	close(shutdown)
}

func TestProposeBatchFailsWhenNotMember(t *testing.T) {
	cache := slotcache.New(1<<20, 10)
	clock := &fakeClock{site: &synod.Site{}, self: synod.VoidNode}
	net := &loopbackNet{cache: cache, self: synod.VoidNode}
	task := &Task{Cache: cache, Clock: clock, Net: net}

	reply := make(chan Outcome, 1)
	task.proposeBatch([]Request{{Cargo: wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("x")}, Reply: reply}}, make(chan struct{}))

	out := <-reply
	if out.Err != ErrNotMember {
		t.Fatalf("expected ErrNotMember, got %v", out.Err)
	}
}

func TestDrainBatchNeverMixesConfigAndAppRequests(t *testing.T) {
	requests := make(chan Request, 2)
	task := &Task{Requests: requests}

	configReq := Request{Cargo: wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("cfg")}}
	batch := task.drainBatch(configReq)
	if len(batch) != 1 {
		t.Fatalf("a config request (nil Reply) must never batch, got %d entries", len(batch))
	}
}

func TestDrainBatchFoldsInAvailableRequests(t *testing.T) {
	requests := make(chan Request, 4)
	task := &Task{Requests: requests}

	r2 := Request{Cargo: wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("b")}, Reply: make(chan Outcome, 1)}
	r3 := Request{Cargo: wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("c")}, Reply: make(chan Outcome, 1)}
	requests <- r2
	requests <- r3

	first := Request{Cargo: wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("a")}, Reply: make(chan Outcome, 1)}
	batch := task.drainBatch(first)
	if len(batch) != 3 {
		t.Fatalf("expected all 3 queued requests folded in, got %d", len(batch))
	}
}

func TestSameValueMatchesByTaggedIDNotRawBytes(t *testing.T) {
	cargo := wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("identical batch")}
	ours := &wireproto.Message{AppData: wireproto.EncodeTaggedValue(uuid.New(), 1, cargo)}
	learnedOurs := &wireproto.Message{AppData: ours.AppData}
	learnedOther := &wireproto.Message{AppData: wireproto.EncodeTaggedValue(uuid.New(), 1, cargo)}

	if !sameValue(learnedOurs, ours) {
		t.Fatal("expected the same tagged value to match")
	}
	if sameValue(learnedOther, ours) {
		t.Fatal("two proposers batching byte-identical payloads must not be mistaken for each other")
	}
	if sameValue(nil, ours) {
		t.Fatal("a nil learned value can never match")
	}
}

func TestJitterStaysWithinRange(t *testing.T) {
	base := 10 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := jitter(base)
		if j < base {
			t.Fatalf("jitter should never shrink below base, got %v < %v", j, base)
		}
	}
}
