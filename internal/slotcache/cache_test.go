package slotcache

import (
	"testing"

	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

func TestGetCreatesAndReuses(t *testing.T) {
	c := New(1<<20, 10)
	s1 := c.Get(synod.Synod{Slot: 1})
	s2 := c.Get(synod.Synod{Slot: 1})
	if s1 != s2 {
		t.Fatal("Get should return the same slot pointer for the same synod")
	}
	if !c.IsCached(synod.Synod{Slot: 1}) {
		t.Fatal("expected the slot to be cached")
	}
}

func TestGetNoTouchDoesNotPromote(t *testing.T) {
	c := New(1<<20, 10)
	c.Get(synod.Synod{Slot: 1})
	c.Get(synod.Synod{Slot: 2})
	// GetNoTouch on slot 1 must not move it ahead of slot 2 in the LRU.
	c.GetNoTouch(synod.Synod{Slot: 1})
	if c.lru.Front().Value.(*entry).key.Slot != 2 {
		t.Fatal("GetNoTouch should not have promoted slot 1")
	}
}

func TestWasRemovedTracksEviction(t *testing.T) {
	c := New(1<<20, 0)
	s := synod.Synod{Slot: 1}
	slot := c.Get(s)
	slot.HandleLearn(&wireproto.Message{Kind: wireproto.KindNoOp})

	c.AddSize(10)
	c.Shrink(100, 0)
	if !c.WasRemoved(s) {
		t.Fatal("expected the finished, unlocked, out-of-window slot to be evicted")
	}
	if c.IsCached(s) {
		t.Fatal("an evicted slot should no longer report as cached")
	}
}

func TestShrinkSkipsLockedSlots(t *testing.T) {
	c := New(1<<20, 0)
	s := synod.Synod{Slot: 1}
	slot := c.Get(s)
	slot.HandleLearn(&wireproto.Message{Kind: wireproto.KindNoOp})

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		slot.Lock()
		close(locked)
		<-release
		slot.Unlock()
	}()
	<-locked
	defer close(release)

	c.AddSize(10)
	evicted := c.Shrink(100, 0)
	if evicted != 0 {
		t.Fatal("a locked slot must never be evicted")
	}
}

func TestShrinkSkipsUnfinishedSlots(t *testing.T) {
	c := New(1<<20, 0)
	c.Get(synod.Synod{Slot: 1}) // never learned
	c.AddSize(10)
	if evicted := c.Shrink(100, 0); evicted != 0 {
		t.Fatal("an undecided slot must never be evicted")
	}
}

func TestShrinkRespectsReserveWindow(t *testing.T) {
	c := New(1<<20, 50)
	s := synod.Synod{Slot: 40}
	slot := c.Get(s)
	slot.HandleLearn(&wireproto.Message{Kind: wireproto.KindNoOp})
	c.AddSize(10)

	// executed=60, reserveWindow=50 -> boundary is 10; slot 40 is newer
	// than the boundary and must survive.
	if evicted := c.Shrink(60, 0); evicted != 0 {
		t.Fatal("a slot within the reserve window must not be evicted")
	}
}

func TestAddSizeClampsAtZero(t *testing.T) {
	c := New(1<<20, 10)
	c.AddSize(5)
	c.AddSize(-100)
	if c.ResidentBytes() != 0 {
		t.Fatalf("expected resident bytes to clamp at zero, got %d", c.ResidentBytes())
	}
}

func TestNoCacheAbortWhenNothingEvictable(t *testing.T) {
	c := New(1<<20, 0)
	c.Get(synod.Synod{Slot: 1}) // never learned, can't be evicted
	c.AddSize(10)
	c.Shrink(1000, 0)
	if !c.NoCacheAbort {
		t.Fatal("expected NoCacheAbort once no evictable slot exists under pressure")
	}
}

func TestRangeVisitsEveryResidentSlot(t *testing.T) {
	c := New(1<<20, 10)
	c.Get(synod.Synod{Slot: 1})
	c.Get(synod.Synod{Slot: 2})
	c.Get(synod.Synod{Slot: 3})

	seen := map[uint64]*paxos.Slot{}
	c.Range(func(s synod.Synod, slot *paxos.Slot) {
		seen[s.Slot] = slot
	})
	if len(seen) != 3 {
		t.Fatalf("expected 3 entries visited, got %d", len(seen))
	}
}
