// Package sweeper implements the idle-filler task (spec §4.6): it scans
// this node's owned slots between executed_msg and max_synode and emits
// a unilateral no-op learn for any slot sitting empty, so the executor
// is never stuck behind a slot nobody will ever propose to. Runs as a
// low-priority background goroutine alongside the proposer and executor.
package sweeper

import (
	"time"

	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// Range reports the scan bounds, self identity, and active membership
// the sweeper needs on every pass.
type Range interface {
	ExecutedSlot() uint64
	MaxSynode() uint64
	NodeID() uint16
	GroupID() uint32
	Quorum() paxos.Quorum
}

// Broadcaster is how the sweeper announces a skip (spec §4.6: "emits a
// unilateral skip_op"); identical in shape to internal/proposer's.
type Broadcaster interface {
	Broadcast(q paxos.Quorum, msg *wireproto.Message)
}

// Sweeper runs only when nothing else is ready, following a cooperative
// yield rule: it checks Idle before every scan and backs off immediately
// if the caller reports foreground work pending.
type Sweeper struct {
	Cache *slotcache.Cache
	Range Range
	Self  paxos.Self
	Net   Broadcaster
	Log   *zap.Logger

	// Idle reports whether the proposer tasks are currently quiet;
	// the sweeper only scans when this returns true.
	Idle func() bool
}

// Run scans in a loop until shutdown fires, sleeping whenever Idle
// reports foreground work in progress.
func (s *Sweeper) Run(shutdown <-chan struct{}) {
	for {
		select {
		case <-shutdown:
			return
		default:
		}
		if s.Idle != nil && !s.Idle() {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		n := s.sweepOnce()
		if n == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// sweepOnce scans (executed_msg, max_synode) once and returns the number
// of slots it filled with a skip.
func (s *Sweeper) sweepOnce() int {
	filled := 0
	lo := s.Range.ExecutedSlot()
	hi := s.Range.MaxSynode()
	self := s.Range.NodeID()
	group := s.Range.GroupID()
	for i := lo + 1; i < hi; i++ {
		cand := synod.Synod{Group: group, Slot: i, Owner: self}
		if !s.Cache.IsCached(cand) {
			continue
		}
		slot := s.Cache.GetNoTouch(cand)
		if slot.IsLocked() || slot.Finished() {
			continue
		}
		if slot.HandleSkip(s.Self) {
			filled++
			if s.Net != nil {
				s.Net.Broadcast(s.Range.Quorum(), &wireproto.Message{
					Synode: cand, From: s.Self.ID, Op: wireproto.OpLearn, Kind: wireproto.KindNoOp,
				})
			}
		}
	}
	return filled
}
