// Package snapshot implements the snapshot/catch-up protocol (spec
// §4.8): need_boot_op/gcs_snapshot_op/recover_learn_op exchange and
// best-snapshot selection, run peer-to-peer rather than through a
// master service (see DESIGN.md's internal/config entry).
package snapshot

import (
	"math"

	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/app"
	"github.com/totalorder/synod/internal/fsm"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// Snapshot is the exported bundle spec §4.8 describes: exported config
// history, application blob, and the log range it covers.
type Snapshot struct {
	Sites    []*synod.Site
	Blob     []byte
	LogStart synod.Synod
	LogEnd   synod.Synod
}

// Sender pushes outbound snapshot-protocol messages to one peer.
type Sender interface {
	SendNeedBoot(to uint16, self synod.Server) error
	SendSnapshot(to uint16, snap Snapshot) error
	SendRecoverLearn(to uint16, msg *wireproto.Message) error
}

// Provider supplies this node's own state when answering a need_boot
// request.
type Provider interface {
	Export() (Snapshot, error)
	LearnedRange(from, to synod.Synod) []*wireproto.Message
}

// Exchange coordinates one node's side of the catch-up protocol: either
// requesting a snapshot after a cold/partial boot, or answering a peer's
// request.
type Exchange struct {
	Self     synod.Server
	Out      Sender
	Provider Provider
	Cache    *slotcache.Cache
	Machine  *fsm.Machine
	App      app.Callbacks
	Log      *zap.Logger
}

// RequestFrom sends need_boot_op to every peer and moves fsm.Machine
// into snapshot_wait; replies then arrive via OnGCSSnapshot and
// OnRecoverLearn.
func (e *Exchange) RequestFrom(peers []uint16) {
	for _, p := range peers {
		if err := e.Out.SendNeedBoot(p, e.Self); err != nil && e.Log != nil {
			e.Log.Warn("need_boot send failed", zap.Uint16("to", p), zap.Error(err))
		}
	}
	e.Machine.RequestSnapshot()
}

// OnNeedBoot answers a peer's need_boot_op: export local state and
// replay every learned value in [log_start, max_synode] via
// recover_learn_op (spec §4.8).
func (e *Exchange) OnNeedBoot(from uint16) {
	snap, err := e.Provider.Export()
	if err != nil {
		if e.Log != nil {
			e.Log.Error("snapshot export failed", zap.Error(err))
		}
		return
	}
	if err := e.Out.SendSnapshot(from, snap); err != nil {
		if e.Log != nil {
			e.Log.Warn("gcs_snapshot send failed", zap.Uint16("to", from), zap.Error(err))
		}
		return
	}
	upTo := synod.Synod{Group: snap.LogStart.Group, Slot: math.MaxUint64}
	for _, learned := range e.Provider.LearnedRange(snap.LogStart, upTo) {
		if err := e.Out.SendRecoverLearn(from, learned); err != nil {
			if e.Log != nil {
				e.Log.Warn("recover_learn send failed", zap.Uint16("to", from), zap.Error(err))
			}
			return
		}
	}
}

// OnGCSSnapshot offers a received snapshot to the lifecycle FSM as a
// candidate, letting it pick the best among multiple responders.
func (e *Exchange) OnGCSSnapshot(from uint16, snap Snapshot) {
	e.Machine.Snapshot(fsm.Candidate{
		BootKey:  bootKeyOf(snap),
		LogStart: snap.LogStart,
		LogEnd:   snap.LogEnd,
		Blob:     snap.Blob,
		From:     from,
	})
}

// OnRecoverLearn re-applies a replayed learned value directly into the
// cache, ahead of the FSM's own snapshot install (spec §4.8: the
// recover_learn_op stream runs alongside the gcs_snapshot_op offer).
func (e *Exchange) OnRecoverLearn(msg *wireproto.Message) {
	slot := e.Cache.Get(msg.Synode)
	slot.HandleLearn(msg)
}

// Install applies the winning candidate by calling restore with its blob
// and LogEnd. It does not move the executor's executed_msg; that position
// is left unchanged.
func (e *Exchange) Install(c fsm.Candidate, restore func(blob []byte, at synod.Synod)) error {
	restore(c.Blob, c.LogEnd)
	return nil
}

func bootKeyOf(snap Snapshot) synod.Synod {
	if len(snap.Sites) == 0 {
		return snap.LogStart
	}
	return snap.Sites[len(snap.Sites)-1].BootKey
}
