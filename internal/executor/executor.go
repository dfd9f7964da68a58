// Package executor implements the executor state machine (spec §4.5):
// x_fetch/x_execute/x_terminate, the event-horizon threshold formula,
// reconfiguration apply-on-pass, and exit semantics for a node removed
// from the active site. Strictly sequential, slot-by-slot: total-order
// broadcast delivers in a single total order and needs no dependency
// graph or cycle detection to execute.
package executor

import (
	"time"

	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/app"
	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/reconfig"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// state is one of the three executor states named in spec §4.5.
type state int

const (
	xFetch state = iota
	xExecute
	xTerminate
)

// Config collects the identities and sites the executor consults.
type Config struct {
	SelfUID string
	Sites   *synod.SiteList
}

// Executor drives executed_msg/delivered_msg forward one slot at a time
// over a single group, applying reconfigurations and delivering decided
// values to the application.
type Executor struct {
	Cache *slotcache.Cache
	App   app.Callbacks
	Cfg   Config
	Log   *zap.Logger

	// Inform, if set, is called with the site members a reconfiguration
	// just dropped and the decided messages from that reconfiguration's
	// delivery window, so a survivor can push them to departing peers
	// (spec §4.5 scenario 5).
	Inform func(removed []synod.Server, msgs []*wireproto.Message)

	group uint32
	state state

	executedSlot  uint64
	deliveredSlot uint64

	exitSynode    synod.Synod
	deliveryLimit synod.Synod
	exiting       bool

	informJobs []informJob

	progress chan struct{}
}

// informJob is a pending push of the decided messages in [from, to) to
// the members a reconfiguration removed, deferred until this node has
// executed far enough to know those messages are themselves decided.
type informJob struct {
	removed []synod.Server
	from    synod.Synod
	to      synod.Synod
}

// New returns an executor for the given group, starting at slot 0.
func New(group uint32, cache *slotcache.Cache, callbacks app.Callbacks, cfg Config, log *zap.Logger) *Executor {
	return &Executor{
		Cache:    cache,
		App:      callbacks,
		Cfg:      cfg,
		Log:      log,
		group:    group,
		state:    xFetch,
		progress: make(chan struct{}, 1),
	}
}

// ExecutedSlot and DeliveredSlot satisfy proposer.Clock and
// acceptor.Membership's read-only views of executor progress.
func (e *Executor) ExecutedSlot() uint64  { return e.executedSlot }
func (e *Executor) DeliveredSlot() uint64 { return e.deliveredSlot }

// Threshold implements spec §4.5's effective-threshold formula.
func (e *Executor) Threshold() uint64 {
	at := synod.Synod{Group: e.group, Slot: e.executedSlot}
	active := e.Cfg.Sites.Find(at)
	if active == nil {
		return e.executedSlot
	}
	pending := e.Cfg.Sites.Pending(at)
	direct := e.executedSlot + uint64(active.EventHorizon)
	if pending == nil {
		return direct
	}
	alt := pending.Start.Slot - 1 + uint64(pending.EventHorizon)
	if alt < direct {
		return alt
	}
	return direct
}

// notifyProgress wakes anyone blocked in WaitForProgress; called once
// per executedSlot increment.
func (e *Executor) notifyProgress() {
	select {
	case e.progress <- struct{}{}:
	default:
	}
}

// WaitForProgress blocks up to deadline for the next executedSlot
// advance (the proposer's event-horizon wait, spec §4.3 step 4).
func (e *Executor) WaitForProgress(deadline time.Duration) {
	select {
	case <-e.progress:
	case <-time.After(deadline):
	}
}

// Run drives the FSM until shutdown fires or a terminal condition
// (exit, no_cache_abort) is reached.
func (e *Executor) Run(shutdown <-chan struct{}) {
	for {
		select {
		case <-shutdown:
			return
		default:
		}
		if e.Cache.NoCacheAbort {
			if e.Log != nil {
				e.Log.Error("executor exiting: no_cache_abort")
			}
			return
		}
		switch e.state {
		case xFetch:
			e.fetch(shutdown)
		case xExecute:
			e.execute()
		case xTerminate:
			e.terminate()
			return
		}
	}
}

// maxOwner bounds the owner dimension of the current slot number: total
// order is lexicographic over (slot, owner), so every site member gets
// one synod per slot number before the slot number itself advances
// (spec §3, §4.5). The bound comes from the site in effect at slotNo, so
// a site installed for a later start does not widen it.
func (e *Executor) maxOwner(slotNo uint64) uint16 {
	site := e.Cfg.Sites.Find(synod.Synod{Group: e.group, Slot: slotNo})
	if site == nil || len(site.Nodes) == 0 {
		return 0
	}
	return uint16(len(site.Nodes) - 1)
}

func (e *Executor) fetch(shutdown <-chan struct{}) {
	slotNo := e.executedSlot
	for owner := uint16(0); owner <= e.maxOwner(slotNo); owner++ {
		s := synod.Synod{Group: e.group, Slot: slotNo, Owner: owner}
		slot := e.Cache.GetNoTouch(s)
		for !slot.Finished() {
			select {
			case <-shutdown:
				return
			default:
				slot.Wait(50 * time.Millisecond)
			}
		}

		learned := slot.LearnedMessage()
		active := e.Cfg.Sites.Latest()
		_, cargo, ok := decodedCargo(learned)
		if ok && active != nil && s.Slot > active.BootKey.Slot {
			if cmd, isReconfig := reconfig.FromCargo(cargo); isReconfig {
				e.applyReconfig(s, cmd)
			}
		}
	}

	e.checkIncrementFetch(synod.Synod{Group: e.group, Slot: slotNo})
}

// checkIncrementFetch implements x_check_increment_fetch: terminate if
// the exit condition has been reached, else advance executedSlot and
// move to x_execute.
func (e *Executor) checkIncrementFetch(s synod.Synod) {
	if e.exiting && s.Slot >= e.exitSynode.Slot {
		e.state = xTerminate
		return
	}
	e.executedSlot = s.Slot + 1
	e.notifyProgress()
	e.fireInformJobs()
	e.state = xExecute
}

func (e *Executor) execute() {
	slotNo := e.deliveredSlot
	for owner := uint16(0); owner <= e.maxOwner(slotNo); owner++ {
		s := synod.Synod{Group: e.group, Slot: slotNo, Owner: owner}
		slot := e.Cache.GetNoTouch(s)
		learned := slot.LearnedMessage()
		if learned == nil {
			continue
		}
		pastLimit := e.exiting && s.Slot >= e.deliveryLimit.Slot
		lsn, cargo, ok := decodedCargo(learned)
		if ok && cargo.Kind == wireproto.CargoApp && !pastLimit {
			if e.Log != nil {
				e.Log.Debug("delivering", zap.Stringer("synod", s), zap.Uint64("lsn", lsn))
			}
			e.App.Deliver(s, cargo.Payload, app.DeliveryOK)
		}
	}
	e.deliveredSlot++

	if e.deliveredSlot >= e.executedSlot {
		e.state = xFetch
		return
	}
	if e.exiting && slotNo >= e.exitSynode.Slot {
		e.state = xTerminate
	}
}

func (e *Executor) terminate() {
	e.exiting = false
	time.Sleep(100 * time.Millisecond) // drain delay before signalling the application's exit
	e.App.StateChange(app.StateExit)
}

// applyReconfig installs the decided site and, on remove-self, arms the
// exit plan (spec §4.5 "Exit semantics on removal", §4.9).
func (e *Executor) applyReconfig(at synod.Synod, cmd reconfig.Command) {
	active := e.Cfg.Sites.Latest()
	if active == nil {
		return
	}
	site := reconfig.Apply(cmd, active, at)
	e.Cfg.Sites.Install(site)
	e.App.GlobalView(site, at)

	if site.NodeNo(e.Cfg.SelfUID) == synod.VoidNode {
		horizon := site.EventHorizon
		if len(site.Nodes) == 0 {
			horizon *= 2 // empty C_new: inflate so older nodes can still agree
		}
		e.exiting = true
		e.exitSynode = synod.Synod{Group: e.group, Slot: site.Start.Slot + uint64(horizon)}
		e.deliveryLimit = site.Start
		return
	}

	if e.Inform != nil {
		if removed := departedMembers(active, site); len(removed) > 0 {
			e.informJobs = append(e.informJobs, informJob{
				removed: removed,
				from:    site.Start,
				to:      synod.Synod{Group: e.group, Slot: site.Start.Slot + uint64(site.EventHorizon)},
			})
		}
	}
}

// departedMembers returns the members of before that after no longer has.
func departedMembers(before, after *synod.Site) []synod.Server {
	var out []synod.Server
	for _, n := range before.Nodes {
		if after.NodeNo(n.UID) == synod.VoidNode {
			out = append(out, n)
		}
	}
	return out
}

// fireInformJobs pushes any informJob whose message window has fully
// executed, the way the surviving side of a reconfiguration hands a
// departing node its last messages instead of leaving it to time out
// polling peers that no longer answer (original_source/'s
// inform_removed).
func (e *Executor) fireInformJobs() {
	if e.Inform == nil || len(e.informJobs) == 0 {
		return
	}
	remaining := e.informJobs[:0]
	for _, job := range e.informJobs {
		if e.executedSlot < job.to.Slot {
			remaining = append(remaining, job)
			continue
		}
		e.Inform(job.removed, e.collectLearned(job.from, job.to))
	}
	e.informJobs = remaining
}

func (e *Executor) collectLearned(from, to synod.Synod) []*wireproto.Message {
	var out []*wireproto.Message
	e.Cache.Range(func(s synod.Synod, slot *paxos.Slot) {
		if s.Group != e.group || s.Slot < from.Slot || s.Slot >= to.Slot {
			return
		}
		if learned := slot.LearnedMessage(); learned != nil {
			out = append(out, learned)
		}
	})
	return out
}

// decodedCargo unwraps the proposer's uid- and lsn-tagged value into the
// client cargo it carries, along with the lsn it was tagged with. A
// no-op value, or one that fails to decode, has nothing to deliver or
// reconfigure from.
func decodedCargo(learned *wireproto.Message) (uint64, wireproto.AppData, bool) {
	if learned == nil || learned.Kind == wireproto.KindNoOp {
		return 0, wireproto.AppData{}, false
	}
	_, lsn, cargo, err := wireproto.DecodeTaggedValue(learned.AppData)
	if err != nil {
		return 0, wireproto.AppData{}, false
	}
	return lsn, cargo, true
}
