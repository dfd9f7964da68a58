// Package engine wires every task package into the single cooperative
// engine described in spec §5: one owner goroutine per task
// (executor, sweeper, proposer×N, the lifecycle FSM), a liveness map
// shared by the acceptor dispatcher, and the shutdown/cancellation
// fabric that every task observes.
//
// There is no single existing module this is lifted from (see
// DESIGN.md); it's authored fresh as a central struct holding every
// channel and sub-task, a run() goroutine, per-Op dispatch, and an
// alive/liveness table, built against this spec's task set.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/acceptor"
	"github.com/totalorder/synod/internal/app"
	"github.com/totalorder/synod/internal/client"
	"github.com/totalorder/synod/internal/config"
	"github.com/totalorder/synod/internal/executor"
	"github.com/totalorder/synod/internal/fsm"
	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/proposer"
	"github.com/totalorder/synod/internal/reconfig"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/snapshot"
	"github.com/totalorder/synod/internal/sweeper"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/transport"
	"github.com/totalorder/synod/internal/wireproto"
)

// AliveTimeout marks a peer dead if no message (harmless or otherwise)
// has been seen from it in this long: the minimal liveness bookkeeping
// spec §4.4 requires, not a full failure-detector implementation (spec
// §1 explicitly treats detector heuristics as an external collaborator).
const AliveTimeout = 10 * time.Second

// Engine is one node's complete task set for a single group.
type Engine struct {
	Cfg   *config.Config
	App   app.Callbacks
	Log   *zap.Logger

	group   uint32
	selfID  uint16
	booted  bool
	bootedMu sync.RWMutex

	sites *synod.SiteList
	cache *slotcache.Cache

	transport  *transport.Transport
	dispatch   *acceptor.Dispatcher
	executor   *executor.Executor
	machine    *fsm.Machine
	signal     *client.Channel
	catchup    *snapshot.Exchange
	uidToPeer  map[string]uint16
	busy       int32 // atomic: count of proposer tasks currently mid-round, read by the sweeper's Idle check

	liveMu sync.Mutex
	lastSeen map[uint16]time.Time

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New builds an engine from a loaded config, ready for Run.
func New(cfg *config.Config, callbacks app.Callbacks, log *zap.Logger) *Engine {
	sites := &synod.SiteList{}
	sites.Install(cfg.Site())

	cache := slotcache.New(cfg.CacheLimitMB*1024*1024, uint64(cfg.EventHorizon)*4)

	e := &Engine{
		Cfg:      cfg,
		App:      callbacks,
		Log:      log,
		group:    cfg.GroupID,
		selfID:   cfg.NodeNo(),
		sites:    sites,
		cache:    cache,
		signal:   client.NewChannel(256),
		lastSeen: make(map[uint16]time.Time),
		shutdown: make(chan struct{}),
	}

	e.executor = executor.New(cfg.GroupID, cache, callbacks, executor.Config{SelfUID: cfg.Self, Sites: sites}, log)
	e.executor.Inform = e.informRemoved

	peers := make(map[uint16]*transport.Peer)
	uidToPeer := make(map[string]uint16, len(cfg.Site().Nodes))
	for i, s := range cfg.Site().Nodes {
		uidToPeer[s.UID] = uint16(i)
		if uint16(i) == e.selfID {
			continue
		}
		peers[uint16(i)] = &transport.Peer{ID: uint16(i), Address: s.Address}
	}
	e.uidToPeer = uidToPeer
	e.transport = &transport.Transport{
		SelfID: e.selfID,
		Listen: cfg.Listen,
		Peers:  peers,
		Log:    log,
	}
	e.transport.Handler = e.dispatch0

	e.dispatch = &acceptor.Dispatcher{Cache: cache, Members: e, Out: e.transport, Log: log}
	e.machine = fsm.New(e, callbacks, log)
	e.catchup = &snapshot.Exchange{
		Self:     synod.Server{UID: cfg.Self},
		Out:      e,
		Provider: e,
		Cache:    cache,
		Machine:  e.machine,
		App:      callbacks,
		Log:      log,
	}
	return e
}

// dispatch0 is internal/transport's Handler: it routes snapshot-protocol
// ops to the catch-up exchange and everything else to the Paxos
// acceptor dispatcher.
func (e *Engine) dispatch0(peer uint16, msg *wireproto.Message) {
	switch msg.Op {
	case wireproto.OpNeedBoot:
		e.catchup.OnNeedBoot(msg.From)
	case wireproto.OpGCSSnapshot:
		e.catchup.OnGCSSnapshot(msg.From, snapshot.Snapshot{
			Blob:     msg.AppData,
			LogStart: msg.Synode,
			LogEnd:   msg.MaxSynode,
		})
	case wireproto.OpRecoverLearn:
		e.catchup.OnRecoverLearn(msg)
	default:
		e.dispatch.Dispatch(msg)
	}
}

// --- snapshot.Sender, reusing wireproto.Message's generic field set
// the way XCom's own pax_msg union reinterprets its fields per op.

func (e *Engine) SendNeedBoot(to uint16, self synod.Server) error {
	return e.transport.Send(to, &wireproto.Message{From: e.selfID, Op: wireproto.OpNeedBoot, AppData: []byte(self.UID)})
}

func (e *Engine) SendSnapshot(to uint16, snap snapshot.Snapshot) error {
	return e.transport.Send(to, &wireproto.Message{
		From: e.selfID, Op: wireproto.OpGCSSnapshot,
		Synode: snap.LogStart, MaxSynode: snap.LogEnd, AppData: snap.Blob,
	})
}

func (e *Engine) SendRecoverLearn(to uint16, msg *wireproto.Message) error {
	clone := *msg
	clone.To = to
	clone.Op = wireproto.OpRecoverLearn
	return e.transport.Send(to, &clone)
}

// --- snapshot.Provider ---

func (e *Engine) Export() (snapshot.Snapshot, error) {
	blob, at, err := e.App.SnapshotGet()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Snapshot{
		Sites:    e.sites.All(),
		Blob:     blob,
		LogStart: synod.Synod{Group: e.group, Slot: 0},
		LogEnd:   at,
	}, nil
}

// informRemoved pushes a reconfiguration's final pending messages to the
// nodes it dropped from the site, mirroring how the surviving members of
// a new config help a departing peer learn what it otherwise has no one
// left to ask for (spec §4.5 scenario 5, original_source/'s
// inform_removed). Best-effort: a removed node this engine never had a
// transport peer slot for (e.g. one added and removed again before this
// node ever dialed it) is simply skipped.
func (e *Engine) informRemoved(removed []synod.Server, msgs []*wireproto.Message) {
	for _, n := range removed {
		to, ok := e.uidToPeer[n.UID]
		if !ok {
			continue
		}
		for _, m := range msgs {
			clone := *m
			clone.To = to
			clone.Op = wireproto.OpRecoverLearn
			if err := e.transport.Send(to, &clone); err != nil && e.Log != nil {
				e.Log.Warn("failed to inform removed node", zap.String("uid", n.UID), zap.Error(err))
			}
		}
	}
}

// setBusy and idle let the sweeper cooperatively yield to foreground
// proposer work (spec §4.6's "runs only when nothing else is ready").
func (e *Engine) setBusy(busy bool) {
	if busy {
		atomic.AddInt32(&e.busy, 1)
	} else {
		atomic.AddInt32(&e.busy, -1)
	}
}

func (e *Engine) idle() bool { return atomic.LoadInt32(&e.busy) == 0 }

func (e *Engine) LearnedRange(from, to synod.Synod) []*wireproto.Message {
	var out []*wireproto.Message
	e.cache.Range(func(s synod.Synod, slot *paxos.Slot) {
		if s.Group != from.Group || s.Slot < from.Slot || s.Slot > to.Slot {
			return
		}
		if learned := slot.LearnedMessage(); learned != nil {
			out = append(out, learned)
		}
	})
	return out
}

// --- acceptor.Membership, proposer.Clock, sweeper.Range ---

func (e *Engine) ExecutedSlot() uint64  { return e.executor.ExecutedSlot() }
func (e *Engine) DeliveredSlot() uint64 { return e.executor.DeliveredSlot() }
func (e *Engine) Threshold() uint64     { return e.executor.Threshold() }
func (e *Engine) MaxSynode() uint64     { return e.Threshold() }
func (e *Engine) NodeID() uint16        { return e.selfID }
func (e *Engine) GroupID() uint32       { return e.group }

func (e *Engine) Booted() bool {
	e.bootedMu.RLock()
	defer e.bootedMu.RUnlock()
	return e.booted
}

func (e *Engine) ActiveSite() *synod.Site { return e.sites.Latest() }

func (e *Engine) Quorum() paxos.Quorum {
	site := e.sites.Latest()
	if site == nil {
		return paxos.Quorum{}
	}
	members := make([]uint16, len(site.Nodes))
	for i := range site.Nodes {
		members[i] = uint16(i)
	}
	return paxos.Quorum{Members: members}
}

func (e *Engine) WaitForProgress(deadline time.Duration) { e.executor.WaitForProgress(deadline) }

func (e *Engine) MarkAlive(peer uint16) {
	e.liveMu.Lock()
	e.lastSeen[peer] = time.Now()
	e.liveMu.Unlock()
}

// IsAlive, SupportsEventHorizonReconfig, IPv6Capable implement
// reconfig.LiveSet for admin-request validation (spec §4.9).
func (e *Engine) IsAlive(uid string) bool {
	site := e.sites.Latest()
	if site == nil {
		return false
	}
	n := site.NodeNo(uid)
	if n == synod.VoidNode {
		return false
	}
	e.liveMu.Lock()
	seen, ok := e.lastSeen[n]
	e.liveMu.Unlock()
	return ok && time.Since(seen) < AliveTimeout
}

func (e *Engine) SupportsEventHorizonReconfig(uid string) bool { return true }
func (e *Engine) IPv6Capable() bool                             { return true }

// --- fsm.Hooks ---

func (e *Engine) LaunchRunTasks() {
	e.bootedMu.Lock()
	e.booted = true
	e.bootedMu.Unlock()

	e.spawn(func() { e.executor.Run(e.shutdown) })
	e.spawn(func() {
		sw := &sweeper.Sweeper{Cache: e.cache, Range: e, Self: paxos.Self{ID: e.selfID}, Net: e.transport, Log: e.Log, Idle: e.idle}
		sw.Run(e.shutdown)
	})
	for i := 0; i < 2; i++ {
		e.spawn(func() {
			t := &proposer.Task{Requests: e.requestsFromSignal(), Cache: e.cache, Clock: e, Net: e.transport, Log: e.Log, Busy: e.setBusy}
			t.Run(e.shutdown)
		})
	}
	e.spawn(e.aliveLoop)
}

func (e *Engine) InstallSnapshot(c fsm.Candidate) error {
	return e.App.SnapshotInstall(c.Blob, c.LogStart, c.LogEnd)
}

// AllMembersResponded always reports true: the engine does not track
// which members have offered a snapshot, so recovery finishes on the
// first offer received.
func (e *Engine) AllMembersResponded() bool { return true }

func (e *Engine) ApplyForcedConfig(site *synod.Site) { e.sites.Install(site) }

func (e *Engine) Teardown() {
	close(e.shutdown)
	e.wg.Wait()
	e.App.StateChange(app.StateExit)
}

// --- lifecycle ---

// Run starts the transport and lifecycle FSM and blocks until Exit is
// called or ctxDone fires.
func (e *Engine) Run(ctxDone <-chan struct{}) error {
	if err := e.transport.Open(); err != nil {
		return err
	}
	e.spawn(func() { e.transport.Serve(e.shutdown) })
	e.transport.DialAll(e.shutdown)

	e.RequestCatchup()

	go func() {
		<-ctxDone
		e.machine.Exit()
	}()

	e.machine.Run(e.shutdown)
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// requestsFromSignal adapts the signalling channel's typed envelopes
// into the proposer's raw-payload request stream, validating and
// routing reconfiguration cargo kinds separately (spec §4.9's
// "rejected before Paxos if invalid").
func (e *Engine) requestsFromSignal() <-chan proposer.Request {
	out := make(chan proposer.Request)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-e.shutdown:
				close(out)
				return
			case <-ticker.C:
				env, ok := e.signal.TryPop()
				if !ok {
					continue
				}
				e.routeEnvelope(env, out)
			}
		}
	}()
	return out
}

func (e *Engine) routeEnvelope(env *wireproto.Envelope, out chan<- proposer.Request) {
	if env.Data.Kind != wireproto.CargoApp {
		cmd, ok := reconfig.FromCargo(env.Data)
		if ok {
			if err := reconfig.Validate(cmd, e.sites.Latest(), e.sites.Pending(synod.Synod{Group: e.group, Slot: e.ExecutedSlot()}), e); err != nil {
				client.RequestReply(env, wireproto.Outcome{Status: wireproto.OutcomeRequestFail, Reason: err.Error()})
				return
			}
		}
	}

	reply := make(chan proposer.Outcome, 1)
	out <- proposer.Request{Cargo: env.Data, Reply: reply}
	go func() {
		o := <-reply
		if o.Err != nil {
			client.RequestReply(env, wireproto.Outcome{Status: wireproto.OutcomeFailure, Reason: o.Err.Error()})
			return
		}
		client.RequestReply(env, wireproto.Outcome{Status: wireproto.OutcomeOK})
	}()
}

// aliveLoop periodically broadcasts i_am_alive so peers can maintain
// their own liveness table (spec §4.4's per-peer liveness timestamp).
func (e *Engine) aliveLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdown:
			return
		case <-ticker.C:
			e.transport.Broadcast(e.Quorum(), &wireproto.Message{From: e.selfID, Op: wireproto.OpIAmAlive})
		}
	}
}

// Submit exposes the signalling channel to cmd/client and any in-process
// embedder (spec §6).
func (e *Engine) Submit(data wireproto.AppData) (wireproto.Outcome, error) {
	return e.signal.Submit(context.Background(), data)
}

// RequestCatchup asks every configured peer for a snapshot, used on
// first boot when this node has no local state to recover from
// (spec §4.8's net_boot-unavailable branch).
func (e *Engine) RequestCatchup() {
	peers := make([]uint16, 0, len(e.transport.Peers))
	for id := range e.transport.Peers {
		peers = append(peers, id)
	}
	if len(peers) == 0 {
		e.machine.NetBoot()
		return
	}
	e.catchup.RequestFrom(peers)
}
