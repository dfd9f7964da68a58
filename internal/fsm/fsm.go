// Package fsm implements the engine lifecycle state machine (spec §4.7):
// init → start_enter → start → (net_boot | snapshot | snapshot_wait) →
// run_enter → run, plus termination and forced-config handling, as an
// explicit state-function machine. The snapshot_wait timeout is posted
// asynchronously rather than blocking the FSM inline, kept here as a
// timer goroutine feeding the event channel.
package fsm

import (
	"time"

	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/app"
	"github.com/totalorder/synod/internal/synod"
)

// State names the lifecycle states of spec §4.7.
type State int

const (
	Init State = iota
	StartEnter
	Start
	RunEnter
	Run
	SnapshotWaitEnter
	SnapshotWait
	RecoverWaitEnter
	RecoverWait
	Terminal
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case StartEnter:
		return "start_enter"
	case Start:
		return "start"
	case RunEnter:
		return "run_enter"
	case Run:
		return "run"
	case SnapshotWaitEnter:
		return "snapshot_wait_enter"
	case SnapshotWait:
		return "snapshot_wait"
	case RecoverWaitEnter:
		return "recover_wait_enter"
	case RecoverWait:
		return "recover_wait"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// SnapshotSource distinguishes where a candidate snapshot came from.
// Per original_source/, x_fsm_local_snapshot and x_fsm_snapshot are the
// same FSM behavior differing only in this field, not in code path.
type SnapshotSource int

const (
	SourceNetwork SnapshotSource = iota
	SourceLocal
)

// Candidate is one snapshot offer considered by recover_wait, ordered by
// (BootKey, LogStart, LogEnd) per spec §4.8.
type Candidate struct {
	Source   SnapshotSource
	BootKey  synod.Synod
	LogStart synod.Synod
	LogEnd   synod.Synod
	Blob     []byte
	From     uint16
}

// Better reports whether c should replace cur as the best candidate.
func (c Candidate) Better(cur Candidate) bool {
	if c.BootKey.Slot != cur.BootKey.Slot {
		return c.BootKey.Slot > cur.BootKey.Slot
	}
	if c.LogStart.Slot != cur.LogStart.Slot {
		return c.LogStart.Slot > cur.LogStart.Slot
	}
	return c.LogEnd.Slot > cur.LogEnd.Slot
}

// event tags what woke the FSM's Run loop.
type eventKind int

const (
	evNetBoot eventKind = iota
	evRequestSnapshot
	evSnapshot
	evLocalSnapshot
	evSnapshotTimeout
	evGotAllSnapshots
	evTerminate
	evForceConfig
	evExit
)

type event struct {
	kind      eventKind
	candidate Candidate
	site      *synod.Site
}

// Hooks are the side effects the FSM triggers on each entry action; the
// engine supplies the real implementations (launching tasks, installing
// snapshots, tearing down).
type Hooks interface {
	// LaunchRunTasks starts the run-state tasks (spec §4.7 run_enter).
	// The engine's implementation starts the executor, sweeper, proposer
	// and alive tasks; it starts no separate detector or cache-manager
	// task.
	LaunchRunTasks()
	// InstallSnapshot applies the winning candidate.
	InstallSnapshot(c Candidate) error
	// AllMembersResponded reports whether every current member has sent
	// a snapshot offer (spec §4.8's completion condition).
	AllMembersResponded() bool
	// ApplyForcedConfig installs a forced site while remaining in run.
	ApplyForcedConfig(site *synod.Site)
	// Teardown runs once, from any state, on evExit (x_fsm_exit).
	Teardown()
}

// Machine runs the lifecycle FSM. Zero value is not usable; use New.
type Machine struct {
	state State
	hooks Hooks
	app   app.Callbacks
	log   *zap.Logger

	events chan event
	best   Candidate
	haveBest bool

	snapshotWaitTimer *time.Timer
}

// SnapshotWaitTime bounds snapshot_wait before falling back to start
// (spec §4.7's SNAPSHOT_WAIT_TIME).
const SnapshotWaitTime = 10 * time.Second

// New returns a Machine in the init state.
func New(hooks Hooks, callbacks app.Callbacks, log *zap.Logger) *Machine {
	return &Machine{
		state:  Init,
		hooks:  hooks,
		app:    callbacks,
		log:    log,
		events: make(chan event, 16),
	}
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// NetBoot signals that a version-negotiated boot connection was
// established without needing a snapshot.
func (m *Machine) NetBoot() { m.events <- event{kind: evNetBoot} }

// RequestSnapshot signals that start has no usable boot connection and
// must request a snapshot from peers (spec §4.7's
// x_fsm_snapshot_wait transition).
func (m *Machine) RequestSnapshot() { m.events <- event{kind: evRequestSnapshot} }

// Snapshot offers a network-received snapshot candidate.
func (m *Machine) Snapshot(c Candidate) {
	c.Source = SourceNetwork
	m.events <- event{kind: evSnapshot, candidate: c}
}

// LocalSnapshot offers a locally-produced snapshot candidate.
func (m *Machine) LocalSnapshot(c Candidate) {
	c.Source = SourceLocal
	m.events <- event{kind: evLocalSnapshot, candidate: c}
}

// Terminate requests a clean return to start_enter from run.
func (m *Machine) Terminate() { m.events <- event{kind: evTerminate} }

// ForceConfig applies a forced reconfiguration while staying in run.
func (m *Machine) ForceConfig(site *synod.Site) { m.events <- event{kind: evForceConfig, site: site} }

// Exit requests teardown from any state.
func (m *Machine) Exit() { m.events <- event{kind: evExit} }

// Run drives the FSM until Exit is called or shutdown fires.
func (m *Machine) Run(shutdown <-chan struct{}) {
	m.enter(StartEnter)
	for {
		select {
		case <-shutdown:
			m.hooks.Teardown()
			return
		case ev := <-m.events:
			if ev.kind == evExit {
				m.hooks.Teardown()
				m.state = Terminal
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev event) {
	switch m.state {
	case StartEnter, Start:
		switch ev.kind {
		case evNetBoot:
			m.enter(RunEnter)
		case evSnapshot, evLocalSnapshot:
			m.best = ev.candidate
			m.haveBest = true
			m.enter(RunEnter)
		case evRequestSnapshot:
			m.enter(SnapshotWaitEnter)
		}
	case SnapshotWaitEnter, SnapshotWait:
		switch ev.kind {
		case evSnapshot, evLocalSnapshot:
			m.best = ev.candidate
			m.haveBest = true
			m.enter(RecoverWaitEnter)
			if m.hooks.AllMembersResponded() {
				m.finishRecovery()
			}
		case evSnapshotTimeout:
			m.enter(Start)
		}
	case RecoverWaitEnter, RecoverWait:
		switch ev.kind {
		case evSnapshot, evLocalSnapshot:
			if ev.candidate.Better(m.best) {
				m.best = ev.candidate
			}
			if m.hooks.AllMembersResponded() {
				m.finishRecovery()
			}
		case evSnapshotTimeout, evGotAllSnapshots:
			m.finishRecovery()
		}
	case Run:
		switch ev.kind {
		case evTerminate:
			m.enter(StartEnter)
		case evForceConfig:
			m.hooks.ApplyForcedConfig(ev.site)
		}
	}
}

func (m *Machine) finishRecovery() {
	m.stopSnapshotTimer()
	if m.haveBest {
		if err := m.hooks.InstallSnapshot(m.best); err != nil && m.log != nil {
			m.log.Error("snapshot install failed", zap.Error(err))
		}
	}
	m.enter(RunEnter)
}

// enter runs the entry action for target and transitions the state
// (spec §4.7's *_enter suffix states).
func (m *Machine) enter(target State) {
	switch target {
	case SnapshotWaitEnter:
		m.armSnapshotTimeout()
		m.state = SnapshotWait
		return
	case RecoverWaitEnter:
		m.armSnapshotTimeout()
		m.state = RecoverWait
		return
	case RunEnter:
		m.stopSnapshotTimer()
		m.haveBest = false
		m.hooks.LaunchRunTasks()
		m.app.StateChange(app.StateRun)
		m.state = Run
		return
	case StartEnter:
		m.app.StateChange(app.StateCommsOK)
		m.state = Start
		return
	}
	m.state = target
}

// armSnapshotTimeout posts SNAPSHOT_WAIT_TIME via a timer goroutine
// into the event channel, rather than blocking the FSM on a timer
// (original_source/'s x_fsm_completion_task model).
func (m *Machine) armSnapshotTimeout() {
	m.stopSnapshotTimer()
	m.snapshotWaitTimer = time.AfterFunc(SnapshotWaitTime, func() {
		m.events <- event{kind: evSnapshotTimeout}
	})
}

func (m *Machine) stopSnapshotTimer() {
	if m.snapshotWaitTimer != nil {
		m.snapshotWaitTimer.Stop()
		m.snapshotWaitTimer = nil
	}
}
