// Package app declares the external-collaborator callback contract (spec
// §6) that the engine drives delivery through, plus a small demo
// key/value application (a PUT/GET/PUT_BLIND command set) used by tests
// and cmd/client.
package app

import (
	"github.com/totalorder/synod/internal/synod"
)

// ViewState is passed to OnStateChange (spec §6).
type ViewState uint8

const (
	StateCommsOK ViewState = iota
	StateCommsError
	StateRun
	StateTerminate
	StateExit
	StateExpel
)

// DeliveryOutcome tells OnDeliver whether the value was actually applied.
type DeliveryOutcome uint8

const (
	DeliveryOK DeliveryOutcome = iota
	DeliveryFailure
)

// Callbacks is the embedder-provided contract the engine is built
// against. Everything on the other side of it is out of scope per
// spec.md §1.
type Callbacks interface {
	// SnapshotGet produces a snapshot of application state and returns
	// the highest synod reflected in it.
	SnapshotGet() (blob []byte, at synod.Synod, err error)
	// SnapshotInstall installs blob, discarding logs outside
	// [logStart, logEnd].
	SnapshotInstall(blob []byte, logStart, logEnd synod.Synod) error
	// Deliver is the totally-ordered delivery callback.
	Deliver(slot synod.Synod, appData []byte, outcome DeliveryOutcome)
	// GlobalView notifies the application of a membership change.
	GlobalView(site *synod.Site, at synod.Synod)
	// StateChange notifies the application of an engine lifecycle change.
	StateChange(state ViewState)
}
