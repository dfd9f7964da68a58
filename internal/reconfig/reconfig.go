// Package reconfig implements the reconfiguration commands and their
// pre-Paxos validation (spec §4.9): add_node, remove_node,
// set_event_horizon, force_config, unified_boot. Validation generalizes
// master-side admission checks into pre-Paxos validation run by the
// member that receives the request instead of a single registrar;
// EVENT_HORIZON_MIN/MAX
// bounds follow original_source/'s xcom_base.cc (~L2413).
package reconfig

import (
	"net"

	"github.com/pkg/errors"

	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

// EventHorizonMin and EventHorizonMax bound set_event_horizon, restored
// from original_source/ (spec §4.9, see DESIGN.md).
const (
	EventHorizonMin = synod.EventHorizonMin
	EventHorizonMax = synod.EventHorizonMax
)

// Kind tags the reconfiguration command variants.
type Kind int

const (
	AddNode Kind = iota
	RemoveNode
	SetEventHorizon
	ForceConfig
	UnifiedBoot
)

// Command is one reconfiguration request awaiting validation and, once
// valid, proposal through Paxos as a config value (spec §4.9).
type Command struct {
	Kind         Kind
	AddNodes     []synod.Server
	RemoveUIDs   []string
	EventHorizon uint32
	ForcedSite   *synod.Site
	BootSite     *synod.Site
}

// LiveSet answers liveness/capability questions validation needs.
type LiveSet interface {
	IsAlive(uid string) bool
	SupportsEventHorizonReconfig(uid string) bool
	IPv6Capable() bool
}

// Validate implements spec §4.9's per-command validation rules, run
// before the command is proposed through Paxos. A non-nil error means
// the command is rejected outright.
func Validate(cmd Command, active *synod.Site, pending *synod.Site, live LiveSet) error {
	switch cmd.Kind {
	case AddNode:
		return validateAddNode(cmd, active, pending, live)
	case RemoveNode:
		return validateRemoveNode(cmd, active)
	case SetEventHorizon:
		return validateSetEventHorizon(cmd, active, live)
	case ForceConfig:
		return validateForceConfig(cmd, live)
	case UnifiedBoot:
		return nil // admitted unconditionally; it establishes the first site
	default:
		return errors.Errorf("reconfig: unknown command kind %d", cmd.Kind)
	}
}

func validateAddNode(cmd Command, active, pending *synod.Site, live LiveSet) error {
	for _, n := range cmd.AddNodes {
		if siteHas(active, n.UID) || siteHas(pending, n.UID) {
			return errors.Errorf("reconfig: node %q already present", n.UID)
		}
		defaultEH := active == nil || active.EventHorizon == synod.EventHorizonMin
		if !live.SupportsEventHorizonReconfig(n.UID) && !defaultEH {
			return errors.Errorf("reconfig: node %q does not support event-horizon reconfiguration", n.UID)
		}
		if !live.IPv6Capable() && net.ParseIP(hostOf(n.Address)).To4() == nil {
			return errors.Errorf("reconfig: node %q has no IPv4-reachable address in a pre-IPv6 group", n.UID)
		}
	}
	return nil
}

func validateRemoveNode(cmd Command, active *synod.Site) error {
	for _, uid := range cmd.RemoveUIDs {
		if !siteHas(active, uid) {
			return errors.Errorf("reconfig: node %q is not a member of the current site", uid)
		}
	}
	return nil
}

func validateSetEventHorizon(cmd Command, active *synod.Site, live LiveSet) error {
	if cmd.EventHorizon < EventHorizonMin || cmd.EventHorizon > EventHorizonMax {
		return errors.Errorf("reconfig: event horizon %d out of range [%d, %d]",
			cmd.EventHorizon, EventHorizonMin, EventHorizonMax)
	}
	if active == nil {
		return nil
	}
	for _, n := range active.Nodes {
		if !live.SupportsEventHorizonReconfig(n.UID) {
			return errors.Errorf("reconfig: member %q does not support event-horizon reconfiguration", n.UID)
		}
	}
	return nil
}

func validateForceConfig(cmd Command, live LiveSet) error {
	if cmd.ForcedSite == nil {
		return errors.New("reconfig: force_config requires a target site")
	}
	for _, n := range cmd.ForcedSite.Nodes {
		if !live.IsAlive(n.UID) {
			return errors.Errorf("reconfig: forced member %q is not currently alive", n.UID)
		}
	}
	return nil
}

// FromCargo maps a client's typed request into a reconfiguration Command,
// used both pre-Paxos (validation, by internal/engine) and post-decision
// (internal/executor decoding the learned value to apply it). Only
// add_node, remove_node and set_event_horizon cargo are mapped; ok is
// false for every other kind, including CargoForceConfig and
// CargoXComBoot.
func FromCargo(data wireproto.AppData) (Command, bool) {
	switch data.Kind {
	case wireproto.CargoAddNode:
		nodes := make([]synod.Server, len(data.NodeUIDs))
		for i, uid := range data.NodeUIDs {
			addr := ""
			if i < len(data.NodeAddr) {
				addr = data.NodeAddr[i]
			}
			nodes[i] = synod.Server{UID: uid, Address: addr}
		}
		return Command{Kind: AddNode, AddNodes: nodes}, true
	case wireproto.CargoRemoveNode:
		return Command{Kind: RemoveNode, RemoveUIDs: data.NodeUIDs}, true
	case wireproto.CargoSetEventHorizon:
		return Command{Kind: SetEventHorizon, EventHorizon: data.EventHorizon}, true
	default:
		return Command{}, false
	}
}

func siteHas(s *synod.Site, uid string) bool {
	if s == nil {
		return false
	}
	return s.NodeNo(uid) != synod.VoidNode
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Apply installs the decided command's resulting site, per spec §4.9's
// "On decision" clause: start := app_key + H + 1, boot_key := app_key.
// Callers (internal/executor) drive this when executed_msg passes
// active.BootKey.
func Apply(cmd Command, active *synod.Site, decidedAt synod.Synod) *synod.Site {
	if cmd.Kind == UnifiedBoot {
		site := cloneSite(cmd.BootSite)
		site.Start = synod.Synod{Group: decidedAt.Group, Slot: 0}
		site.BootKey = decidedAt
		return site
	}

	next := cloneSite(active)
	switch cmd.Kind {
	case AddNode:
		next.Nodes = append(next.Nodes, cmd.AddNodes...)
	case RemoveNode:
		next.Nodes = removeByUID(next.Nodes, cmd.RemoveUIDs)
	case SetEventHorizon:
		next.EventHorizon = cmd.EventHorizon
	case ForceConfig:
		next = cloneSite(cmd.ForcedSite)
	}
	next.Start = synod.Synod{Group: decidedAt.Group, Slot: decidedAt.Slot + uint64(active.EventHorizon) + 1}
	next.BootKey = decidedAt
	return next
}

func cloneSite(s *synod.Site) *synod.Site {
	clone := *s
	clone.Nodes = append([]synod.Server(nil), s.Nodes...)
	clone.GlobalNodeSet = append([]bool(nil), s.GlobalNodeSet...)
	clone.Detected = append([]int64(nil), s.Detected...)
	return &clone
}

func removeByUID(nodes []synod.Server, uids []string) []synod.Server {
	drop := make(map[string]bool, len(uids))
	for _, u := range uids {
		drop[u] = true
	}
	out := make([]synod.Server, 0, len(nodes))
	for _, n := range nodes {
		if !drop[n.UID] {
			out = append(out, n)
		}
	}
	return out
}
