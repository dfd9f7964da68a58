// Package synod defines the slot identifier, ballot, and site types that
// everything else in the engine is keyed on.
package synod

import "fmt"

// DefaultEventHorizon is the event horizon a freshly booted site starts
// with when no reconfiguration has ever run (restored from the original
// XCom source, which pins the default at the reconfigurable minimum).
const DefaultEventHorizon = EventHorizonMin

// EventHorizonMin and EventHorizonMax bound set_event_horizon (spec §4.9).
const (
	EventHorizonMin uint32 = 10
	EventHorizonMax uint32 = 200
)

// VoidNode marks "no node", used for a node that isn't a member of the
// active site, or an owner field that hasn't been assigned yet.
const VoidNode uint16 = 0xffff

// Synod is the triple (group_id, slot, owner). Total order within a group
// is lexicographic on (slot, owner); group_id partitions unrelated
// instances and is never compared.
type Synod struct {
	Group uint32
	Slot  uint64
	Owner uint16
}

// Less orders two synods lexicographically on (Slot, Owner). Callers are
// responsible for only comparing synods from the same Group.
func (s Synod) Less(o Synod) bool {
	if s.Slot != o.Slot {
		return s.Slot < o.Slot
	}
	return s.Owner < o.Owner
}

func (s Synod) Equal(o Synod) bool {
	return s.Group == o.Group && s.Slot == o.Slot && s.Owner == o.Owner
}

func (s Synod) String() string {
	return fmt.Sprintf("%d:%d:%d", s.Group, s.Slot, s.Owner)
}

// Next returns the synod for the following slot owned by the same node.
func (s Synod) Next() Synod {
	return Synod{Group: s.Group, Slot: s.Slot + 1, Owner: s.Owner}
}

// Ballot is the pair (count, node), ordered lexicographically. Ballot{0,
// owner} is the implicit initial ballot used by the owner's 2-phase fast
// path (spec §4.2).
type Ballot struct {
	Count int32
	Node  uint16
}

// Less reports whether b precedes o under the ballot order.
func (b Ballot) Less(o Ballot) bool {
	if b.Count != o.Count {
		return b.Count < o.Count
	}
	return b.Node < o.Node
}

func (b Ballot) Greater(o Ballot) bool { return o.Less(b) }

func (b Ballot) Equal(o Ballot) bool { return b.Count == o.Count && b.Node == o.Node }

// GreaterOrEqual reports b >= o.
func (b Ballot) GreaterOrEqual(o Ballot) bool { return !b.Less(o) }

// IsInitial reports whether b is the owner's implicit 2-phase ballot.
func (b Ballot) IsInitial() bool { return b.Count == 0 }

// InitialBallot returns the implicit ballot {0, owner} for a synod's owner.
func InitialBallot(owner uint16) Ballot { return Ballot{Count: 0, Node: owner} }

// NextBallot returns a ballot strictly greater than b, tagged with node.
func NextBallot(b Ballot, node uint16) Ballot {
	return Ballot{Count: b.Count + 1, Node: node}
}

// ForcedBallot inflates count to dominate any concurrent contender, per
// spec §4.2's forced-round rule: count grows by (INT32_MAX-count)/3.
func ForcedBallot(b Ballot, node uint16) Ballot {
	const int32Max = int32(1<<31 - 1)
	return Ballot{Count: b.Count + (int32Max-b.Count)/3, Node: node}
}

// Server describes one member's network identity within a Site.
type Server struct {
	UID     string
	Address string
	Port    int
}

// Site is one configuration generation: the set of members, the slot at
// which it takes effect, and its event horizon (spec §3).
type Site struct {
	Start          Synod
	BootKey        Synod
	Nodes          []Server
	EventHorizon   uint32
	ProtocolVer    uint16
	GlobalNodeSet  []bool
	Detected       []int64
}

// NodeNo returns the index of uid within the site's member list, or
// synod.VoidNode if uid is not a member.
func (s *Site) NodeNo(uid string) uint16 {
	for i, srv := range s.Nodes {
		if srv.UID == uid {
			return uint16(i)
		}
	}
	return VoidNode
}

// Majority is strictly more than half the site's membership.
func (s *Site) Majority() int {
	return len(s.Nodes)/2 + 1
}

// SiteList is an append-only, Start-ordered list of configuration
// generations for one group.
type SiteList struct {
	sites []*Site
}

func (l *SiteList) Install(s *Site) {
	l.sites = append(l.sites, s)
}

// Find returns the site whose Start <= at the synod is largest, i.e. the
// active site as of that slot (spec §3, find_site_def).
func (l *SiteList) Find(at Synod) *Site {
	var best *Site
	for _, s := range l.sites {
		if s.Start.Slot <= at.Slot {
			if best == nil || s.Start.Slot > best.Start.Slot {
				best = s
			}
		}
	}
	return best
}

// All returns every installed site generation, oldest first, used by
// snapshot export (spec §4.8's "exported config history").
func (l *SiteList) All() []*Site {
	return append([]*Site(nil), l.sites...)
}

// Latest returns the most recently installed site, or nil if none.
func (l *SiteList) Latest() *Site {
	if len(l.sites) == 0 {
		return nil
	}
	return l.sites[len(l.sites)-1]
}

// Pending returns the site whose Start is strictly greater than after, if
// one exists, used by the event-horizon threshold computation (spec
// §4.5).
func (l *SiteList) Pending(after Synod) *Site {
	var best *Site
	for _, s := range l.sites {
		if s.Start.Slot > after.Slot {
			if best == nil || s.Start.Slot < best.Start.Slot {
				best = s
			}
		}
	}
	return best
}

// Retire drops sites older than the given boundary once
// delivered > start(next) + event_horizon (spec §3 lifecycle). It never
// drops the last remaining site.
func (l *SiteList) Retire(delivered Synod) {
	for len(l.sites) > 1 {
		next := l.sites[1]
		if delivered.Slot > next.Start.Slot+uint64(next.EventHorizon) {
			l.sites = l.sites[1:]
			continue
		}
		break
	}
}
