package snapshot

import (
	"errors"
	"testing"

	"github.com/totalorder/synod/internal/app"
	"github.com/totalorder/synod/internal/fsm"
	"github.com/totalorder/synod/internal/slotcache"
	"github.com/totalorder/synod/internal/synod"
	"github.com/totalorder/synod/internal/wireproto"
)

type fakeSender struct {
	needBootTo   []uint16
	snapshotsTo  []uint16
	recoverTo    []uint16
	failSnapshot bool
}

func (s *fakeSender) SendNeedBoot(to uint16, self synod.Server) error {
	s.needBootTo = append(s.needBootTo, to)
	return nil
}
func (s *fakeSender) SendSnapshot(to uint16, snap Snapshot) error {
	if s.failSnapshot {
		return errors.New("send failed")
	}
	s.snapshotsTo = append(s.snapshotsTo, to)
	return nil
}
func (s *fakeSender) SendRecoverLearn(to uint16, msg *wireproto.Message) error {
	s.recoverTo = append(s.recoverTo, to)
	return nil
}

type fakeProvider struct {
	snap    Snapshot
	err     error
	learned []*wireproto.Message
}

func (p *fakeProvider) Export() (Snapshot, error) { return p.snap, p.err }
func (p *fakeProvider) LearnedRange(from, to synod.Synod) []*wireproto.Message {
	return p.learned
}

type fakeHooks struct{}

func (fakeHooks) LaunchRunTasks()                    {}
func (fakeHooks) InstallSnapshot(c fsm.Candidate) error { return nil }
func (fakeHooks) AllMembersResponded() bool          { return false }
func (fakeHooks) ApplyForcedConfig(site *synod.Site) {}
func (fakeHooks) Teardown()                          {}

type fakeApp struct{}

func (fakeApp) SnapshotGet() ([]byte, synod.Synod, error)                      { return nil, synod.Synod{}, nil }
func (fakeApp) SnapshotInstall(blob []byte, logStart, logEnd synod.Synod) error { return nil }
func (fakeApp) Deliver(at synod.Synod, appData []byte, outcome app.DeliveryOutcome) {}
func (fakeApp) GlobalView(site *synod.Site, at synod.Synod)                      {}
func (fakeApp) StateChange(state app.ViewState)                                 {}

func newExchange() (*Exchange, *fakeSender, *fakeProvider) {
	sender := &fakeSender{}
	provider := &fakeProvider{}
	m := fsm.New(fakeHooks{}, fakeApp{}, nil)
	return &Exchange{
		Self:     synod.Server{UID: "n0"},
		Out:      sender,
		Provider: provider,
		Cache:    slotcache.New(1<<20, 10),
		Machine:  m,
		App:      fakeApp{},
	}, sender, provider
}

func TestRequestFromSendsNeedBootToEveryPeer(t *testing.T) {
	e, sender, _ := newExchange()
	e.RequestFrom([]uint16{2, 3, 4})
	if len(sender.needBootTo) != 3 {
		t.Fatalf("expected need_boot sent to 3 peers, got %d", len(sender.needBootTo))
	}
}

func TestOnNeedBootExportsSnapshotAndReplaysLearnedRange(t *testing.T) {
	e, sender, provider := newExchange()
	provider.snap = Snapshot{Blob: []byte("state"), LogStart: synod.Synod{Slot: 1}, LogEnd: synod.Synod{Slot: 5}}
	provider.learned = []*wireproto.Message{
		{Synode: synod.Synod{Slot: 2}},
		{Synode: synod.Synod{Slot: 3}},
	}

	e.OnNeedBoot(7)
	if len(sender.snapshotsTo) != 1 || sender.snapshotsTo[0] != 7 {
		t.Fatal("expected exactly one snapshot sent to the requester")
	}
	if len(sender.recoverTo) != 2 {
		t.Fatalf("expected 2 recover_learn replays, got %d", len(sender.recoverTo))
	}
}

func TestOnNeedBootStopsReplayingIfSnapshotSendFails(t *testing.T) {
	e, sender, provider := newExchange()
	sender.failSnapshot = true
	provider.learned = []*wireproto.Message{{Synode: synod.Synod{Slot: 2}}}

	e.OnNeedBoot(7)
	if len(sender.recoverTo) != 0 {
		t.Fatal("no recover_learn replay should happen once the snapshot send itself failed")
	}
}

func TestOnNeedBootSkipsEntirelyOnExportError(t *testing.T) {
	e, sender, provider := newExchange()
	provider.err = errors.New("export failed")

	e.OnNeedBoot(7)
	if len(sender.snapshotsTo) != 0 {
		t.Fatal("nothing should be sent if the local export itself failed")
	}
}

func TestOnRecoverLearnAppliesIntoCache(t *testing.T) {
	e, _, _ := newExchange()
	s := synod.Synod{Slot: 9}
	e.OnRecoverLearn(&wireproto.Message{Synode: s, AppData: []byte("v"), Kind: wireproto.KindNormal})

	if !e.Cache.IsCached(s) {
		t.Fatal("expected the replayed learn to land in the cache")
	}
	slot := e.Cache.GetNoTouch(s)
	if !slot.Finished() {
		t.Fatal("expected the replayed slot to be finished")
	}
}

func TestBootKeyOfFallsBackToLogStartWhenNoSites(t *testing.T) {
	snap := Snapshot{LogStart: synod.Synod{Slot: 4}}
	if got := bootKeyOf(snap); got.Slot != 4 {
		t.Fatalf("expected fallback to LogStart, got %+v", got)
	}
}

func TestOnGCSSnapshotEnqueuesCandidateWithoutBlocking(t *testing.T) {
	e, _, _ := newExchange()
	e.OnGCSSnapshot(2, Snapshot{LogStart: synod.Synod{Slot: 1}, LogEnd: synod.Synod{Slot: 5}})
}

func TestBootKeyOfUsesLatestSiteBootKey(t *testing.T) {
	snap := Snapshot{
		LogStart: synod.Synod{Slot: 4},
		Sites: []*synod.Site{
			{BootKey: synod.Synod{Slot: 2}},
			{BootKey: synod.Synod{Slot: 8}},
		},
	}
	if got := bootKeyOf(snap); got.Slot != 8 {
		t.Fatalf("expected the latest installed site's BootKey, got %+v", got)
	}
}
