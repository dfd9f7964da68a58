package app

import (
	"encoding/binary"
	"sync"

	"go.uber.org/zap"

	"github.com/totalorder/synod/internal/synod"
)

// Op is the demo KV app's command set (PUT/GET/PUT_BLIND).
type Op uint8

const (
	OpNone Op = iota
	OpPut
	OpGet
	OpPutBlind // result not needed immediately
)

// Command is one KV operation, wire-compatible with AppData.Payload via
// Marshal/Unmarshal.
type Command struct {
	Op    Op
	Key   uint64
	Value uint64
}

func (c Command) Marshal() []byte {
	b := make([]byte, 17)
	b[0] = byte(c.Op)
	binary.LittleEndian.PutUint64(b[1:], c.Key)
	binary.LittleEndian.PutUint64(b[9:], c.Value)
	return b
}

func (c *Command) Unmarshal(b []byte) bool {
	if len(b) < 17 {
		return false
	}
	c.Op = Op(b[0])
	c.Key = binary.LittleEndian.Uint64(b[1:])
	c.Value = binary.LittleEndian.Uint64(b[9:])
	return true
}

// Conflict reports whether two commands touch the same key with at least
// one write, mirroring state.Conflict.
func Conflict(a, b Command) bool {
	isWrite := func(op Op) bool { return op == OpPut || op == OpPutBlind }
	return a.Key == b.Key && (isWrite(a.Op) || isWrite(b.Op))
}

// KVStore is a minimal in-memory application, deterministic given its
// delivery order, used by tests and by cmd/node through KVApp.
type KVStore struct {
	mu      sync.Mutex
	data    map[uint64]uint64
	highest synod.Synod
}

func NewKVStore() *KVStore {
	return &KVStore{data: make(map[uint64]uint64)}
}

func (s *KVStore) Apply(at synod.Synod, cmd Command) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd.Op {
	case OpPut, OpPutBlind:
		s.data[cmd.Key] = cmd.Value
	case OpGet:
		// no mutation
	}
	if s.highest.Slot < at.Slot {
		s.highest = at
	}
	return s.data[cmd.Key]
}

func (s *KVStore) Get(key uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Snapshot and Restore give KVStore a trivial SnapshotGet/SnapshotInstall
// implementation for tests exercising internal/snapshot without a full
// Callbacks wiring.
func (s *KVStore) Snapshot() ([]byte, synod.Synod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, 0, 16*len(s.data))
	for k, v := range s.data {
		var kv [16]byte
		binary.LittleEndian.PutUint64(kv[0:], k)
		binary.LittleEndian.PutUint64(kv[8:], v)
		b = append(b, kv[:]...)
	}
	return b, s.highest
}

func (s *KVStore) Restore(blob []byte, at synod.Synod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[uint64]uint64, len(blob)/16)
	for i := 0; i+16 <= len(blob); i += 16 {
		k := binary.LittleEndian.Uint64(blob[i:])
		v := binary.LittleEndian.Uint64(blob[i+8:])
		s.data[k] = v
	}
	s.highest = at
}

// KVApp wraps KVStore with the rest of Callbacks's lifecycle notifications,
// giving cmd/node a ready-to-run application without hand-wiring every
// callback. GlobalView/StateChange just log; a real embedder would react
// to them (e.g. updating a client-facing readiness flag).
type KVApp struct {
	*KVStore
	Log *zap.Logger
}

func NewKVApp(log *zap.Logger) *KVApp {
	return &KVApp{KVStore: NewKVStore(), Log: log}
}

func (a *KVApp) SnapshotGet() ([]byte, synod.Synod, error) {
	blob, at := a.Snapshot()
	return blob, at, nil
}

func (a *KVApp) SnapshotInstall(blob []byte, logStart, logEnd synod.Synod) error {
	a.Restore(blob, logEnd)
	return nil
}

func (a *KVApp) Deliver(at synod.Synod, appData []byte, outcome DeliveryOutcome) {
	if outcome != DeliveryOK {
		return
	}
	var cmd Command
	if !cmd.Unmarshal(appData) {
		return
	}
	a.Apply(at, cmd)
}

func (a *KVApp) GlobalView(site *synod.Site, at synod.Synod) {
	if a.Log != nil {
		a.Log.Info("global view changed", zap.Int("members", len(site.Nodes)), zap.Uint64("at", at.Slot))
	}
}

func (a *KVApp) StateChange(state ViewState) {
	if a.Log != nil {
		a.Log.Info("engine state change", zap.Uint8("state", uint8(state)))
	}
}
