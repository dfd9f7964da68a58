package wireproto

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EncodeCargo serializes a client request's typed payload into the bytes
// carried as a Message's AppData, mirroring Marshal/Unmarshal's manual
// little-endian, length-prefixed style.
func EncodeCargo(data AppData) []byte {
	buf := make([]byte, 0, 32+len(data.Payload))
	buf = append(buf, byte(data.Kind))
	buf = appendBytes(buf, data.Payload)
	buf = appendStrings(buf, data.NodeUIDs)
	buf = appendStrings(buf, data.NodeAddr)
	var eh [4]byte
	binary.LittleEndian.PutUint32(eh[:], data.EventHorizon)
	buf = append(buf, eh[:]...)
	buf = appendStrings(buf, data.ForcedNodeUIDs)
	var cl [8]byte
	binary.LittleEndian.PutUint64(cl[:], data.CacheLimitBytes)
	buf = append(buf, cl[:]...)
	return buf
}

// DecodeCargo reverses EncodeCargo.
func DecodeCargo(b []byte) (AppData, error) {
	var data AppData
	if len(b) < 1 {
		return data, errors.New("wireproto: cargo too short for kind")
	}
	data.Kind = CargoKind(b[0])
	b = b[1:]

	var err error
	if data.Payload, b, err = readBytes(b); err != nil {
		return data, err
	}
	if data.NodeUIDs, b, err = readStrings(b); err != nil {
		return data, err
	}
	if data.NodeAddr, b, err = readStrings(b); err != nil {
		return data, err
	}
	if len(b) < 4 {
		return data, errors.New("wireproto: cargo too short for event horizon")
	}
	data.EventHorizon = binary.LittleEndian.Uint32(b)
	b = b[4:]
	if data.ForcedNodeUIDs, b, err = readStrings(b); err != nil {
		return data, err
	}
	if len(b) < 8 {
		return data, errors.New("wireproto: cargo too short for cache limit")
	}
	data.CacheLimitBytes = binary.LittleEndian.Uint64(b)
	return data, nil
}

// EncodeTaggedValue tags a proposed cargo with a proposer-assigned unique
// id, so a preempted proposer can later tell its own attempt apart from a
// value that merely happens to match byte-for-byte (the proposer's
// tag-then-match-by-id step), and with lsn, the per-node monotonic
// sequence number assigned to every batch of payloads as it is proposed
// (spec §4.3 step 3, §8).
func EncodeTaggedValue(id uuid.UUID, lsn uint64, data AppData) []byte {
	cargo := EncodeCargo(data)
	out := make([]byte, 24+len(cargo))
	copy(out, id[:])
	binary.LittleEndian.PutUint64(out[16:24], lsn)
	copy(out[24:], cargo)
	return out
}

// DecodeTaggedValue reverses EncodeTaggedValue.
func DecodeTaggedValue(b []byte) (uuid.UUID, uint64, AppData, error) {
	if len(b) < 24 {
		return uuid.UUID{}, 0, AppData{}, errors.New("wireproto: tagged value too short")
	}
	var id uuid.UUID
	copy(id[:], b[:16])
	lsn := binary.LittleEndian.Uint64(b[16:24])
	data, err := DecodeCargo(b[24:])
	return id, lsn, data, err
}

func appendBytes(buf, b []byte) []byte {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
	buf = append(buf, lb[:]...)
	return append(buf, b...)
}

func appendStrings(buf []byte, ss []string) []byte {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(ss)))
	buf = append(buf, lb[:]...)
	for _, s := range ss {
		buf = appendBytes(buf, []byte(s))
	}
	return buf
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, b, errors.New("wireproto: cargo truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, b, errors.New("wireproto: cargo truncated bytes")
	}
	if n == 0 {
		return nil, b, nil
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, b[n:], nil
}

func readStrings(b []byte) ([]string, []byte, error) {
	if len(b) < 4 {
		return nil, b, errors.New("wireproto: cargo truncated string count")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if n == 0 {
		return nil, b, nil
	}
	out := make([]string, n)
	for i := uint32(0); i < n; i++ {
		var sb []byte
		var err error
		if sb, b, err = readBytes(b); err != nil {
			return nil, b, err
		}
		out[i] = string(sb)
	}
	return out, b, nil
}
