package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// CurrentProtocolVersion is this build's wire version. Connections
// negotiate down to MinSupportedProtocolVersion and are dropped outside
// that range (spec §6).
const (
	CurrentProtocolVersion      uint16 = 3
	MinSupportedProtocolVersion uint16 = 1
	// IgnoreIntermediateForcedThreshold is the protocol version below which
	// a forced reconfiguration must still be applied by non-owner nodes on
	// every hop, to avoid double-apply across mixed-version upgrades
	// (spec §4.9).
	IgnoreIntermediateForcedThreshold uint16 = 2
)

// FrameType tags the payload that follows a Frame header.
type FrameType uint8

const (
	FrameVersionReq   FrameType = iota
	FrameVersionReply
	FramePaxos
)

// FrameHeader is the transport contract's wire header (spec §6):
// {length, protocol_version, msg_type, tag}.
type FrameHeader struct {
	Length          uint32
	ProtocolVersion uint16
	MsgType         FrameType
	Tag             uint32
}

const frameHeaderSize = 4 + 2 + 1 + 4

// WriteFrame writes header+body as one frame. body must already be
// serialized (e.g. via Message.Marshal into a buffer).
func WriteFrame(w io.Writer, msgType FrameType, tag uint32, body []byte) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(body)))
	binary.LittleEndian.PutUint16(hdr[4:], CurrentProtocolVersion)
	hdr[6] = byte(msgType)
	binary.LittleEndian.PutUint32(hdr[7:], tag)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrameHeader reads and validates a frame header's protocol version.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return FrameHeader{}, err
	}
	fh := FrameHeader{
		Length:          binary.LittleEndian.Uint32(hdr[0:]),
		ProtocolVersion: binary.LittleEndian.Uint16(hdr[4:]),
		MsgType:         FrameType(hdr[6]),
		Tag:             binary.LittleEndian.Uint32(hdr[7:]),
	}
	if fh.ProtocolVersion < MinSupportedProtocolVersion || fh.ProtocolVersion > CurrentProtocolVersion {
		return fh, fmt.Errorf("wireproto: unsupported protocol version %d", fh.ProtocolVersion)
	}
	return fh, nil
}

// VersionHandshake is exchanged before any application traffic (spec §6).
type VersionHandshake struct {
	ProtocolVersion uint16
}

func (v *VersionHandshake) Marshal(w io.Writer) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v.ProtocolVersion)
	_, err := w.Write(b[:])
	return err
}

func (v *VersionHandshake) Unmarshal(r io.Reader) error {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	v.ProtocolVersion = binary.LittleEndian.Uint16(b[:])
	return nil
}
