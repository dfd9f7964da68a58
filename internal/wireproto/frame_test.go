package wireproto

import (
	"bytes"
	"testing"
)

func TestWriteAndReadFrameHeader(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("payload bytes")
	if err := WriteFrame(&buf, FramePaxos, 99, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	hdr, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatalf("ReadFrameHeader: %v", err)
	}
	if hdr.Length != uint32(len(body)) {
		t.Fatalf("expected length %d, got %d", len(body), hdr.Length)
	}
	if hdr.MsgType != FramePaxos {
		t.Fatalf("expected FramePaxos, got %v", hdr.MsgType)
	}
	if hdr.Tag != 99 {
		t.Fatalf("expected tag 99, got %d", hdr.Tag)
	}

	rest := make([]byte, hdr.Length)
	if _, err := buf.Read(rest); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !bytes.Equal(rest, body) {
		t.Fatalf("body mismatch: got %q want %q", rest, body)
	}
}

func TestReadFrameHeaderRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FramePaxos, 1, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw := buf.Bytes()
	// Corrupt the protocol version field to something out of range.
	raw[4] = 0xff
	raw[5] = 0xff

	if _, err := ReadFrameHeader(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected an error for an out-of-range protocol version")
	}
}

func TestVersionHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	v := VersionHandshake{ProtocolVersion: CurrentProtocolVersion}
	if err := v.Marshal(&buf); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got VersionHandshake
	if err := got.Unmarshal(&buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ProtocolVersion != CurrentProtocolVersion {
		t.Fatalf("expected %d, got %d", CurrentProtocolVersion, got.ProtocolVersion)
	}
}
