package bmp

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

// buildV3Message builds a BMP v3 message of the given type with an optional
// per-peer header and payload.
func buildV3Message(msgType uint8, peer []byte, payload []byte) []byte {
	totalLen := CommonHeaderSize + len(peer) + len(payload)
	msg := make([]byte, totalLen)
	msg[0] = Version
	binary.BigEndian.PutUint32(msg[1:5], uint32(totalLen))
	msg[5] = msgType
	copy(msg[6:], peer)
	copy(msg[6+len(peer):], payload)
	return msg
}

// buildPeerHeader builds a 42-byte per-peer header.
func buildPeerHeader(flags uint8, addr net.IP, asn uint32) []byte {
	hdr := make([]byte, PerPeerHeaderSize)
	hdr[1] = flags
	if v4 := addr.To4(); v4 != nil && flags&PeerFlagIPv6 == 0 {
		copy(hdr[10+12:10+16], v4)
	} else {
		copy(hdr[10:26], addr.To16())
	}
	binary.BigEndian.PutUint32(hdr[26:30], asn)
	binary.BigEndian.PutUint32(hdr[34:38], 1700000000) // ts_sec
	binary.BigEndian.PutUint32(hdr[38:42], 123456)     // ts_usec
	return hdr
}

func TestFrame_Initiation(t *testing.T) {
	// sysName TLV: type=2, len=2, "r1"
	tlv := []byte{0x00, 0x02, 0x00, 0x02, 'r', '1'}
	msg := buildV3Message(MsgTypeInitiation, nil, tlv)

	res := Frame(msg)
	if res.Kind != KindOk {
		t.Fatalf("expected KindOk, got %v (reason %s)", res.Kind, res.Reason)
	}
	if res.Len != len(msg) {
		t.Errorf("expected Len=%d, got %d", len(msg), res.Len)
	}
	if res.MsgType != MsgTypeInitiation {
		t.Errorf("expected MsgType=%d, got %d", MsgTypeInitiation, res.MsgType)
	}
	if res.Peer != nil {
		t.Error("initiation must not carry a per-peer header")
	}

	info := ParseInitiationInfo(msg[CommonHeaderSize:])
	if info.SysName != "r1" {
		t.Errorf("expected sysName 'r1', got %q", info.SysName)
	}
}

func TestFrame_RouteMonitoringPeerHeader(t *testing.T) {
	peer := buildPeerHeader(0, net.ParseIP("10.0.0.1"), 65001)
	msg := buildV3Message(MsgTypeRouteMonitoring, peer, []byte{0xde, 0xad})

	res := Frame(msg)
	if res.Kind != KindOk {
		t.Fatalf("expected KindOk, got %v (reason %s)", res.Kind, res.Reason)
	}
	if res.Peer == nil {
		t.Fatal("expected a decoded per-peer header")
	}
	if got := res.Peer.PeerIP().String(); got != "10.0.0.1" {
		t.Errorf("expected peer IP 10.0.0.1, got %s", got)
	}
	if res.Peer.ASN != 65001 {
		t.Errorf("expected ASN 65001, got %d", res.Peer.ASN)
	}
	if res.Peer.IsIPv6() {
		t.Error("V bit clear, expected IPv4 peer")
	}
	if res.Peer.TimestampSec != 1700000000 || res.Peer.TimestampUsec != 123456 {
		t.Errorf("unexpected peer timestamp %d.%06d", res.Peer.TimestampSec, res.Peer.TimestampUsec)
	}
}

func TestFrame_IPv6Peer(t *testing.T) {
	peer := buildPeerHeader(PeerFlagIPv6, net.ParseIP("2001:db8::1"), 65002)
	msg := buildV3Message(MsgTypePeerUp, peer, nil)

	res := Frame(msg)
	if res.Kind != KindOk {
		t.Fatalf("expected KindOk, got %v", res.Kind)
	}
	if got := res.Peer.PeerIP().String(); got != "2001:db8::1" {
		t.Errorf("expected peer IP 2001:db8::1, got %s", got)
	}
	if !res.Peer.IsIPv6() {
		t.Error("expected V bit set")
	}
}

func TestFrame_Partial(t *testing.T) {
	peer := buildPeerHeader(0, net.ParseIP("10.0.0.1"), 65001)
	msg := buildV3Message(MsgTypeRouteMonitoring, peer, bytes.Repeat([]byte{0xab}, 100))

	// Header not yet complete.
	res := Frame(msg[:3])
	if res.Kind != KindPartial || res.Need != CommonHeaderSize {
		t.Fatalf("expected Partial need=%d, got %v need=%d", CommonHeaderSize, res.Kind, res.Need)
	}

	// Header complete, body not.
	res = Frame(msg[:20])
	if res.Kind != KindPartial {
		t.Fatalf("expected KindPartial, got %v", res.Kind)
	}
	if res.Need != len(msg) {
		t.Errorf("expected Need=%d, got %d", len(msg), res.Need)
	}

	// One byte short.
	res = Frame(msg[:len(msg)-1])
	if res.Kind != KindPartial {
		t.Fatalf("expected KindPartial one byte short, got %v", res.Kind)
	}
}

func TestFrame_UnsupportedVersion(t *testing.T) {
	res := Frame([]byte{0x07, 0x00, 0x00, 0x00, 0x06, 0x00})
	if res.Kind != KindInvalid {
		t.Fatalf("expected KindInvalid, got %v", res.Kind)
	}
	if res.Reason != ReasonUnsupportedVersion {
		t.Errorf("expected unsupported_version, got %s", res.Reason)
	}
	if res.Len != 0 {
		t.Errorf("consumption must be unknown, got Len=%d", res.Len)
	}
}

func TestFrame_ShortLength(t *testing.T) {
	msg := make([]byte, CommonHeaderSize)
	msg[0] = Version
	binary.BigEndian.PutUint32(msg[1:5], 5) // < common header size
	msg[5] = MsgTypeInitiation

	res := Frame(msg)
	if res.Kind != KindInvalid || res.Reason != ReasonShortLength {
		t.Fatalf("expected invalid short_length, got %v/%s", res.Kind, res.Reason)
	}
	if res.Len != 0 {
		t.Errorf("short_length must not be skippable, got Len=%d", res.Len)
	}
}

func TestFrame_ShortPeerHeaderSkippable(t *testing.T) {
	// A route monitoring message whose declared length cannot hold the
	// per-peer header: invalid, but the declared length is trusted for skip.
	msg := make([]byte, 10)
	msg[0] = Version
	binary.BigEndian.PutUint32(msg[1:5], 10)
	msg[5] = MsgTypeRouteMonitoring

	res := Frame(msg)
	if res.Kind != KindInvalid || res.Reason != ReasonShortPeerHeader {
		t.Fatalf("expected invalid short_peer_header, got %v/%s", res.Kind, res.Reason)
	}
	if res.Len != 10 {
		t.Errorf("expected skippable Len=10, got %d", res.Len)
	}
}

func TestFrame_UnknownTypeFramed(t *testing.T) {
	msg := buildV3Message(200, nil, []byte{1, 2, 3})

	res := Frame(msg)
	if res.Kind != KindOk {
		t.Fatalf("unknown v3 type with a valid length must frame, got %v", res.Kind)
	}
	if res.MsgType != 200 {
		t.Errorf("expected MsgType=200, got %d", res.MsgType)
	}
	if res.Peer != nil {
		t.Error("unknown type must not decode a per-peer header")
	}
}

// buildLegacyRouteMonitoring builds a v1-style message: 44-byte header
// followed by a BGP message.
func buildLegacyRouteMonitoring(bgpLen int) []byte {
	msg := make([]byte, LegacyHeaderSize+bgpLen)
	msg[0] = 1                      // version
	msg[1] = MsgTypeRouteMonitoring // type
	binary.BigEndian.PutUint32(msg[2+26:2+30], 64512)
	for i := 0; i < 16; i++ { // BGP marker
		msg[LegacyHeaderSize+i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[LegacyHeaderSize+16:LegacyHeaderSize+18], uint16(bgpLen))
	msg[LegacyHeaderSize+18] = 2 // UPDATE
	return msg
}

func TestFrame_LegacyRouteMonitoring(t *testing.T) {
	msg := buildLegacyRouteMonitoring(23)

	res := Frame(msg)
	if res.Kind != KindOk {
		t.Fatalf("expected KindOk, got %v (reason %s)", res.Kind, res.Reason)
	}
	if res.Len != len(msg) {
		t.Errorf("expected Len=%d, got %d", len(msg), res.Len)
	}
	if res.Version != 1 {
		t.Errorf("expected version 1, got %d", res.Version)
	}
	if res.Peer == nil || res.Peer.ASN != 64512 {
		t.Errorf("expected legacy peer ASN 64512, got %+v", res.Peer)
	}
}

func TestFrame_LegacyPartialThenComplete(t *testing.T) {
	msg := buildLegacyRouteMonitoring(23)

	res := Frame(msg[:LegacyHeaderSize+10])
	if res.Kind != KindPartial {
		t.Fatalf("expected KindPartial before the BGP header, got %v", res.Kind)
	}

	res = Frame(msg[:LegacyHeaderSize+20])
	if res.Kind != KindPartial || res.Need != len(msg) {
		t.Fatalf("expected Partial need=%d, got %v need=%d", len(msg), res.Kind, res.Need)
	}
}

func TestFrame_LegacyBadBGPLength(t *testing.T) {
	msg := buildLegacyRouteMonitoring(23)
	binary.BigEndian.PutUint16(msg[LegacyHeaderSize+16:LegacyHeaderSize+18], 5)

	res := Frame(msg)
	if res.Kind != KindInvalid || res.Reason != ReasonBadBGPLength {
		t.Fatalf("expected invalid bad_bgp_length, got %v/%s", res.Kind, res.Reason)
	}
}

func TestFrame_LegacyUnsupportedType(t *testing.T) {
	msg := make([]byte, LegacyHeaderSize)
	msg[0] = 2
	msg[1] = MsgTypePeerUp

	res := Frame(msg)
	if res.Kind != KindInvalid || res.Reason != ReasonUnsupportedLegacyType {
		t.Fatalf("expected invalid unsupported_legacy_type, got %v/%s", res.Kind, res.Reason)
	}
}

func TestFrame_BackToBackMessages(t *testing.T) {
	peer := buildPeerHeader(0, net.ParseIP("10.0.0.1"), 65001)
	first := buildV3Message(MsgTypePeerUp, peer, nil)
	second := buildV3Message(MsgTypeRouteMonitoring, peer, []byte{1, 2, 3, 4})
	stream := append(append([]byte{}, first...), second...)

	res := Frame(stream)
	if res.Kind != KindOk || res.Len != len(first) {
		t.Fatalf("expected first frame of %d bytes, got %v len=%d", len(first), res.Kind, res.Len)
	}

	res = Frame(stream[res.Len:])
	if res.Kind != KindOk || res.Len != len(second) {
		t.Fatalf("expected second frame of %d bytes, got %v len=%d", len(second), res.Kind, res.Len)
	}
	if res.MsgType != MsgTypeRouteMonitoring {
		t.Errorf("expected route monitoring, got type %d", res.MsgType)
	}
}
