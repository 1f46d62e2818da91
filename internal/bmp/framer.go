package bmp

import (
	"encoding/binary"
	"net"
)

// Kind classifies a framing attempt.
type Kind uint8

const (
	// KindOk means a complete message was framed; Result.Len bytes may be
	// consumed and forwarded verbatim.
	KindOk Kind = iota
	// KindPartial means the buffer holds a message prefix; retry once at
	// least Result.Need contiguous bytes are readable.
	KindPartial
	// KindInvalid means the bytes cannot form a valid message. Result.Len
	// is the number of bytes to skip when the declared length could be
	// trusted, or 0 when consumption is unknown and the session must stop.
	KindInvalid
)

// InvalidReason describes why framing rejected the input.
type InvalidReason uint8

const (
	ReasonNone InvalidReason = iota
	ReasonUnsupportedVersion
	ReasonShortLength
	ReasonShortPeerHeader
	ReasonBadBGPLength
	ReasonUnsupportedLegacyType
)

func (r InvalidReason) String() string {
	switch r {
	case ReasonUnsupportedVersion:
		return "unsupported_version"
	case ReasonShortLength:
		return "short_length"
	case ReasonShortPeerHeader:
		return "short_peer_header"
	case ReasonBadBGPLength:
		return "bad_bgp_length"
	case ReasonUnsupportedLegacyType:
		return "unsupported_legacy_type"
	default:
		return "none"
	}
}

// Result is the outcome of a single framing attempt.
type Result struct {
	Kind    Kind
	Len     int           // Ok: full frame length; Invalid: skippable bytes (0 = unknown)
	Need    int           // Partial: minimum contiguous bytes before retrying
	Version uint8         // BMP version byte of the frame
	MsgType uint8         // BMP message type
	Peer    *PeerHeader   // decoded per-peer header for types 0-3, else nil
	Reason  InvalidReason // set when Kind == KindInvalid
}

// sane upper bound on the embedded BGP message (RFC 4271 caps it at 4096,
// extended-message drafts at 65535)
const maxBGPMessageLen = 65535

// Frame attempts to frame one BMP message from the start of buf. The
// message payload is not decoded; only the common header, the per-peer
// header, and (for legacy versions) the embedded BGP message length are
// examined. buf must be a contiguous readable window.
func Frame(buf []byte) Result {
	if len(buf) < 1 {
		return Result{Kind: KindPartial, Need: CommonHeaderSize}
	}

	switch ver := buf[0]; ver {
	case 3:
		return frameV3(buf)
	case 1, 2:
		return frameLegacy(buf)
	default:
		return Result{Kind: KindInvalid, Reason: ReasonUnsupportedVersion, Version: ver}
	}
}

func frameV3(buf []byte) Result {
	if len(buf) < CommonHeaderSize {
		return Result{Kind: KindPartial, Need: CommonHeaderSize, Version: 3}
	}

	msgLen := binary.BigEndian.Uint32(buf[1:5])
	msgType := buf[5]

	if msgLen < CommonHeaderSize {
		// The declared length cannot be trusted, so consumption is unknown.
		return Result{Kind: KindInvalid, Reason: ReasonShortLength, Version: 3, MsgType: msgType}
	}
	if int(msgLen) > len(buf) {
		return Result{Kind: KindPartial, Need: int(msgLen), Version: 3, MsgType: msgType}
	}

	res := Result{Kind: KindOk, Len: int(msgLen), Version: 3, MsgType: msgType}

	if msgType <= MsgTypePeerUp {
		if msgLen < CommonHeaderSize+PerPeerHeaderSize {
			// Length is declared, so the frame can be skipped.
			return Result{Kind: KindInvalid, Reason: ReasonShortPeerHeader,
				Len: int(msgLen), Version: 3, MsgType: msgType}
		}
		res.Peer = parsePeerHeader(buf[CommonHeaderSize:])
	}

	return res
}

// frameLegacy handles draft BMP versions 1 and 2. The 44-byte header has no
// length field; route monitoring is sized from the embedded BGP message
// header. Other legacy types cannot be sized reliably and are rejected.
func frameLegacy(buf []byte) Result {
	if len(buf) < LegacyHeaderSize {
		return Result{Kind: KindPartial, Need: LegacyHeaderSize, Version: buf[0]}
	}

	ver := buf[0]
	msgType := buf[1]

	if msgType != MsgTypeRouteMonitoring {
		return Result{Kind: KindInvalid, Reason: ReasonUnsupportedLegacyType, Version: ver, MsgType: msgType}
	}

	// Peek the BGP message length right after the legacy header:
	// marker(16) + length(2).
	if len(buf) < LegacyHeaderSize+19 {
		return Result{Kind: KindPartial, Need: LegacyHeaderSize + 19, Version: ver, MsgType: msgType}
	}
	bgpLen := int(binary.BigEndian.Uint16(buf[LegacyHeaderSize+16 : LegacyHeaderSize+18]))
	if bgpLen < 19 || bgpLen > maxBGPMessageLen {
		return Result{Kind: KindInvalid, Reason: ReasonBadBGPLength, Version: ver, MsgType: msgType}
	}

	total := LegacyHeaderSize + bgpLen
	if len(buf) < total {
		return Result{Kind: KindPartial, Need: total, Version: ver, MsgType: msgType}
	}

	return Result{
		Kind:    KindOk,
		Len:     total,
		Version: ver,
		MsgType: msgType,
		Peer:    parsePeerHeader(buf[2:]),
	}
}

// parsePeerHeader decodes the 42-byte RFC 7854 per-peer header. The caller
// guarantees len(b) >= PerPeerHeaderSize.
func parsePeerHeader(b []byte) *PeerHeader {
	h := &PeerHeader{
		Type:  b[0],
		Flags: b[1],
	}
	copy(h.Distinguisher[:], b[2:10])
	copy(h.Address[:], b[10:26])
	h.ASN = binary.BigEndian.Uint32(b[26:30])
	copy(h.BGPID[:], b[30:34])
	h.TimestampSec = binary.BigEndian.Uint32(b[34:38])
	h.TimestampUsec = binary.BigEndian.Uint32(b[38:42])
	return h
}

// PeerIP renders the per-peer address as a net.IP, honoring the V flag:
// when clear the v4 address sits right-justified in the 16-byte field.
func (h *PeerHeader) PeerIP() net.IP {
	if h.IsIPv6() {
		ip := make(net.IP, 16)
		copy(ip, h.Address[:])
		return ip
	}
	ip := make(net.IP, 4)
	copy(ip, h.Address[12:16])
	return ip
}
