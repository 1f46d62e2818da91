package bmp

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3 // RFC 9069
)

// BMP header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)

	// Legacy (pre-RFC) v1/v2 header: version(1) + type(1) + per-peer
	// fields, 44 bytes total. There is no length field; route monitoring
	// is framed by peeking the embedded BGP message length.
	LegacyHeaderSize = 44
)

// Initiation/Termination TLV type codes (RFC 7854 §4.3, §4.4).
const (
	TLVTypeString   uint16 = 0
	TLVTypeSysDescr uint16 = 1
	TLVTypeSysName  uint16 = 2
)

// Version is the required BMP protocol version.
const Version uint8 = 3

// Per-peer header flag bits (RFC 7854 §4.2).
const (
	PeerFlagIPv6       uint8 = 0x80 // V bit: peer address is IPv6
	PeerFlagPostPolicy uint8 = 0x40 // L bit: post-policy Adj-RIB-In
	PeerFlagAddPath    uint8 = 0x20 // A bit: Add-Path encoded NLRI
)

// PeerHeader is the decoded per-peer header present in message types 0-3.
type PeerHeader struct {
	Type          uint8
	Flags         uint8
	Distinguisher [8]byte
	Address       [16]byte // v4 right-justified when the V bit is clear
	ASN           uint32
	BGPID         [4]byte
	TimestampSec  uint32
	TimestampUsec uint32
}

// IsIPv6 reports whether the peer address is IPv6 (V bit).
func (h *PeerHeader) IsIPv6() bool { return h.Flags&PeerFlagIPv6 != 0 }

// IsPostPolicy reports whether the peer view is post-policy (L bit).
func (h *PeerHeader) IsPostPolicy() bool { return h.Flags&PeerFlagPostPolicy != 0 }

// HasAddPath reports whether NLRI are Add-Path encoded (A bit).
func (h *PeerHeader) HasAddPath() bool { return h.Flags&PeerFlagAddPath != 0 }
