// Package encap builds the binary envelope that wraps every raw BMP message
// published to the bus. The envelope is self-describing: magic + version
// locate header_len, and the verbatim BMP bytes start at header_len.
package encap

import (
	"encoding/binary"
	"net"
	"time"
)

const (
	// Magic is the four-byte envelope marker "OBMP".
	Magic uint32 = 0x4F424D50

	// VersionMajor and VersionMinor identify the envelope layout.
	VersionMajor uint8 = 1
	VersionMinor uint8 = 7

	// fixedPrefixLen covers the fields before collector_name:
	// magic(4) + major(1) + minor(1) + header_len(2) + bmp_msg_len(4) +
	// flags(1) + msg_type(1) + ts_sec(4) + ts_usec(4) + collector_hash(16).
	fixedPrefixLen = 38

	// peerBlockLen is the optional trailer when has_peer_info is set:
	// peer_hash(16) + peer_asn(4) + peer_ip(16) + peer_rd(8) + peer_flags(1).
	peerBlockLen = 45

	// minHeaderLen is enough to read header_len and bmp_msg_len.
	minHeaderLen = 12
)

// Envelope flag bits.
const (
	FlagRouterIPv6  uint8 = 0x01
	FlagHasPeerInfo uint8 = 0x02
)

// Envelope message types. Values 0-6 mirror the BMP message type of the
// wrapped payload; collector records use the reserved high range and carry
// no payload.
const (
	TypeCollectorHeartbeat uint8 = 0xF0
	TypeCollectorStopped   uint8 = 0xF1
)

// Mutable-field offsets rewritten per message.
const (
	offHeaderLen = 6
	offMsgLen    = 8
	offFlags     = 12
	offMsgType   = 13
	offTsSec     = 14
	offTsUsec    = 18
)

// CollectorInfo identifies this collector in every envelope.
type CollectorInfo struct {
	Name  string
	Group string
	Hash  [16]byte
}

// PeerInfo is the optional peer block appended when the wrapped BMP message
// carries a per-peer header.
type PeerInfo struct {
	Hash  [16]byte
	ASN   uint32
	IP    net.IP
	RD    [8]byte
	Flags uint8
}

// Encoder builds envelopes for one router connection. The constant prefix
// (collector and router identity) is computed once; per message only the
// mutable middle is rewritten and the raw BMP bytes appended.
type Encoder struct {
	prefix    []byte // through router_ip; header_len for the no-peer case
	baseFlags uint8
}

// NewEncoder precomputes the envelope prefix for a router connection.
func NewEncoder(collector CollectorInfo, routerIP net.IP, routerGroup string, routerHash [16]byte) *Encoder {
	e := &Encoder{}
	if routerIP.To4() == nil {
		e.baseFlags |= FlagRouterIPv6
	}

	n := fixedPrefixLen + 2 + len(collector.Name) + 16 + 2 + len(routerGroup) + 16
	p := make([]byte, n)

	binary.BigEndian.PutUint32(p[0:4], Magic)
	p[4] = VersionMajor
	p[5] = VersionMinor
	binary.BigEndian.PutUint16(p[offHeaderLen:offHeaderLen+2], uint16(n))
	// bmp_msg_len, flags, msg_type, timestamps are rewritten per message.
	copy(p[22:38], collector.Hash[:])

	off := fixedPrefixLen
	binary.BigEndian.PutUint16(p[off:off+2], uint16(len(collector.Name)))
	off += 2
	off += copy(p[off:], collector.Name)
	off += copy(p[off:], routerHash[:])
	binary.BigEndian.PutUint16(p[off:off+2], uint16(len(routerGroup)))
	off += 2
	off += copy(p[off:], routerGroup)
	putIP16(p[off:off+16], routerIP)

	e.prefix = p
	return e
}

// HeaderLen returns the envelope header length for a message with or
// without a peer block.
func (e *Encoder) HeaderLen(withPeer bool) int {
	if withPeer {
		return len(e.prefix) + peerBlockLen
	}
	return len(e.prefix)
}

// AppendEnvelope appends a complete envelope for one raw BMP message to dst
// and returns the extended slice. msgType is the BMP message type byte;
// capture is the per-message capture timestamp.
func (e *Encoder) AppendEnvelope(dst []byte, bmp []byte, msgType uint8, peer *PeerInfo, capture time.Time) []byte {
	start := len(dst)
	dst = append(dst, e.prefix...)
	hdr := dst[start:]

	headerLen := len(e.prefix)
	flags := e.baseFlags
	if peer != nil {
		headerLen += peerBlockLen
		flags |= FlagHasPeerInfo
	}

	binary.BigEndian.PutUint16(hdr[offHeaderLen:offHeaderLen+2], uint16(headerLen))
	binary.BigEndian.PutUint32(hdr[offMsgLen:offMsgLen+4], uint32(len(bmp)))
	hdr[offFlags] = flags
	hdr[offMsgType] = msgType
	putTimestamp(hdr, capture)

	if peer != nil {
		var blk [peerBlockLen]byte
		copy(blk[0:16], peer.Hash[:])
		binary.BigEndian.PutUint32(blk[16:20], peer.ASN)
		putIP16(blk[20:36], peer.IP)
		copy(blk[36:44], peer.RD[:])
		blk[44] = peer.Flags
		dst = append(dst, blk[:]...)
	}

	return append(dst, bmp...)
}

// AppendCollector appends a collector record (heartbeat or stopped) to dst.
// Collector records carry no BMP payload and no router or peer identity;
// the router fields are zeroed.
func AppendCollector(dst []byte, collector CollectorInfo, msgType uint8, ts time.Time) []byte {
	n := fixedPrefixLen + 2 + len(collector.Name) + 16 + 2 + 16
	start := len(dst)
	dst = append(dst, make([]byte, n)...)
	p := dst[start:]

	binary.BigEndian.PutUint32(p[0:4], Magic)
	p[4] = VersionMajor
	p[5] = VersionMinor
	binary.BigEndian.PutUint16(p[offHeaderLen:offHeaderLen+2], uint16(n))
	p[offMsgType] = msgType
	putTimestamp(p, ts)
	copy(p[22:38], collector.Hash[:])

	off := fixedPrefixLen
	binary.BigEndian.PutUint16(p[off:off+2], uint16(len(collector.Name)))
	off += 2
	copy(p[off:], collector.Name)

	return dst
}

func putTimestamp(hdr []byte, t time.Time) {
	binary.BigEndian.PutUint32(hdr[offTsSec:offTsSec+4], uint32(t.Unix()))
	binary.BigEndian.PutUint32(hdr[offTsUsec:offTsUsec+4], uint32(t.Nanosecond()/1000))
}

// putIP16 writes an IP into a 16-byte field, v4 in the low 4 bytes.
func putIP16(dst []byte, ip net.IP) {
	for i := range dst {
		dst[i] = 0
	}
	if ip == nil {
		return
	}
	if v4 := ip.To4(); v4 != nil {
		copy(dst[12:16], v4)
		return
	}
	copy(dst, ip.To16())
}
