package encap

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Decoded is a fully parsed envelope.
type Decoded struct {
	VersionMajor  uint8
	VersionMinor  uint8
	HeaderLen     int
	Flags         uint8
	MsgType       uint8
	Capture       time.Time
	CollectorHash [16]byte
	CollectorName string
	RouterHash    [16]byte
	RouterGroup   string
	RouterIP      net.IP
	Peer          *PeerInfo
	BMP           []byte // raw BMP message, nil for collector records
}

// DecodePayload locates the raw BMP payload using only the magic and
// header_len, the minimal reading a downstream consumer needs.
func DecodePayload(data []byte) ([]byte, error) {
	if len(data) < minHeaderLen {
		return nil, fmt.Errorf("encap: frame too short (%d bytes)", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != Magic {
		return nil, fmt.Errorf("encap: bad magic %#x", data[0:4])
	}
	headerLen := int(binary.BigEndian.Uint16(data[offHeaderLen : offHeaderLen+2]))
	msgLen := int(binary.BigEndian.Uint32(data[offMsgLen : offMsgLen+4]))
	if headerLen < minHeaderLen {
		return nil, fmt.Errorf("encap: header_len %d too small", headerLen)
	}
	if len(data) < headerLen+msgLen {
		return nil, fmt.Errorf("encap: frame truncated (have %d, need %d)", len(data), headerLen+msgLen)
	}
	return data[headerLen : headerLen+msgLen], nil
}

// Decode parses the full envelope header and payload.
func Decode(data []byte) (*Decoded, error) {
	bmp, err := DecodePayload(data)
	if err != nil {
		return nil, err
	}

	d := &Decoded{
		VersionMajor: data[4],
		VersionMinor: data[5],
		HeaderLen:    int(binary.BigEndian.Uint16(data[offHeaderLen : offHeaderLen+2])),
		Flags:        data[offFlags],
		MsgType:      data[offMsgType],
	}
	if len(bmp) > 0 {
		d.BMP = bmp
	}

	sec := binary.BigEndian.Uint32(data[offTsSec : offTsSec+4])
	usec := binary.BigEndian.Uint32(data[offTsUsec : offTsUsec+4])
	d.Capture = time.Unix(int64(sec), int64(usec)*1000).UTC()

	if d.HeaderLen < fixedPrefixLen+2 {
		return d, nil
	}
	hdr := data[:d.HeaderLen]
	copy(d.CollectorHash[:], hdr[22:38])

	off := fixedPrefixLen
	nameLen := int(binary.BigEndian.Uint16(hdr[off : off+2]))
	off += 2
	if off+nameLen > len(hdr) {
		return nil, fmt.Errorf("encap: collector_name overruns header")
	}
	d.CollectorName = string(hdr[off : off+nameLen])
	off += nameLen

	if off+16+2 > len(hdr) {
		return d, nil
	}
	copy(d.RouterHash[:], hdr[off:off+16])
	off += 16
	groupLen := int(binary.BigEndian.Uint16(hdr[off : off+2]))
	off += 2
	if off+groupLen+16 > len(hdr) {
		return nil, fmt.Errorf("encap: router_group overruns header")
	}
	d.RouterGroup = string(hdr[off : off+groupLen])
	off += groupLen
	d.RouterIP = ip16(hdr[off:off+16], d.Flags&FlagRouterIPv6 != 0)
	off += 16

	if d.Flags&FlagHasPeerInfo != 0 {
		if off+peerBlockLen > len(hdr) {
			return nil, fmt.Errorf("encap: peer block overruns header")
		}
		p := &PeerInfo{}
		copy(p.Hash[:], hdr[off:off+16])
		p.ASN = binary.BigEndian.Uint32(hdr[off+16 : off+20])
		copy(p.RD[:], hdr[off+36:off+44])
		p.Flags = hdr[off+44]
		// The peer flags V bit (0x80) marks an IPv6 peer address.
		p.IP = ip16(hdr[off+20:off+36], p.Flags&0x80 != 0)
		d.Peer = p
	}

	return d, nil
}

// ip16 interprets a 16-byte address field. With v6 unset, a v4 address sits
// in the low 4 bytes; an all-zero field decodes as nil.
func ip16(b []byte, v6 bool) net.IP {
	if v6 {
		ip := make(net.IP, 16)
		copy(ip, b)
		return ip
	}
	zero := true
	for _, c := range b {
		if c != 0 {
			zero = false
			break
		}
	}
	if zero {
		return nil
	}
	allZeroHigh := true
	for _, c := range b[:12] {
		if c != 0 {
			allZeroHigh = false
			break
		}
	}
	if allZeroHigh {
		ip := make(net.IP, 4)
		copy(ip, b[12:16])
		return ip
	}
	ip := make(net.IP, 16)
	copy(ip, b)
	return ip
}
