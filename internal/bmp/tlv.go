package bmp

import "encoding/binary"

// InitiationInfo holds the identifying TLVs of an Initiation message.
type InitiationInfo struct {
	SysName  string
	SysDescr string
}

// ParseInitiationInfo extracts sysName and sysDescr TLVs from the payload of
// an Initiation message (the bytes after the common header). Malformed or
// truncated TLVs terminate the scan; whatever was parsed so far is returned.
func ParseInitiationInfo(payload []byte) InitiationInfo {
	var info InitiationInfo
	offset := 0
	for offset+4 <= len(payload) {
		tlvType := binary.BigEndian.Uint16(payload[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(payload[offset+2 : offset+4]))
		offset += 4

		if offset+tlvLen > len(payload) {
			break
		}

		switch tlvType {
		case TLVTypeSysName:
			info.SysName = string(payload[offset : offset+tlvLen])
		case TLVTypeSysDescr:
			info.SysDescr = string(payload[offset : offset+tlvLen])
		}

		offset += tlvLen
	}
	return info
}
