package encap

import (
	"crypto/md5"
	"encoding/hex"
)

// Record keys on the bus are 16-byte MD5 hashes of canonical identity
// strings, so every consumer derives the same ids without coordination.

// CollectorHash hashes the collector admin name.
func CollectorHash(name string) [16]byte {
	return md5.Sum([]byte(name))
}

// RouterHash hashes the router's printed source IP.
func RouterHash(routerIP string) [16]byte {
	return md5.Sum([]byte(routerIP))
}

// PeerHash hashes the peer within the scope of its router: printed peer IP,
// hex route distinguisher, and the router hash in hex.
func PeerHash(routerHash [16]byte, peerIP string, peerRD [8]byte) [16]byte {
	s := peerIP + ":" + hex.EncodeToString(peerRD[:]) + ":" + hex.EncodeToString(routerHash[:])
	return md5.Sum([]byte(s))
}
