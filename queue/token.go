package queue

import (
	"crypto/rand"
	"encoding/hex"
)

// newToken returns a fresh lease-ownership nonce. Leases are bounded by
// absolute TTL, so the token only needs to be unique per acquisition, not
// globally unique or sortable.
func newToken() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("queue: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
