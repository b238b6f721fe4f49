package lease

import (
	"encoding/binary"
)

const (
	prefixLease    = "lease/rec/"
	prefixLeaseIdx = "lease/idx/"
)

// recordKey: lease/rec/{key}
func recordKey(key string) []byte {
	return []byte(prefixLease + key)
}

// indexKey: lease/idx/{expiresAtMs BE}{key}. Ascending iteration yields the
// soonest-expiring leases first.
func indexKey(expiresAtMs int64, key string) []byte {
	out := make([]byte, len(prefixLeaseIdx)+8+len(key))
	copy(out, prefixLeaseIdx)
	binary.BigEndian.PutUint64(out[len(prefixLeaseIdx):], uint64(expiresAtMs))
	copy(out[len(prefixLeaseIdx)+8:], key)
	return out
}

func parseIndexKey(k []byte) (int64, string, bool) {
	if len(k) < len(prefixLeaseIdx)+8 {
		return 0, "", false
	}
	rest := k[len(prefixLeaseIdx):]
	return int64(binary.BigEndian.Uint64(rest[:8])), string(rest[8:]), true
}
