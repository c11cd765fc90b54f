package lane

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Hasher maps a key to the hash used for lane selection.
type Hasher[K any] func(K) uint64

// StringHasher hashes a string key with xxhash.
func StringHasher(s string) uint64 {
	return xxhash.Sum64String(s)
}

// DefaultHasher hashes strings and fixed-size integers directly and falls
// back to the key's fmt representation for anything else.
func DefaultHasher[K comparable](key K) uint64 {
	switch k := any(key).(type) {
	case string:
		return xxhash.Sum64String(k)
	case int:
		return hashUint64(uint64(k))
	case int64:
		return hashUint64(uint64(k))
	case int32:
		return hashUint64(uint64(k))
	case uint64:
		return hashUint64(k)
	case uint32:
		return hashUint64(uint64(k))
	case uint:
		return hashUint64(uint64(k))
	default:
		return xxhash.Sum64String(fmt.Sprint(k))
	}
}

func hashUint64(u uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], u)
	return xxhash.Sum64(buf[:])
}
