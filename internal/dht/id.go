package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// IDLen is the size of a node ID or info-hash in bytes.
const IDLen = 20

// ID is a 160-bit DHT node identifier. The same type carries torrent
// info-hashes; both live in the same XOR metric space.
type ID [IDLen]byte

// RandomID returns a uniformly random ID.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
	return id
}

// IDFromBytes copies b into an ID. b must be exactly IDLen bytes.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("dht: node ID must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bit returns bit i of the ID, counting from the most significant bit.
func (id ID) Bit(i int) byte {
	return id[i/8] >> (7 - uint(i%8)) & 1
}

// Distance returns the XOR of a and b, the Kademlia metric.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// DistanceCmp orders a and b by their distance to target: -1 when a is
// closer, 1 when b is closer, 0 when equal (a == b).
func DistanceCmp(target, a, b ID) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b ID) int {
	d := Distance(a, b)
	for i, v := range d {
		if v != 0 {
			return i*8 + bits.LeadingZeros8(v)
		}
	}
	return IDLen * 8
}
