package dht

import (
	"encoding/binary"
	"net"
)

const (
	compactNodeLen = 26 // id(20) + ipv4(4) + port(2)
	compactPeerLen = 6  // ipv4(4) + port(2)
)

// CompactNode packs a contact into the 26-byte wire form. Contacts without
// an IPv4 address cannot be represented and yield nil.
func CompactNode(c *Contact) []byte {
	ip4 := c.addr.IP.To4()
	if ip4 == nil {
		return nil
	}

	buf := make([]byte, compactNodeLen)
	copy(buf[:IDLen], c.id[:])
	copy(buf[IDLen:IDLen+4], ip4)
	binary.BigEndian.PutUint16(buf[IDLen+4:], uint16(c.addr.Port))
	return buf
}

// CompactNodes concatenates the compact forms of contacts, skipping any that
// cannot be packed.
func CompactNodes(contacts []*Contact) []byte {
	buf := make([]byte, 0, len(contacts)*compactNodeLen)
	for _, c := range contacts {
		if rec := CompactNode(c); rec != nil {
			buf = append(buf, rec...)
		}
	}
	return buf
}

// ParseCompactNodes splits data on 26-byte boundaries into contacts. A
// trailing partial record discards the whole field; senders that cannot
// frame records correctly cannot be trusted to have framed any of them.
func ParseCompactNodes(data []byte) []*Contact {
	if len(data)%compactNodeLen != 0 {
		return nil
	}

	contacts := make([]*Contact, 0, len(data)/compactNodeLen)
	for off := 0; off < len(data); off += compactNodeLen {
		rec := data[off : off+compactNodeLen]

		var id ID
		copy(id[:], rec[:IDLen])

		addr := &net.UDPAddr{
			IP:   net.IPv4(rec[20], rec[21], rec[22], rec[23]),
			Port: int(binary.BigEndian.Uint16(rec[24:26])),
		}
		contacts = append(contacts, NewContact(id, addr))
	}
	return contacts
}

// PeerEntry is the 6-byte compact endpoint form: IPv4 then big-endian port.
type PeerEntry [compactPeerLen]byte

// NewPeerEntry packs ip and port. Non-IPv4 addresses yield the zero entry,
// which callers should treat as unrepresentable.
func NewPeerEntry(ip net.IP, port uint16) (PeerEntry, bool) {
	var p PeerEntry

	ip4 := ip.To4()
	if ip4 == nil {
		return p, false
	}

	copy(p[:4], ip4)
	binary.BigEndian.PutUint16(p[4:], port)
	return p, true
}

// ParsePeerEntry reads a 6-byte compact peer string.
func ParsePeerEntry(s string) (PeerEntry, bool) {
	var p PeerEntry
	if len(s) != compactPeerLen {
		return p, false
	}
	copy(p[:], s)
	return p, true
}

// Addr unpacks the entry into a UDP address.
func (p PeerEntry) Addr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(p[0], p[1], p[2], p[3]),
		Port: int(binary.BigEndian.Uint16(p[4:])),
	}
}
