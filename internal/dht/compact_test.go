package dht

import (
	"bytes"
	"net"
	"testing"
)

func TestCompactNode_RoundTrip(t *testing.T) {
	contacts := []*Contact{
		testContact(idWithLastByte(0x01), 6881),
		testContact(idWithLastByte(0x02), 51413),
		NewContact(RandomID(), &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 65534}),
	}

	blob := CompactNodes(contacts)
	if len(blob) != len(contacts)*26 {
		t.Fatalf("blob length = %d, want %d", len(blob), len(contacts)*26)
	}

	parsed := ParseCompactNodes(blob)
	if len(parsed) != len(contacts) {
		t.Fatalf("parsed %d contacts, want %d", len(parsed), len(contacts))
	}
	for i, c := range parsed {
		if c.ID() != contacts[i].ID() {
			t.Fatalf("contact %d: ID mismatch", i)
		}
		if !c.Addr().IP.Equal(contacts[i].Addr().IP) || c.Addr().Port != contacts[i].Addr().Port {
			t.Fatalf("contact %d: addr %v, want %v", i, c.Addr(), contacts[i].Addr())
		}
	}
}

func TestCompactNode_WireLayout(t *testing.T) {
	c := NewContact(idWithLastByte(0xaa), &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 0x1ae1})

	rec := CompactNode(c)
	if !bytes.Equal(rec[20:24], []byte{1, 2, 3, 4}) {
		t.Fatalf("IP bytes = %v", rec[20:24])
	}
	if rec[24] != 0x1a || rec[25] != 0xe1 {
		t.Fatalf("port bytes = %#x %#x, want big-endian 0x1ae1", rec[24], rec[25])
	}
}

func TestParseCompactNodes_PartialRecord(t *testing.T) {
	blob := CompactNodes([]*Contact{testContact(idWithLastByte(0x01), 6881)})
	blob = append(blob, 0xde, 0xad) // trailing partial record

	if got := ParseCompactNodes(blob); got != nil {
		t.Fatalf("partial blob parsed into %d contacts, want discard", len(got))
	}
}

func TestParseCompactNodes_Empty(t *testing.T) {
	if got := ParseCompactNodes(nil); len(got) != 0 {
		t.Fatalf("empty blob parsed into %d contacts", len(got))
	}
}

func TestPeerEntry(t *testing.T) {
	entry, ok := NewPeerEntry(net.IPv4(9, 9, 9, 9), 54321)
	if !ok {
		t.Fatal("NewPeerEntry rejected an IPv4 address")
	}

	addr := entry.Addr()
	if !addr.IP.Equal(net.IPv4(9, 9, 9, 9)) || addr.Port != 54321 {
		t.Fatalf("round trip gave %v", addr)
	}

	back, ok := ParsePeerEntry(string(entry[:]))
	if !ok || back != entry {
		t.Fatal("ParsePeerEntry did not reproduce the entry")
	}

	if _, ok := ParsePeerEntry("short"); ok {
		t.Fatal("ParsePeerEntry accepted a 5-byte string")
	}

	if _, ok := NewPeerEntry(net.ParseIP("2001:db8::1"), 1); ok {
		t.Fatal("NewPeerEntry accepted an IPv6 address")
	}
}

func TestPeerEntry_WireForm(t *testing.T) {
	entry, _ := NewPeerEntry(net.IPv4(1, 2, 3, 4), 6881)
	want := [6]byte{1, 2, 3, 4, 0x1a, 0xe1}
	if entry != PeerEntry(want) {
		t.Fatalf("entry = %v, want %v", entry, want)
	}
}
