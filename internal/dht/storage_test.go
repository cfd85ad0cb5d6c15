package dht

import (
	"net"
	"testing"
)

func peerEntry(t *testing.T, a, b, c, d byte, port uint16) PeerEntry {
	t.Helper()

	entry, ok := NewPeerEntry(net.IPv4(a, b, c, d), port)
	if !ok {
		t.Fatal("NewPeerEntry failed")
	}
	return entry
}

func TestPeerStore_AddGet(t *testing.T) {
	s := NewPeerStore()
	h := idWithLastByte(0x42)

	p1 := peerEntry(t, 1, 2, 3, 4, 6881)
	p2 := peerEntry(t, 5, 6, 7, 8, 6881)

	if !s.Add(h, p1) {
		t.Fatal("first Add reported duplicate")
	}
	if !s.Add(h, p2) {
		t.Fatal("second Add reported duplicate")
	}
	if s.Add(h, p1) {
		t.Fatal("duplicate entry stored twice")
	}

	peers := s.Get(h)
	if len(peers) != 2 {
		t.Fatalf("Get returned %d peers, want 2", len(peers))
	}
	found := map[PeerEntry]bool{}
	for _, p := range peers {
		found[p] = true
	}
	if !found[p1] || !found[p2] {
		t.Fatal("stored peers missing from Get")
	}

	if s.Count() != 2 {
		t.Fatalf("Count = %d, want 2", s.Count())
	}
}

func TestPeerStore_GetUnknown(t *testing.T) {
	s := NewPeerStore()
	if peers := s.Get(idWithLastByte(0x01)); peers != nil {
		t.Fatalf("unknown hash returned %d peers", len(peers))
	}
}

func TestPeerStore_Remove(t *testing.T) {
	s := NewPeerStore()
	h := idWithLastByte(0x42)
	p := peerEntry(t, 1, 2, 3, 4, 6881)

	if s.Remove(h, p) {
		t.Fatal("Remove on empty store reported success")
	}

	s.Add(h, p)
	if !s.Remove(h, p) {
		t.Fatal("Remove of present entry failed")
	}
	if s.Remove(h, p) {
		t.Fatal("second Remove reported success")
	}
	if s.Count() != 0 {
		t.Fatalf("Count = %d after removal, want 0", s.Count())
	}
}

func TestPeerStore_SeparateSwarms(t *testing.T) {
	s := NewPeerStore()
	p := peerEntry(t, 1, 2, 3, 4, 6881)

	s.Add(idWithLastByte(0x01), p)
	s.Add(idWithLastByte(0x02), p)

	if len(s.Get(idWithLastByte(0x01))) != 1 || len(s.Get(idWithLastByte(0x02))) != 1 {
		t.Fatal("swarms are not independent")
	}

	s.Remove(idWithLastByte(0x01), p)
	if len(s.Get(idWithLastByte(0x02))) != 1 {
		t.Fatal("removal leaked across swarms")
	}
}
