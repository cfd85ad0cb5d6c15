package dht

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/burrowdht/burrow/pkg/bencode"
)

func testNode(t *testing.T, lastByte byte) *DHT {
	t.Helper()

	id := idWithLastByte(lastByte)
	d := New(&Config{
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		LocalID:          &id,
		DisableBootstrap: true,
		QueryTimeout:     500 * time.Millisecond,
	})
	if _, err := d.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

// nodeAddr returns a loopback address for the node's bound port.
func nodeAddr(d *DHT) *net.UDPAddr {
	port := d.engine.conn.LocalAddr().(*net.UDPAddr).Port
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestListenEmitsListening(t *testing.T) {
	d := testNode(t, 0x01)

	select {
	case ev := <-d.Events():
		listening, ok := ev.(Listening)
		if !ok {
			t.Fatalf("first event = %T, want Listening", ev)
		}
		if listening.Port != nodeAddr(d).Port {
			t.Fatalf("Listening.Port = %d, want %d", listening.Port, nodeAddr(d).Port)
		}
	case <-time.After(time.Second):
		t.Fatal("no Listening event")
	}
}

func TestPingRoundTrip(t *testing.T) {
	x := testNode(t, 0x01)
	y := testNode(t, 0x02)

	resp, err := x.engine.query(pingQuery(x.localID), nodeAddr(y))
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Y != kindResponse {
		t.Fatalf("reply kind = %q, want response", resp.Y)
	}
	if id, ok := resp.SenderID(); !ok || id != y.localID {
		t.Fatalf("reply id = %v, want %v", id, y.localID)
	}

	// Handling the query taught y about x.
	if y.table.Get(x.localID) == nil {
		t.Fatal("responder did not learn the querier")
	}
}

func TestFindNode(t *testing.T) {
	x := testNode(t, 0x0b)
	y := testNode(t, 0xf0)

	for i := 1; i <= 10; i++ {
		x.AddNode(idWithLastByte(byte(i)), &net.UDPAddr{IP: net.IPv4(10, 0, 0, byte(i)), Port: 6881})
	}

	t.Run("closest-sorted", func(t *testing.T) {
		// 0x0c is not a table member, so the reply holds the 8
		// nearest in ascending XOR order.
		resp, err := y.engine.query(findNodeQuery(y.localID, idWithLastByte(0x0c)), nodeAddr(x))
		if err != nil {
			t.Fatalf("find_node: %v", err)
		}

		blob, ok := resp.Nodes()
		if !ok {
			t.Fatal("reply has no nodes")
		}
		contacts := ParseCompactNodes(blob)
		if len(contacts) != K {
			t.Fatalf("reply holds %d nodes, want %d", len(contacts), K)
		}

		want := []byte{0x08, 0x09, 0x0a, 0x04, 0x05, 0x06, 0x07, 0x01}
		for i, c := range contacts {
			if c.ID() != idWithLastByte(want[i]) {
				t.Fatalf("position %d: got %v, want last byte %#x", i, c.ID(), want[i])
			}
		}
	})

	t.Run("exact-hit", func(t *testing.T) {
		resp, err := y.engine.query(findNodeQuery(y.localID, idWithLastByte(0x05)), nodeAddr(x))
		if err != nil {
			t.Fatalf("find_node: %v", err)
		}

		blob, _ := resp.Nodes()
		contacts := ParseCompactNodes(blob)
		if len(contacts) != 1 || contacts[0].ID() != idWithLastByte(0x05) {
			t.Fatalf("exact target reply = %d nodes, want the single match", len(contacts))
		}
	})

	t.Run("missing-target", func(t *testing.T) {
		resp, err := y.engine.query(newQuery(methodFindNode, y.localID), nodeAddr(x))
		if err != nil {
			t.Fatalf("find_node: %v", err)
		}
		if resp.Y != kindError {
			t.Fatalf("reply kind = %q, want error", resp.Y)
		}
		if code, _ := resp.E[0].(int64); code != errProtocol {
			t.Fatalf("error code = %v, want 203", resp.E[0])
		}
	})
}

func TestGetPeers(t *testing.T) {
	x := testNode(t, 0x01)
	y := testNode(t, 0x02)

	infoHash := idWithLastByte(0xaa)

	t.Run("nodes-when-unknown", func(t *testing.T) {
		resp, err := y.engine.query(getPeersQuery(y.localID, infoHash), nodeAddr(x))
		if err != nil {
			t.Fatalf("get_peers: %v", err)
		}

		token, ok := resp.Token()
		if !ok || len(token) != 20 {
			t.Fatalf("token = %q, want 20 opaque bytes", token)
		}
		if _, ok := resp.Nodes(); !ok {
			t.Fatal("reply without stored peers must carry nodes")
		}
		if resp.Values() != nil {
			t.Fatal("reply without stored peers must not carry values")
		}
	})

	x.AddPeer(infoHash, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881})
	x.AddPeer(infoHash, &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 6881})

	t.Run("values-when-known", func(t *testing.T) {
		resp, err := y.engine.query(getPeersQuery(y.localID, infoHash), nodeAddr(x))
		if err != nil {
			t.Fatalf("get_peers: %v", err)
		}

		if _, ok := resp.Token(); !ok {
			t.Fatal("reply with values must still carry a token")
		}

		values := resp.Values()
		if len(values) != 2 {
			t.Fatalf("values holds %d entries, want 2", len(values))
		}
		found := map[string]bool{}
		for _, v := range values {
			found[v] = true
		}
		if !found["\x01\x02\x03\x04\x1a\xe1"] || !found["\x05\x06\x07\x08\x1a\xe1"] {
			t.Fatalf("compact values = %q", values)
		}
	})

	t.Run("missing-info-hash", func(t *testing.T) {
		resp, err := y.engine.query(newQuery(methodGetPeers, y.localID), nodeAddr(x))
		if err != nil {
			t.Fatalf("get_peers: %v", err)
		}
		if resp.Y != kindError {
			t.Fatalf("reply kind = %q, want error", resp.Y)
		}
	})
}

func TestAnnouncePeer(t *testing.T) {
	infoHash := idWithLastByte(0xbb)

	t.Run("good-token-implied-port", func(t *testing.T) {
		x := testNode(t, 0x01)
		y := testNode(t, 0x02)

		gp, err := y.engine.query(getPeersQuery(y.localID, infoHash), nodeAddr(x))
		if err != nil {
			t.Fatalf("get_peers: %v", err)
		}
		token, _ := gp.Token()

		resp, err := y.engine.query(
			announcePeerQuery(y.localID, infoHash, 0, true, token), nodeAddr(x))
		if err != nil {
			t.Fatalf("announce_peer: %v", err)
		}
		if resp.Y != kindResponse {
			t.Fatalf("reply = %+v, want plain response", resp)
		}

		peers := x.store.Get(infoHash)
		if len(peers) != 1 {
			t.Fatalf("store holds %d peers, want 1", len(peers))
		}
		addr := peers[0].Addr()
		if !addr.IP.Equal(net.IPv4(127, 0, 0, 1)) || addr.Port != nodeAddr(y).Port {
			t.Fatalf("stored peer %v, want 127.0.0.1:%d (UDP source port)", addr, nodeAddr(y).Port)
		}
	})

	t.Run("good-token-stated-port", func(t *testing.T) {
		x := testNode(t, 0x03)
		y := testNode(t, 0x04)

		gp, _ := y.engine.query(getPeersQuery(y.localID, infoHash), nodeAddr(x))
		token, _ := gp.Token()

		if _, err := y.engine.query(
			announcePeerQuery(y.localID, infoHash, 7777, false, token), nodeAddr(x)); err != nil {
			t.Fatalf("announce_peer: %v", err)
		}

		peers := x.store.Get(infoHash)
		if len(peers) != 1 || peers[0].Addr().Port != 7777 {
			t.Fatalf("store = %v, want one peer on stated port 7777", peers)
		}
	})

	t.Run("bad-token", func(t *testing.T) {
		x := testNode(t, 0x05)
		y := testNode(t, 0x06)

		resp, err := y.engine.query(
			announcePeerQuery(y.localID, infoHash, 0, true, "not-a-valid-token-00"), nodeAddr(x))
		if err != nil {
			t.Fatalf("announce_peer: %v", err)
		}
		if resp.Y != kindError {
			t.Fatalf("reply kind = %q, want error", resp.Y)
		}
		if code, _ := resp.E[0].(int64); code != errProtocol {
			t.Fatalf("error code = %v, want 203", resp.E[0])
		}
		if text, _ := resp.E[1].(string); text != "cannot announce_peer with bad token" {
			t.Fatalf("error text = %q", text)
		}
		if len(x.store.Get(infoHash)) != 0 {
			t.Fatal("bad token mutated the peer store")
		}
	})

	t.Run("unknown-method", func(t *testing.T) {
		x := testNode(t, 0x07)
		y := testNode(t, 0x08)

		resp, err := y.engine.query(newQuery("get_peers6", y.localID), nodeAddr(x))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if resp.Y != kindError {
			t.Fatalf("reply kind = %q, want error", resp.Y)
		}
		if code, _ := resp.E[0].(int64); code != errMethodUnknown {
			t.Fatalf("error code = %v, want 204", resp.E[0])
		}
		if text, _ := resp.E[1].(string); text != "unexpected query type get_peers6" {
			t.Fatalf("error text = %q", text)
		}
	})
}

func TestQueryTimeout(t *testing.T) {
	x := testNode(t, 0x01)

	// Reserve a port, then close it so nothing answers there.
	spare, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	dead := spare.LocalAddr().(*net.UDPAddr)
	spare.Close()

	start := time.Now()
	_, err = x.engine.query(pingQuery(x.localID), dead)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("query to dead endpoint: %v, want ErrTimeout", err)
	}
	if time.Since(start) < 400*time.Millisecond {
		t.Fatal("timeout fired early")
	}
	if x.engine.tx.Len() != 0 {
		t.Fatal("timed-out transaction still registered")
	}
}

func TestUnexpectedResponseGetsGenericError(t *testing.T) {
	x := testNode(t, 0x01)

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("raw socket: %v", err)
	}
	defer raw.Close()

	// A response for a transaction nobody opened.
	bogusID := idWithLastByte(0x99)
	payload, err := bencode.Marshal(map[string]any{
		"t": "\x00\x07",
		"y": "r",
		"r": map[string]any{"id": string(bogusID[:])},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := raw.WriteToUDP(payload, nodeAddr(x)); err != nil {
		t.Fatalf("send: %v", err)
	}

	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := raw.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no reply to unexpected response: %v", err)
	}

	v, err := bencode.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	reply := v.(map[string]any)
	if reply["y"] != "e" {
		t.Fatalf("reply y = %v, want e", reply["y"])
	}
	if reply["t"] != "\x00\x07" {
		t.Fatalf("reply t = %q, want the echoed transaction id", reply["t"])
	}
	e := reply["e"].([]any)
	if e[0] != int64(errGeneric) || e[1] != "unexpected message" {
		t.Fatalf("reply e = %v, want [201 unexpected message]", e)
	}
}

func TestMalformedDatagramDropped(t *testing.T) {
	x := testNode(t, 0x01)

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("raw socket: %v", err)
	}
	defer raw.Close()

	raw.WriteToUDP([]byte("definitely not bencode"), nodeAddr(x))

	raw.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 1024)
	if _, _, err := raw.ReadFromUDP(buf); err == nil {
		t.Fatal("malformed datagram provoked a reply, want silent drop")
	}
}

func TestLookupPopulatesTable(t *testing.T) {
	x := testNode(t, 0x01)
	y := testNode(t, 0x02)
	z := testNode(t, 0x03)

	y.AddNode(z.LocalID(), nodeAddr(z))

	err := x.Lookup(z.LocalID(), &LookupOpts{
		FindNode: true,
		Addrs:    []*net.UDPAddr{nodeAddr(y)},
	})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if x.table.Get(y.LocalID()) == nil {
		t.Fatal("lookup did not learn the seed responder")
	}
	if x.table.Get(z.LocalID()) == nil {
		t.Fatal("lookup did not learn the node behind the seed")
	}
}

func TestLookupEmptyTableConverges(t *testing.T) {
	x := testNode(t, 0x01)

	done := make(chan error, 1)
	go func() { done <- x.Lookup(RandomID(), &LookupOpts{FindNode: true}) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lookup on empty table: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lookup with no candidates never converged")
	}
}

func TestAnnounceStoresPeerRemotely(t *testing.T) {
	x := testNode(t, 0x01)
	y := testNode(t, 0x02)

	x.AddNode(y.LocalID(), nodeAddr(y))

	infoHash := idWithLastByte(0xcc)
	if err := x.Announce(infoHash, 0, true); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	peers := y.store.Get(infoHash)
	if len(peers) != 1 {
		t.Fatalf("remote store holds %d peers, want 1", len(peers))
	}
	if got := peers[0].Addr().Port; got != nodeAddr(x).Port {
		t.Fatalf("announced port = %d, want the announcer's UDP port %d", got, nodeAddr(x).Port)
	}
}

func TestDestroy(t *testing.T) {
	x := testNode(t, 0x01)
	x.Destroy()
	x.Destroy() // idempotent

	if err := x.Lookup(RandomID(), nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Lookup after Destroy: %v, want ErrStopped", err)
	}
	if _, err := x.Listen(0); !errors.Is(err, ErrStopped) {
		t.Fatalf("Listen after Destroy: %v, want ErrStopped", err)
	}

	// The event channel drains and closes.
	for {
		if _, ok := <-x.Events(); !ok {
			break
		}
	}
}
