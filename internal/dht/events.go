package dht

import "net"

// Event is a notification from the node to its embedder, delivered through
// DHT.Events. Variants are closed: the five types below.
type Event interface {
	isEvent()
}

// Listening reports the bound UDP port once the socket is ready.
type Listening struct {
	Port int
}

// NodeEvent reports a DHT participant admitted to the routing table.
type NodeEvent struct {
	ID   ID
	Addr *net.UDPAddr
}

// PeerEvent reports a BitTorrent peer learned for an info-hash, either from
// an inbound announce or from get_peers values during a lookup.
type PeerEvent struct {
	InfoHash ID
	Addr     *net.UDPAddr
}

// Warning reports a recoverable oddity: an unsolicited error reply or a
// message of unknown kind.
type Warning struct {
	Err error
}

// Fault reports an unrecoverable transport failure.
type Fault struct {
	Err error
}

func (Listening) isEvent() {}
func (NodeEvent) isEvent() {}
func (PeerEvent) isEvent() {}
func (Warning) isEvent()   {}
func (Fault) isEvent()     {}
