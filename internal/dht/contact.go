package dht

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

const (
	// staleAfter is how long a contact may go unheard before the
	// maintenance loop considers pinging it.
	staleAfter = 15 * time.Minute

	// maxFailures is the number of unanswered probes after which a
	// contact is dropped from the table.
	maxFailures = 3
)

// Contact is a known DHT participant: a node ID bound to a UDP endpoint.
type Contact struct {
	id   ID
	addr *net.UDPAddr

	mu       sync.Mutex
	lastSeen time.Time
	failures int
}

func NewContact(id ID, addr *net.UDPAddr) *Contact {
	return &Contact{id: id, addr: addr, lastSeen: time.Now()}
}

func (c *Contact) ID() ID { return c.id }

func (c *Contact) Addr() *net.UDPAddr { return c.addr }

// Endpoint returns the contact's address in comparable form.
func (c *Contact) Endpoint() netip.AddrPort {
	return endpointOf(c.addr)
}

// MarkSeen records a successful exchange with the contact.
func (c *Contact) MarkSeen() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.failures = 0
	c.mu.Unlock()
}

// MarkFailed records an unanswered probe and reports whether the contact
// has now failed too many times in a row to keep.
func (c *Contact) MarkFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	return c.failures >= maxFailures
}

// IsStale reports whether the contact has gone quiet long enough to be
// worth a liveness ping.
func (c *Contact) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return time.Since(c.lastSeen) >= staleAfter
}

// endpointOf normalizes a UDP address into a comparable key. IPv4-mapped
// IPv6 forms collapse to plain IPv4 so the same peer never occupies two
// registry slots.
func endpointOf(addr *net.UDPAddr) netip.AddrPort {
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
