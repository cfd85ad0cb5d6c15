// Package dht implements a mainline (BEP-5) Kademlia node: the routing
// table, the KRPC wire protocol over UDP, the server side of the four query
// verbs, and the iterative lookup that drives trackerless peer discovery.
package dht

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// wellKnownBootstrap are the community bootstrap routers used when the
// embedder supplies no seed list of its own.
var wellKnownBootstrap = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

const (
	// bootstrapRetry is how long to wait before re-seeding when the
	// first bootstrap round leaves the table empty.
	bootstrapRetry = 5 * time.Second

	// livenessInterval paces the stale-contact ping sweep.
	livenessInterval = 5 * time.Minute
)

var ErrNotListening = errors.New("dht: not listening")

// Config carries the tunables for a node. The zero value of every field
// has a working default.
type Config struct {
	Logger *slog.Logger

	// LocalID pins the node ID; nil draws a random one.
	LocalID *ID

	// BootstrapNodes are host:port seeds; nil uses the well-known
	// routers.
	BootstrapNodes []string

	// DisableBootstrap skips the startup self-lookup entirely.
	DisableBootstrap bool

	// QueryTimeout bounds each outbound query.
	QueryTimeout time.Duration

	// EventBuffer is the capacity of the Events channel; events beyond
	// a full buffer are dropped.
	EventBuffer int
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.BootstrapNodes == nil {
		out.BootstrapNodes = wellKnownBootstrap
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = queryTimeout
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 128
	}
	return out
}

// DHT is one mainline DHT participant bound to one UDP socket.
type DHT struct {
	cfg     Config
	logger  *slog.Logger
	localID ID

	table  *Table
	store  *PeerStore
	tokens *tokenAuthority
	engine *engine

	events       chan Event
	emu          sync.Mutex
	eventsClosed bool

	mu        sync.Mutex
	listening bool
	closing   bool

	done    chan struct{}
	destroy sync.Once
	wg      sync.WaitGroup
}

// New builds a node. It does not touch the network until Listen.
func New(cfg *Config) *DHT {
	c := cfg.withDefaults()

	localID := RandomID()
	if c.LocalID != nil {
		localID = *c.LocalID
	}

	d := &DHT{
		cfg:     c,
		logger:  c.Logger,
		localID: localID,
		table:   NewTable(localID),
		store:   NewPeerStore(),
		tokens:  newTokenAuthority(),
		events:  make(chan Event, c.EventBuffer),
		done:    make(chan struct{}),
	}
	d.engine = newEngine(c.Logger, c.QueryTimeout, d.done)
	d.engine.handleQuery = (&queryHandler{d: d}).handle
	d.engine.warn = func(err error) {
		d.logger.Warn("protocol warning", "error", err)
		d.emit(Warning{Err: err})
	}
	return d
}

// LocalID returns the node's 160-bit identifier.
func (d *DHT) LocalID() ID { return d.localID }

// Events delivers node notifications. Delivery is best-effort: when the
// buffer is full, events are dropped rather than stalling the node.
func (d *DHT) Events() <-chan Event { return d.events }

// Listen binds the UDP socket (port 0 picks an ephemeral port), starts the
// protocol loops, and kicks off bootstrap. Returns the bound port.
func (d *DHT) Listen(port int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closing || d.stopped() {
		return 0, ErrStopped
	}
	if d.listening {
		return 0, errors.New("dht: already listening")
	}

	bound, err := d.engine.listen(port)
	if err != nil {
		d.emit(Fault{Err: err})
		return 0, err
	}
	d.listening = true

	d.wg.Add(2)
	go d.rotateLoop()
	go d.maintenanceLoop()

	if !d.cfg.DisableBootstrap {
		d.wg.Add(1)
		go d.bootstrapLoop()
	}

	d.logger.Info("dht listening", "port", bound, "id", d.localID)
	d.emit(Listening{Port: bound})
	return bound, nil
}

// Destroy stops everything: pending transactions are abandoned, timers
// cancelled, the socket closed. Listen, Lookup and Announce fail with
// ErrStopped afterwards, and AddNode and AddPeer do nothing. Safe to call
// more than once.
func (d *DHT) Destroy() {
	d.destroy.Do(func() {
		d.mu.Lock()
		d.closing = true
		d.mu.Unlock()

		close(d.done)
		d.engine.close()
		d.wg.Wait()

		d.emu.Lock()
		d.eventsClosed = true
		close(d.events)
		d.emu.Unlock()
	})
}

// goTracked runs fn on a goroutine counted by the shutdown WaitGroup, so
// Destroy cannot close the event channel under it. Refuses once shutdown
// has begun.
func (d *DHT) goTracked(fn func()) bool {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *DHT) stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// AddNode inserts a contact into the routing table.
func (d *DHT) AddNode(id ID, addr *net.UDPAddr) {
	if d.stopped() {
		return
	}
	d.observe(id, addr)
}

// RemoveNode drops a contact; no-op when absent.
func (d *DHT) RemoveNode(id ID) {
	if d.table.Remove(id) {
		metricTableSize.Set(float64(d.table.Count()))
	}
}

// AddPeer records a peer endpoint under infoHash.
func (d *DHT) AddPeer(infoHash ID, addr *net.UDPAddr) {
	if d.stopped() {
		return
	}
	entry, ok := NewPeerEntry(addr.IP, uint16(addr.Port))
	if !ok {
		return
	}
	if d.store.Add(infoHash, entry) {
		metricPeerStoreSize.Set(float64(d.store.Count()))
		d.emit(PeerEvent{InfoHash: infoHash, Addr: entry.Addr()})
	}
}

// RemovePeer deletes the matching peer entry; no-op when absent.
func (d *DHT) RemovePeer(infoHash ID, addr *net.UDPAddr) {
	entry, ok := NewPeerEntry(addr.IP, uint16(addr.Port))
	if !ok {
		return
	}
	if d.store.Remove(infoHash, entry) {
		metricPeerStoreSize.Set(float64(d.store.Count()))
	}
}

// NumNodes returns the routing table population.
func (d *DHT) NumNodes() int { return d.table.Count() }

// NumPeers returns the number of stored peer entries.
func (d *DHT) NumPeers() int { return d.store.Count() }

// LookupOpts tune a Lookup call.
type LookupOpts struct {
	// FindNode probes with find_node instead of get_peers.
	FindNode bool

	// Addrs seeds the search frontier; when empty the routing table
	// seeds it.
	Addrs []*net.UDPAddr
}

// Lookup runs an iterative closest-node search toward target and blocks
// until it converges. Results arrive as side effects: discovered nodes
// populate the routing table and, for get_peers lookups, discovered peers
// land in the peer store and on the Events channel.
func (d *DHT) Lookup(target ID, opts *LookupOpts) error {
	mode := lookupPeers
	var seeds []*net.UDPAddr
	if opts != nil {
		if opts.FindNode {
			mode = lookupNodes
		}
		seeds = opts.Addrs
	}

	_, err := d.runLookup(target, mode, seeds)
	return err
}

// Announce advertises this host as a peer for infoHash. It runs a
// get_peers lookup to collect announce tokens, then sends announce_peer to
// the closest token-bearing responders. With impliedPort the remote stores
// our UDP source port and port is ignored.
func (d *DHT) Announce(infoHash ID, port uint16, impliedPort bool) error {
	l, err := d.runLookup(infoHash, lookupPeers, nil)
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, tn := range l.closestTokened(K) {
		tn := tn
		g.Go(func() error {
			q := announcePeerQuery(d.localID, infoHash, port, impliedPort, tn.token)
			// Best-effort: a silent or rejecting node just misses
			// this announce round.
			d.engine.query(q, tn.addr)
			return nil
		})
	}
	return g.Wait()
}

func (d *DHT) runLookup(target ID, mode lookupMode, seeds []*net.UDPAddr) (*lookup, error) {
	d.mu.Lock()
	listening := d.listening
	d.mu.Unlock()

	if d.stopped() {
		return nil, ErrStopped
	}
	if !listening {
		return nil, ErrNotListening
	}

	converged := make(chan struct{})
	l := newLookup(d, target, mode, seeds, func() { close(converged) })
	l.start()

	select {
	case <-converged:
		return l, nil
	case <-d.done:
		return nil, ErrStopped
	}
}

// observe inserts a freshly seen participant into the routing table and
// reports new admissions on the event channel.
func (d *DHT) observe(id ID, addr *net.UDPAddr) {
	if id == d.localID {
		return
	}
	if addr.Port <= 0 || addr.Port >= 65535 {
		return
	}

	isNew := d.table.Get(id) == nil
	if !d.table.Add(NewContact(id, addr)) {
		return
	}
	metricTableSize.Set(float64(d.table.Count()))
	if isNew {
		d.emit(NodeEvent{ID: id, Addr: addr})
	}
}

func (d *DHT) emit(ev Event) {
	d.emu.Lock()
	defer d.emu.Unlock()

	if d.eventsClosed {
		return
	}
	select {
	case d.events <- ev:
	default:
	}
}

// bootstrapLoop resolves the seed routers and looks up our own ID to
// populate the table, retrying while the table stays empty.
func (d *DHT) bootstrapLoop() {
	defer d.wg.Done()

	for {
		seeds := d.resolveBootstrap()
		if len(seeds) > 0 {
			d.runLookup(d.localID, lookupNodes, seeds)
		}

		timer := time.NewTimer(bootstrapRetry)
		select {
		case <-d.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		if d.table.Count() > 0 {
			return
		}
		d.logger.Debug("routing table still empty, re-seeding")
	}
}

func (d *DHT) resolveBootstrap() []*net.UDPAddr {
	var (
		mu    sync.Mutex
		seeds []*net.UDPAddr
	)

	var g errgroup.Group
	for _, host := range d.cfg.BootstrapNodes {
		host := host
		g.Go(func() error {
			addr, err := net.ResolveUDPAddr("udp4", host)
			if err != nil {
				d.logger.Warn("bootstrap resolve failed", "host", host, "error", err)
				return nil
			}
			mu.Lock()
			seeds = append(seeds, addr)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return seeds
}

// rotateLoop swaps the announce-token secret on its fixed cadence.
func (d *DHT) rotateLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(rotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.tokens.Rotate()
		}
	}
}

// maintenanceLoop keeps the table healthy: every tick it pings contacts
// that have gone quiet and drops the ones that stay silent, and refreshes
// buckets that have seen no traffic by looking up a random ID inside them.
func (d *DHT) maintenanceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.pingStale()
			for _, target := range d.table.StaleBucketTargets() {
				d.runLookup(target, lookupNodes, nil)
			}
		}
	}
}

func (d *DHT) pingStale() {
	for _, c := range d.table.Contacts() {
		if d.stopped() {
			return
		}
		if !c.IsStale() {
			continue
		}

		resp, err := d.engine.query(pingQuery(d.localID), c.Addr())
		if err != nil || resp.Y != kindResponse {
			if c.MarkFailed() {
				d.RemoveNode(c.ID())
			}
			continue
		}
		if id, ok := resp.SenderID(); !ok || id != c.ID() {
			d.RemoveNode(c.ID())
			continue
		}
		c.MarkSeen()
	}
}
