package dht

import (
	"net"
	"net/netip"
	"sort"
	"sync"
)

// Alpha is the lookup concurrency cap: at most this many probes are in
// flight per lookup. Small values bound traffic amplification.
const Alpha = 3

type lookupMode int

const (
	lookupNodes lookupMode = iota // probes with find_node
	lookupPeers                   // probes with get_peers, collects tokens
)

// tokenedNode remembers a responder that handed us an announce token.
type tokenedNode struct {
	id    ID
	addr  *net.UDPAddr
	token string
}

// lookup is one iterative closest-node search. Probes go to the closest
// unqueried candidates, recomputed from the routing table after every
// completion; success, error reply, and timeout all count equally as
// progress. The search converges when no probe is in flight and no
// candidate is left.
type lookup struct {
	d      *DHT
	target ID
	mode   lookupMode
	onDone func()

	mu       sync.Mutex
	seeds    []*net.UDPAddr
	queried  map[netip.AddrPort]bool
	pending  int
	finished bool

	tmu     sync.Mutex
	tokened []tokenedNode
}

func newLookup(d *DHT, target ID, mode lookupMode, seeds []*net.UDPAddr, onDone func()) *lookup {
	return &lookup{
		d:       d,
		target:  target,
		mode:    mode,
		seeds:   seeds,
		queried: make(map[netip.AddrPort]bool),
		onDone:  onDone,
	}
}

func (l *lookup) start() {
	l.mu.Lock()
	if len(l.seeds) > 0 {
		l.schedule()
		l.mu.Unlock()
		return
	}
	// No seeds: a synthetic completion pulls the first candidates out
	// of the routing table.
	l.pending = 1
	l.mu.Unlock()
	l.completed(nil, nil)
}

// probe runs in its own goroutine, one per in-flight query.
func (l *lookup) probe(addr *net.UDPAddr) {
	var q *Message
	switch l.mode {
	case lookupNodes:
		q = findNodeQuery(l.d.localID, l.target)
	case lookupPeers:
		q = getPeersQuery(l.d.localID, l.target)
	}

	resp, err := l.d.engine.query(q, addr)
	if err != nil || resp.Y != kindResponse {
		resp = nil
	}
	l.completed(addr, resp)
}

// completed ingests whatever the probe brought back, then refills the
// probe window from the table.
func (l *lookup) completed(addr *net.UDPAddr, resp *Message) {
	if resp != nil {
		l.ingest(addr, resp)
	}

	l.mu.Lock()
	l.pending--
	l.schedule()
	l.mu.Unlock()
}

// schedule issues probes closest-first until the window is full or no
// candidate remains, then detects convergence. Caller holds l.mu.
func (l *lookup) schedule() {
	if l.finished {
		return
	}
	if l.d.stopped() {
		l.finish()
		return
	}

	for l.pending < Alpha && len(l.seeds) > 0 {
		seed := l.seeds[0]
		l.seeds = l.seeds[1:]
		l.launch(seed)
	}

	if l.pending < Alpha {
		for _, c := range l.d.table.Closest(l.target, K) {
			if l.pending >= Alpha {
				break
			}
			l.launch(c.Addr())
		}
	}

	if l.pending == 0 {
		l.finish()
	}
}

// launch starts a probe unless the endpoint was already queried. Caller
// holds l.mu.
func (l *lookup) launch(addr *net.UDPAddr) {
	ep := endpointOf(addr)
	if l.queried[ep] {
		return
	}
	l.queried[ep] = true

	if !l.d.goTracked(func() { l.probe(addr) }) {
		return
	}
	l.pending++
}

// finish resolves the caller exactly once. Caller holds l.mu; onDone must
// not block (it closes a channel).
func (l *lookup) finish() {
	l.finished = true
	metricLookups.Inc()
	l.onDone()
}

// ingest feeds a response's nodes into the routing table and its values
// into the peer store, and records announce tokens.
func (l *lookup) ingest(addr *net.UDPAddr, resp *Message) {
	responderID, okID := resp.SenderID()
	if okID {
		l.d.observe(responderID, addr)
	}

	if token, ok := resp.Token(); ok && okID {
		l.tmu.Lock()
		l.tokened = append(l.tokened, tokenedNode{id: responderID, addr: addr, token: token})
		l.tmu.Unlock()
	}

	if nodes, ok := resp.Nodes(); ok {
		for _, c := range ParseCompactNodes(nodes) {
			l.d.observe(c.ID(), c.Addr())
		}
	}

	if l.mode == lookupPeers {
		for _, v := range resp.Values() {
			entry, ok := ParsePeerEntry(v)
			if !ok {
				continue
			}
			if l.d.store.Add(l.target, entry) {
				metricPeerStoreSize.Set(float64(l.d.store.Count()))
				l.d.emit(PeerEvent{InfoHash: l.target, Addr: entry.Addr()})
			}
		}
	}
}

// closestTokened returns up to n token-bearing responders ordered by
// distance to the lookup target.
func (l *lookup) closestTokened(n int) []tokenedNode {
	l.tmu.Lock()
	nodes := append([]tokenedNode(nil), l.tokened...)
	l.tmu.Unlock()

	sort.Slice(nodes, func(i, j int) bool {
		return DistanceCmp(l.target, nodes[i].id, nodes[j].id) < 0
	})
	if len(nodes) > n {
		nodes = nodes[:n]
	}
	return nodes
}
