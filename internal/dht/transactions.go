package dht

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"time"
)

var (
	// ErrTimeout means the remote endpoint did not answer within the
	// query window.
	ErrTimeout = errors.New("dht: query timed out")

	// ErrStopped means the node shut down while the operation was in
	// flight.
	ErrStopped = errors.New("dht: node stopped")
)

// queryTimeout is how long a pending transaction waits for its reply.
const queryTimeout = 2 * time.Second

// resolver consumes the outcome of a transaction: a response message, or a
// nil message with ErrTimeout.
type resolver func(*Message, error)

type txKey struct {
	ep  netip.AddrPort
	tid uint16
}

// pendingTx guards its resolver with a Once so a late response racing the
// timeout still resolves at most once.
type pendingTx struct {
	once    sync.Once
	resolve resolver
	timer   *time.Timer
}

func (tx *pendingTx) complete(m *Message, err error) {
	tx.once.Do(func() { tx.resolve(m, err) })
}

// txRegistry tracks outstanding queries keyed by (endpoint, transaction
// id). Transaction IDs count up from 1 per endpoint; on wraparound a tid
// that is somehow still pending is skipped rather than reused.
type txRegistry struct {
	timeout time.Duration

	mu      sync.Mutex
	next    map[netip.AddrPort]uint16
	pending map[txKey]*pendingTx
	closed  bool
}

func newTxRegistry(timeout time.Duration) *txRegistry {
	return &txRegistry{
		timeout: timeout,
		next:    make(map[netip.AddrPort]uint16),
		pending: make(map[txKey]*pendingTx),
	}
}

// Register allocates a fresh transaction ID toward ep, stores fn, and arms
// the timeout. fn is invoked exactly once: with the response, with
// ErrTimeout, or never if the registry is destroyed first.
func (r *txRegistry) Register(ep netip.AddrPort, fn resolver) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrStopped
	}

	tid := r.next[ep]
	if tid == 0 {
		tid = 1
	}
	for {
		if _, busy := r.pending[txKey{ep: ep, tid: tid}]; !busy {
			break
		}
		tid++
		if tid == 0 {
			tid = 1
		}
	}
	r.next[ep] = tid + 1

	key := txKey{ep: ep, tid: tid}
	tx := &pendingTx{resolve: fn}
	r.pending[key] = tx
	tx.timer = time.AfterFunc(r.timeout, func() {
		r.expire(key)
	})

	return tid, nil
}

// Resolve completes the transaction for (ep, tid) with msg. Reports false
// when no such transaction is pending.
func (r *txRegistry) Resolve(ep netip.AddrPort, tid uint16, msg *Message) bool {
	key := txKey{ep: ep, tid: tid}

	r.mu.Lock()
	tx, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
		tx.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	tx.complete(msg, nil)
	return true
}

func (r *txRegistry) expire(key txKey) {
	r.mu.Lock()
	tx, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if ok {
		tx.complete(nil, ErrTimeout)
	}
}

// Len returns the number of in-flight transactions.
func (r *txRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pending)
}

// Destroy cancels every timer and drops the resolvers uncalled. Callers
// holding a pending handle must treat shutdown as terminal through some
// other signal.
func (r *txRegistry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for key, tx := range r.pending {
		tx.timer.Stop()
		delete(r.pending, key)
	}
}

// encodeTID renders a transaction ID in its 2-byte big-endian wire form.
func encodeTID(tid uint16) string {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], tid)
	return string(b[:])
}

// decodeTID parses a wire transaction ID. Only 2-byte IDs can belong to
// this node's pending state; anything else is echoed but never matched.
func decodeTID(s string) (uint16, bool) {
	if len(s) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16([]byte(s)), true
}
