package dht

import (
	"sort"
	"sync"
	"time"
)

// K is the Kademlia bucket capacity.
const K = 8

// Table is the Kademlia routing table: a binary tree of k-buckets anchored
// at the local node ID. Only the bucket covering the local ID's prefix
// splits when full, so depth grows exactly where the table needs
// resolution; everywhere else a full bucket rejects newcomers.
type Table struct {
	localID ID

	mu   sync.RWMutex
	root *tableNode
	size int
}

// tableNode is either a leaf holding contacts or an interior node with two
// children. Leaf contacts are ordered least-recently-seen first.
type tableNode struct {
	depth    int
	contacts []*Contact
	zero     *tableNode
	one      *tableNode

	lastChanged time.Time
}

func (n *tableNode) leaf() bool { return n.zero == nil }

func NewTable(localID ID) *Table {
	return &Table{
		localID: localID,
		root:    &tableNode{contacts: make([]*Contact, 0, K), lastChanged: time.Now()},
	}
}

func (t *Table) LocalID() ID { return t.localID }

// Add inserts or refreshes a contact. A known ID moves to the
// most-recently-seen end of its bucket. When the bucket is full it splits
// if it covers the local ID's prefix, otherwise the newcomer is dropped.
// Reports whether the contact is in the table afterwards.
func (t *Table) Add(c *Contact) bool {
	if c.id == t.localID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.descend(c.id)
	for {
		for i, existing := range n.contacts {
			if existing.id == c.id {
				n.contacts = append(n.contacts[:i], n.contacts[i+1:]...)
				n.contacts = append(n.contacts, existing)
				existing.MarkSeen()
				n.lastChanged = time.Now()
				return true
			}
		}

		if len(n.contacts) < K {
			n.contacts = append(n.contacts, c)
			n.lastChanged = time.Now()
			t.size++
			return true
		}

		// Full. Split only the bucket whose range holds our own ID.
		if CommonPrefixLen(t.localID, c.id) < n.depth || n.depth >= IDLen*8-1 {
			return false
		}
		t.split(n)
		if c.id.Bit(n.depth) == 0 {
			n = n.zero
		} else {
			n = n.one
		}
	}
}

// split turns a leaf into an interior node, distributing its contacts by
// the bit at the leaf's depth.
func (t *Table) split(n *tableNode) {
	n.zero = &tableNode{depth: n.depth + 1, contacts: make([]*Contact, 0, K), lastChanged: n.lastChanged}
	n.one = &tableNode{depth: n.depth + 1, contacts: make([]*Contact, 0, K), lastChanged: n.lastChanged}

	for _, c := range n.contacts {
		if c.id.Bit(n.depth) == 0 {
			n.zero.contacts = append(n.zero.contacts, c)
		} else {
			n.one.contacts = append(n.one.contacts, c)
		}
	}
	n.contacts = nil
}

// descend walks to the leaf whose range covers id.
func (t *Table) descend(id ID) *tableNode {
	n := t.root
	for !n.leaf() {
		if id.Bit(n.depth) == 0 {
			n = n.zero
		} else {
			n = n.one
		}
	}
	return n
}

// Remove deletes the contact with the given ID; no-op when absent.
func (t *Table) Remove(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.descend(id)
	for i, c := range n.contacts {
		if c.id == id {
			n.contacts = append(n.contacts[:i], n.contacts[i+1:]...)
			n.lastChanged = time.Now()
			t.size--
			return true
		}
	}
	return false
}

// Get returns the contact with the exact ID, or nil.
func (t *Table) Get(id ID) *Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, c := range t.descend(id).contacts {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Closest returns up to n contacts sorted ascending by XOR distance to
// target, drawn from the whole table rather than a single bucket.
func (t *Table) Closest(target ID, n int) []*Contact {
	t.mu.RLock()
	all := t.collect(t.root, nil)
	t.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return DistanceCmp(target, all[i].id, all[j].id) < 0
	})

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Contacts returns a snapshot of every contact in the table.
func (t *Table) Contacts() []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.collect(t.root, nil)
}

func (t *Table) collect(n *tableNode, out []*Contact) []*Contact {
	if n.leaf() {
		return append(out, n.contacts...)
	}
	out = t.collect(n.zero, out)
	return t.collect(n.one, out)
}

// Count returns the number of contacts in the table.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.size
}

// StaleBucketTargets returns one random ID inside each non-empty bucket
// that has gone unchanged for staleAfter; looking those IDs up refreshes
// the buckets.
func (t *Table) StaleBucketTargets() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var targets []ID
	var walk func(n *tableNode)
	walk = func(n *tableNode) {
		if !n.leaf() {
			walk(n.zero)
			walk(n.one)
			return
		}
		if len(n.contacts) == 0 || time.Since(n.lastChanged) < staleAfter {
			return
		}
		targets = append(targets, randomIDWithPrefix(n.contacts[0].id, n.depth))
	}
	walk(t.root)
	return targets
}

// randomIDWithPrefix returns a random ID whose leading bits match prefix.
func randomIDWithPrefix(prefix ID, bits int) ID {
	id := RandomID()
	for i := 0; i < bits; i++ {
		byteIdx, mask := i/8, byte(1)<<(7-uint(i%8))
		id[byteIdx] = id[byteIdx]&^mask | prefix[byteIdx]&mask
	}
	return id
}
