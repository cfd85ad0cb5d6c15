package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"
)

// rotateInterval is how often the announce-token secret rotates. A token
// stays valid for one full rotation after the one it was minted in, so
// holders get five to ten minutes of use.
const rotateInterval = 5 * time.Minute

const secretLen = 20

// tokenAuthority mints and checks announce_peer tokens. A token is
// SHA-1(dotted-quad ‖ secret), binding it to the requester's IP; the
// textual IP form is what the deployed peer population hashes, so it is
// load-bearing for interoperability.
type tokenAuthority struct {
	mu       sync.RWMutex
	current  [secretLen]byte
	previous [secretLen]byte
}

func newTokenAuthority() *tokenAuthority {
	ta := &tokenAuthority{}
	mustRandom(ta.current[:])
	mustRandom(ta.previous[:])
	return ta
}

// Issue returns a token valid for announces from ip.
func (ta *tokenAuthority) Issue(ip net.IP) string {
	ta.mu.RLock()
	defer ta.mu.RUnlock()

	return hashToken(ip, ta.current)
}

// Verify accepts tokens minted under the current or previous secret.
func (ta *tokenAuthority) Verify(token string, ip net.IP) bool {
	ta.mu.RLock()
	defer ta.mu.RUnlock()

	return token == hashToken(ip, ta.current) || token == hashToken(ip, ta.previous)
}

// Rotate demotes the current secret and draws a fresh one.
func (ta *tokenAuthority) Rotate() {
	ta.mu.Lock()
	defer ta.mu.Unlock()

	ta.previous = ta.current
	mustRandom(ta.current[:])
}

func hashToken(ip net.IP, secret [secretLen]byte) string {
	h := sha1.New()
	h.Write([]byte(ip.String()))
	h.Write(secret[:])
	return string(h.Sum(nil))
}

func mustRandom(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
}
