package dht

import "net"

type messageKind string

const (
	kindQuery    messageKind = "q"
	kindResponse messageKind = "r"
	kindError    messageKind = "e"
)

type queryMethod string

const (
	methodPing         queryMethod = "ping"
	methodFindNode     queryMethod = "find_node"
	methodGetPeers     queryMethod = "get_peers"
	methodAnnouncePeer queryMethod = "announce_peer"
)

// KRPC error codes.
const (
	errGeneric       = 201
	errServer        = 202
	errProtocol      = 203
	errMethodUnknown = 204
)

// clientVersion is sent as the optional "v" key on outgoing messages.
const clientVersion = "BR01"

// Message is a decoded KRPC dictionary plus the remote address it arrived
// from (or is headed to). The transaction ID is kept verbatim: locally
// issued IDs are 2-byte big-endian, but remote ones may be any string and
// must be echoed untouched.
type Message struct {
	T string
	Y messageKind

	Q queryMethod
	A map[string]any

	R map[string]any

	E []any

	Addr *net.UDPAddr
}

func newQuery(method queryMethod, id ID) *Message {
	return &Message{
		Y: kindQuery,
		Q: method,
		A: map[string]any{"id": string(id[:])},
	}
}

func newResponse(tid string, id ID) *Message {
	return &Message{
		T: tid,
		Y: kindResponse,
		R: map[string]any{"id": string(id[:])},
	}
}

func newError(tid string, code int, text string) *Message {
	return &Message{
		T: tid,
		Y: kindError,
		E: []any{code, text},
	}
}

func pingQuery(id ID) *Message {
	return newQuery(methodPing, id)
}

func findNodeQuery(id, target ID) *Message {
	m := newQuery(methodFindNode, id)
	m.A["target"] = string(target[:])
	return m
}

func getPeersQuery(id, infoHash ID) *Message {
	m := newQuery(methodGetPeers, id)
	m.A["info_hash"] = string(infoHash[:])
	return m
}

func announcePeerQuery(id, infoHash ID, port uint16, impliedPort bool, token string) *Message {
	m := newQuery(methodAnnouncePeer, id)
	m.A["info_hash"] = string(infoHash[:])
	m.A["port"] = int(port)
	m.A["token"] = token
	if impliedPort {
		m.A["implied_port"] = 1
	}
	return m
}

// wireDict renders the message as the map handed to the bencoder.
func (m *Message) wireDict() map[string]any {
	d := map[string]any{
		"t": m.T,
		"y": string(m.Y),
		"v": clientVersion,
	}

	switch m.Y {
	case kindQuery:
		d["q"] = string(m.Q)
		d["a"] = m.A
	case kindResponse:
		d["r"] = m.R
	case kindError:
		d["e"] = m.E
	}
	return d
}

// messageFromDict validates the outer structure of a decoded dictionary.
// Returns nil when the dictionary cannot be a KRPC message at all; finer
// validation belongs to the handlers.
func messageFromDict(v any, addr *net.UDPAddr) *Message {
	dict, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	m := &Message{Addr: addr}

	t, ok := dict["t"].(string)
	if !ok {
		return nil
	}
	m.T = t

	y, ok := dict["y"].(string)
	if !ok {
		return nil
	}
	m.Y = messageKind(y)

	switch m.Y {
	case kindQuery:
		if q, ok := dict["q"].(string); ok {
			m.Q = queryMethod(q)
		}
		if a, ok := dict["a"].(map[string]any); ok {
			m.A = a
		}
	case kindResponse:
		if r, ok := dict["r"].(map[string]any); ok {
			m.R = r
		}
	case kindError:
		if e, ok := dict["e"].([]any); ok {
			m.E = e
		}
	}
	return m
}

// args returns the dictionary that carries the sender's fields: "a" on
// queries, "r" on responses.
func (m *Message) args() map[string]any {
	switch m.Y {
	case kindQuery:
		return m.A
	case kindResponse:
		return m.R
	}
	return nil
}

func (m *Message) idField(key string) (ID, bool) {
	var id ID

	a := m.args()
	if a == nil {
		return id, false
	}
	s, ok := a[key].(string)
	if !ok || len(s) != IDLen {
		return id, false
	}
	copy(id[:], s)
	return id, true
}

// SenderID returns the 20-byte "id" field.
func (m *Message) SenderID() (ID, bool) { return m.idField("id") }

// Target returns the "target" argument of a find_node query.
func (m *Message) Target() (ID, bool) { return m.idField("target") }

// InfoHash returns the "info_hash" argument.
func (m *Message) InfoHash() (ID, bool) { return m.idField("info_hash") }

// Token returns the announce token from query arguments or response values.
func (m *Message) Token() (string, bool) {
	a := m.args()
	if a == nil {
		return "", false
	}
	tok, ok := a["token"].(string)
	return tok, ok
}

// Nodes returns the raw compact node blob from a response.
func (m *Message) Nodes() ([]byte, bool) {
	if m.Y != kindResponse || m.R == nil {
		return nil, false
	}
	s, ok := m.R["nodes"].(string)
	if !ok {
		return nil, false
	}
	return []byte(s), true
}

// Values returns the compact peer strings from a get_peers response.
func (m *Message) Values() []string {
	if m.Y != kindResponse || m.R == nil {
		return nil
	}
	raw, ok := m.R["values"].([]any)
	if !ok {
		return nil
	}

	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

// Port returns the "port" argument of an announce_peer query.
func (m *Message) Port() (int, bool) {
	if m.A == nil {
		return 0, false
	}
	n, ok := m.A["port"].(int64)
	if !ok {
		return 0, false
	}
	return int(n), true
}

// ImpliedPort reports whether "implied_port" is present and non-zero.
func (m *Message) ImpliedPort() bool {
	if m.A == nil {
		return false
	}
	n, ok := m.A["implied_port"].(int64)
	return ok && n != 0
}
