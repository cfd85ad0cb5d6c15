package dht

// queryHandler implements the server side of the four KRPC verbs. Every
// reply echoes the query's transaction ID; responses also carry the local
// node ID, error replies do not.
type queryHandler struct {
	d *DHT
}

func (h *queryHandler) handle(m *Message) {
	senderID, ok := m.SenderID()
	if !ok {
		h.d.engine.sendError(m.T, m.Addr, errProtocol, "invalid node id")
		return
	}

	// Every valid query teaches us about its sender.
	h.d.observe(senderID, m.Addr)

	metricQueriesIn.WithLabelValues(string(m.Q)).Inc()

	switch m.Q {
	case methodPing:
		h.ping(m)
	case methodFindNode:
		h.findNode(m)
	case methodGetPeers:
		h.getPeers(m)
	case methodAnnouncePeer:
		h.announcePeer(m)
	default:
		h.d.engine.sendError(m.T, m.Addr, errMethodUnknown,
			"unexpected query type "+string(m.Q))
	}
}

func (h *queryHandler) ping(m *Message) {
	h.d.engine.sendResponse(newResponse(m.T, h.d.localID), m.Addr)
}

func (h *queryHandler) findNode(m *Message) {
	target, ok := m.Target()
	if !ok {
		h.d.engine.sendError(m.T, m.Addr, errProtocol, "missing target")
		return
	}

	// An exact hit answers with that single contact.
	var contacts []*Contact
	if exact := h.d.table.Get(target); exact != nil {
		contacts = []*Contact{exact}
	} else {
		contacts = h.d.table.Closest(target, K)
	}

	resp := newResponse(m.T, h.d.localID)
	resp.R["nodes"] = string(CompactNodes(contacts))
	h.d.engine.sendResponse(resp, m.Addr)
}

func (h *queryHandler) getPeers(m *Message) {
	infoHash, ok := m.InfoHash()
	if !ok {
		h.d.engine.sendError(m.T, m.Addr, errProtocol, "missing info_hash")
		return
	}

	resp := newResponse(m.T, h.d.localID)
	resp.R["token"] = h.d.tokens.Issue(m.Addr.IP)

	if peers := h.d.store.Get(infoHash); len(peers) > 0 {
		values := make([]any, len(peers))
		for i, p := range peers {
			values[i] = string(p[:])
		}
		resp.R["values"] = values
	} else {
		resp.R["nodes"] = string(CompactNodes(h.d.table.Closest(infoHash, K)))
	}
	h.d.engine.sendResponse(resp, m.Addr)
}

func (h *queryHandler) announcePeer(m *Message) {
	infoHash, ok := m.InfoHash()
	if !ok {
		h.d.engine.sendError(m.T, m.Addr, errProtocol, "missing info_hash")
		return
	}

	token, ok := m.Token()
	if !ok || !h.d.tokens.Verify(token, m.Addr.IP) {
		h.d.engine.sendError(m.T, m.Addr, errProtocol,
			"cannot announce_peer with bad token")
		return
	}

	// The sender advertises the UDP source port when implied_port is
	// set, its stated port otherwise.
	port := m.Addr.Port
	if !m.ImpliedPort() {
		stated, ok := m.Port()
		if !ok || stated <= 0 || stated >= 65535 {
			h.d.engine.sendError(m.T, m.Addr, errProtocol, "invalid port")
			return
		}
		port = stated
	}

	entry, ok := NewPeerEntry(m.Addr.IP, uint16(port))
	if !ok {
		h.d.engine.sendError(m.T, m.Addr, errProtocol, "invalid address")
		return
	}

	if h.d.store.Add(infoHash, entry) {
		metricPeerStoreSize.Set(float64(h.d.store.Count()))
		h.d.emit(PeerEvent{InfoHash: infoHash, Addr: entry.Addr()})
	}
	h.d.engine.sendResponse(newResponse(m.T, h.d.localID), m.Addr)
}
