package dht

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/burrowdht/burrow/pkg/bencode"
)

// engine owns the UDP socket. It serializes and sends outbound messages,
// decodes inbound datagrams, and routes them to the query handler or the
// transaction registry. Nothing else touches the socket.
type engine struct {
	logger *slog.Logger
	conn   *net.UDPConn
	tx     *txRegistry

	handleQuery func(*Message)
	warn        func(error)

	done chan struct{}
	wg   sync.WaitGroup
}

func newEngine(logger *slog.Logger, timeout time.Duration, done chan struct{}) *engine {
	return &engine{
		logger: logger,
		tx:     newTxRegistry(timeout),
		done:   done,
	}
}

// listen binds the socket on port (0 picks an ephemeral one) and starts
// the read loop.
func (e *engine) listen(port int) (int, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return 0, fmt.Errorf("dht: bind udp: %w", err)
	}
	e.conn = conn

	e.wg.Add(1)
	go e.readLoop()

	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// close shuts the socket and abandons all pending transactions. Blocks
// until the read loop exits.
func (e *engine) close() {
	e.tx.Destroy()
	if e.conn != nil {
		e.conn.Close()
	}
	e.wg.Wait()
}

func (e *engine) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-e.done:
			return
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Error("udp read failed", "error", err)
			continue
		}

		metricPacketsIn.Inc()

		v, err := bencode.Unmarshal(buf[:n])
		if err != nil {
			// Untrusted sender, malformed payload: drop.
			e.logger.Debug("dropping malformed datagram", "from", addr, "error", err)
			continue
		}

		msg := messageFromDict(v, addr)
		if msg == nil {
			e.logger.Debug("dropping non-KRPC dictionary", "from", addr)
			continue
		}
		e.dispatch(msg)
	}
}

func (e *engine) dispatch(m *Message) {
	switch m.Y {
	case kindQuery:
		e.handleQuery(m)

	case kindResponse:
		if tid, ok := decodeTID(m.T); ok {
			if e.tx.Resolve(endpointOf(m.Addr), tid, m) {
				return
			}
		}
		// A response nobody asked for; tell the sender so it can clear
		// its own state.
		e.sendError(m.T, m.Addr, errGeneric, "unexpected message")

	case kindError:
		if tid, ok := decodeTID(m.T); ok {
			if e.tx.Resolve(endpointOf(m.Addr), tid, m) {
				return
			}
		}
		e.warn(fmt.Errorf("dht: unsolicited error reply from %v: %v", m.Addr, m.E))

	default:
		e.warn(fmt.Errorf("dht: unknown message kind %q from %v", m.Y, m.Addr))
	}
}

// query sends msg to addr and blocks until the response, the error reply,
// the timeout, or shutdown. The returned message may have Y == "e"; the
// caller decides whether that matters.
func (e *engine) query(msg *Message, addr *net.UDPAddr) (*Message, error) {
	type outcome struct {
		m   *Message
		err error
	}
	ch := make(chan outcome, 1)

	tid, err := e.tx.Register(endpointOf(addr), func(m *Message, err error) {
		ch <- outcome{m: m, err: err}
	})
	if err != nil {
		return nil, err
	}
	msg.T = encodeTID(tid)

	if err := e.send(msg, addr); err != nil {
		// Swallowed: the remote simply never replies and the
		// transaction times out like any lost datagram.
		e.logger.Debug("udp send failed", "to", addr, "error", err)
	}

	select {
	case out := <-ch:
		if errors.Is(out.err, ErrTimeout) {
			metricTimeouts.Inc()
		}
		return out.m, out.err
	case <-e.done:
		return nil, ErrStopped
	}
}

func (e *engine) sendResponse(m *Message, addr *net.UDPAddr) {
	if err := e.send(m, addr); err != nil {
		e.logger.Debug("udp send failed", "to", addr, "error", err)
	}
}

func (e *engine) sendError(tid string, addr *net.UDPAddr, code int, text string) {
	metricErrorsOut.Inc()
	if err := e.send(newError(tid, code, text), addr); err != nil {
		e.logger.Debug("udp send failed", "to", addr, "error", err)
	}
}

func (e *engine) send(m *Message, addr *net.UDPAddr) error {
	if addr.Port <= 0 || addr.Port >= 65535 {
		return nil
	}

	data, err := bencode.Marshal(m.wireDict())
	if err != nil {
		return err
	}

	metricPacketsOut.Inc()
	_, err = e.conn.WriteToUDP(data, addr)
	return err
}
