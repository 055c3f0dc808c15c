package bilistener

import (
	"encoding/binary"
	"net"

	bichannel "github.com/kelgrim/bichannel"
	"github.com/kelgrim/bichannel/clientmgr"
	"github.com/kelgrim/bichannel/conn"
)

// receiveUDPLoop implements spec.md §4.2 "Unreliable handshake" and the
// subsequent endpoint-routed delivery: the first 8-byte datagram from an
// endpoint completes a pending handshake; every later datagram is looked
// up by source endpoint and dropped silently if unknown.
func (l *Listener) receiveUDPLoop() {
	defer l.wg.Done()
	buf := make([]byte, udpDatagramSize)
	for {
		n, addr, err := l.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closing:
			default:
				bichannel.Log.WithError(err).Warn("unreliable receive failed; stopping datagram loop")
			}
			return
		}
		l.handleDatagram(addr, buf[:n])
	}
}

func (l *Listener) handleDatagram(addr net.Addr, payload []byte) {
	key := addr.String()

	l.routeMu.RLock()
	c, routed := l.route[key]
	l.routeMu.RUnlock()

	if routed {
		l.deliverUnreliable(c, payload)
		return
	}

	if len(payload) == 8 {
		token := binary.BigEndian.Uint64(payload)
		if l.completeHandshake(token, addr, key) {
			// The handshake datagram itself is never delivered as an
			// application payload (spec.md §4.2).
			return
		}
	}
	// Unknown token or unknown endpoint: silently drop (spec.md §4.2 "do
	// not leak whether the token is in use"; §9 Open Question: no per-
	// datagram logging, aggregate only).
	l.sink.IncCounter("unreliable_unauthenticated_datagrams_dropped", nil)
}

func (l *Listener) completeHandshake(token uint64, addr net.Addr, key string) bool {
	l.pendingMu.Lock()
	entry, ok := l.pending[token]
	if ok {
		entry.timer.Stop()
		delete(l.pending, token)
	}
	l.pendingMu.Unlock()
	if !ok {
		return false
	}

	entry.conn.CompleteHandshake(addr)

	l.routeMu.Lock()
	l.route[key] = entry.conn
	l.routeKeyByToken[token] = key
	l.routeMu.Unlock()

	l.mgr.HandleNewConnection(entry.conn)
	return true
}

func (l *Listener) deliverUnreliable(c *conn.ServerConnection, payload []byte) {
	client := c.Client()
	if client == nil {
		// The Connection is routed but admission hasn't published its
		// Client yet; this datagram races ClientConnected and is dropped.
		return
	}
	buf := l.pool.Acquire(len(payload))
	copy(buf.Bytes(), payload)
	l.sink.AddCounter("bytes_received", float64(len(payload)), map[string]string{"protocol": "udp"})
	l.mgr.DeliverMessage(client, buf, clientmgr.Unreliable)
}
