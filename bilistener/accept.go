package bilistener

import (
	"encoding/binary"
	"net"
	"time"

	bichannel "github.com/kelgrim/bichannel"
	connpkg "github.com/kelgrim/bichannel/conn"
)

// acceptLoop implements spec.md §4.2 "Reliable accept": for every accepted
// socket, mint a fresh AuthToken, write it as the unprefixed first frame,
// and register the Connection under pending[AuthToken].
//
// Spawning a goroutine per accepted connection and looping straight back
// to Accept mirrors LeGamerDc-gio/server's acceptAllShard, adapted from its
// nonblocking-epoll accept to net.Listener.Accept's blocking form.
func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		tcp, err := l.tcpListener.AcceptTCP()
		if err != nil {
			select {
			case <-l.closing:
			default:
				bichannel.Log.WithError(err).Warn("reliable accept failed; stopping accept loop")
			}
			return
		}
		go l.admitTCP(tcp)
	}
}

func (l *Listener) admitTCP(tcp *net.TCPConn) {
	token, err := newAuthToken()
	if err != nil {
		bichannel.Log.WithError(err).Warn("failed to mint an AuthToken; dropping accepted connection")
		_ = tcp.Close()
		return
	}

	var tokenBytes [8]byte
	binary.BigEndian.PutUint64(tokenBytes[:], token)
	if _, err := tcp.Write(tokenBytes[:]); err != nil {
		_ = tcp.Close()
		return
	}

	cfg := connpkg.Config{
		NoDelay:               l.cfg.NoDelay,
		PreserveOrdering:      l.cfg.PreserveOrdering,
		MaxReliableBodyLength: l.cfg.MaxReliableBodyLength,
		MaxStrikes:            l.cfg.MaxStrikes,
	}
	sc := connpkg.New(tcp, token, cfg, l.pool, l.sink, l.mgr, l, func() { l.unregisterRoute(token) })

	entry := &pendingHandshake{conn: sc}
	entry.timer = time.AfterFunc(l.cfg.HandshakeTimeout, func() {
		l.expirePending(token)
	})

	l.pendingMu.Lock()
	l.pending[token] = entry
	l.pendingMu.Unlock()
}

// expirePending disposes a Connection whose UDP handshake never arrived
// within HandshakeTimeout, so abandoned TCP connects don't grow the
// pending map without bound.
func (l *Listener) expirePending(token uint64) {
	l.pendingMu.Lock()
	entry, ok := l.pending[token]
	if ok {
		delete(l.pending, token)
	}
	l.pendingMu.Unlock()
	if ok {
		entry.conn.Dispose()
	}
}

// unregisterRoute removes token's pending entry (if still pending, e.g.
// the TCP side errored before the handshake completed) and any route-table
// entry the Connection may have published, passed to conn.New as the
// unregisterRoute callback invoked from inside teardown.
func (l *Listener) unregisterRoute(token uint64) {
	l.pendingMu.Lock()
	if entry, ok := l.pending[token]; ok {
		entry.timer.Stop()
		delete(l.pending, token)
	}
	l.pendingMu.Unlock()

	l.routeMu.Lock()
	if key, ok := l.routeKeyByToken[token]; ok {
		delete(l.route, key)
		delete(l.routeKeyByToken, token)
	}
	l.routeMu.Unlock()
}
