package bilistener

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	bichannel "github.com/kelgrim/bichannel"
	"github.com/kelgrim/bichannel/bufpool"
	"github.com/kelgrim/bichannel/clientmgr"
	"github.com/kelgrim/bichannel/conn"
	"github.com/kelgrim/bichannel/internal/config"
	"github.com/kelgrim/bichannel/internal/netutil"
	"github.com/kelgrim/bichannel/metrics"
)

// udpDatagramSize is large enough for any single UDP payload this layer
// accepts; datagrams larger than this are the sender's problem per spec.md
// §4.1 ("datagrams exceeding the MTU are the sender's problem").
const udpDatagramSize = 2048

// pendingHandshake is a Connection that has completed the TCP accept and
// AuthToken write but has not yet received a matching UDP datagram
// (spec.md §4.2 "Unreliable handshake").
type pendingHandshake struct {
	conn  *conn.ServerConnection
	timer *time.Timer
}

// Listener is the bichannel listener of spec.md §3 "Listener": one TCP
// acceptor and one UDP receiver bound to the same address/port, a
// AuthToken -> pendingConnection map, and an unreliableEndpoint ->
// Connection route table.
type Listener struct {
	cfg  config.Config
	mgr  *clientmgr.Manager
	pool *bufpool.Pool
	sink metrics.Sink

	tcpListener *net.TCPListener
	udpConn     *net.UDPConn

	pendingMu sync.Mutex
	pending   map[uint64]*pendingHandshake

	routeMu         sync.RWMutex
	route           map[string]*conn.ServerConnection
	routeKeyByToken map[uint64]string

	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// New constructs a Listener. cfg is consulted for the bind address/port,
// the per-connection policy knobs it passes through to every accepted
// conn.ServerConnection, and the socket-tuning knobs (ReusePort,
// UDPRecvBufSize, UDPSendBufSize). sink may be nil (metrics.Noop() is
// substituted).
func New(cfg config.Config, mgr *clientmgr.Manager, sink metrics.Sink) *Listener {
	cfg = cfg.WithDefaults()
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Listener{
		cfg:             cfg,
		mgr:             mgr,
		pool:            bufpool.New(int(cfg.MaxReliableBodyLength), sink),
		sink:            sink,
		pending:         make(map[uint64]*pendingHandshake),
		route:           make(map[string]*conn.ServerConnection),
		routeKeyByToken: make(map[uint64]string),
		closing:         make(chan struct{}),
	}
}

// Start binds the reliable acceptor and the unreliable receiver to the
// configured address/port (spec.md §4.2 "Bind") and starts the accept and
// datagram-receive loops. Failure to bind either socket is wrapped and
// returned as bichannel.ErrBindFailed.
func (l *Listener) Start(ctx context.Context) error {
	addr := net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port))

	lc := net.ListenConfig{Control: l.controlReuse}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(bichannel.ErrBindFailed, "reliable acceptor on %s: %v", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errors.Wrapf(bichannel.ErrBindFailed, "unexpected listener type %T", ln)
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		tcpLn.Close()
		return errors.Wrapf(bichannel.ErrBindFailed, "unreliable receiver on %s: %v", addr, err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		tcpLn.Close()
		pc.Close()
		return errors.Wrapf(bichannel.ErrBindFailed, "unexpected packet conn type %T", pc)
	}
	l.tuneUDPBuffers(udpConn)

	l.tcpListener = tcpLn
	l.udpConn = udpConn

	l.wg.Add(2)
	go l.acceptLoop()
	go l.receiveUDPLoop()

	bichannel.Log.WithField("addr", addr).Info("bichannel listener started")
	return nil
}

// controlReuse is the net.ListenConfig.Control hook that applies
// SO_REUSEPORT/SO_REUSEADDR when cfg.ReusePort is set, grounded on
// LeGamerDc-gio/server/listener_unix.go's openListener (which sets the
// same two socket options directly on a hand-rolled unix.Socket); this
// uses the portable net.ListenConfig.Control hook instead of constructing
// the socket by hand.
func (l *Listener) controlReuse(network, address string, c syscall.RawConn) error {
	if !l.cfg.ReusePort {
		return nil
	}
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		if e := netutil.SetReusePort(int(fd), true); e != nil {
			ctlErr = e
			return
		}
		if e := netutil.SetReuseAddr(int(fd), true); e != nil {
			ctlErr = e
		}
	})
	if err != nil {
		return err
	}
	return ctlErr
}

func (l *Listener) tuneUDPBuffers(c *net.UDPConn) {
	if l.cfg.UDPRecvBufSize <= 0 && l.cfg.UDPSendBufSize <= 0 {
		return
	}
	rc, err := c.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Control(func(fd uintptr) {
		if l.cfg.UDPRecvBufSize > 0 {
			_ = netutil.SetRecvBuf(int(fd), l.cfg.UDPRecvBufSize)
		}
		if l.cfg.UDPSendBufSize > 0 {
			_ = netutil.SetSendBuf(int(fd), l.cfg.UDPSendBufSize)
		}
	})
}

// Stop implements spec.md §4.2 "Shutdown": close the acceptor first
// (refuse new sessions), then locally disconnect every registered
// Connection, then close the unreliable socket.
func (l *Listener) Stop(ctx context.Context) error {
	l.once.Do(func() { close(l.closing) })

	if l.tcpListener != nil {
		_ = l.tcpListener.Close()
	}

	l.routeMu.RLock()
	conns := make([]*conn.ServerConnection, 0, len(l.route))
	for _, c := range l.route {
		conns = append(conns, c)
	}
	l.routeMu.RUnlock()
	for _, c := range conns {
		c.Disconnect()
	}

	// Pending connections are collected under pendingMu and disposed after
	// it is released: Dispose runs the unregisterRoute callback, which
	// takes pendingMu itself.
	l.pendingMu.Lock()
	pending := make([]*pendingHandshake, 0, len(l.pending))
	for token, p := range l.pending {
		p.timer.Stop()
		pending = append(pending, p)
		delete(l.pending, token)
	}
	l.pendingMu.Unlock()
	for _, p := range pending {
		p.conn.Dispose()
	}

	if l.udpConn != nil {
		_ = l.udpConn.Close()
	}

	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// SendTo implements conn.UnreliableSender: the single UDP socket shared by
// every connection (spec.md §3 "Listener").
func (l *Listener) SendTo(addr net.Addr, buf *bufpool.MessageBuffer) bool {
	defer buf.Release()
	if l.udpConn == nil {
		return false
	}
	n, err := l.udpConn.WriteTo(buf.Bytes(), addr)
	if err != nil {
		return false
	}
	l.sink.AddCounter("bytes_sent", float64(n), map[string]string{"protocol": "udp"})
	return true
}

func newAuthToken() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
