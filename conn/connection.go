// Package conn implements the per-session state machine of spec.md §4.3:
// the reliable-channel receive/send loop, the unreliable-channel send
// path, disconnect/disposal, and strike accounting. It is the "D" server
// connection component.
//
// The goroutine-per-connection, blocking-read style is grounded on
// LeGamerDc-gio/client/client.go's Dial + readLoop pattern (a single
// goroutine doing blocking net.Conn.Read calls, delivering parsed frames
// to a handler) rather than the teacher's platform-specific raw-epoll
// server/ package: that keeps the session state machine portable across
// OSes without sacrificing the §5 concurrency contract, which only
// requires that I/O callbacks may run on any executor goroutine and that
// suspension happens only at I/O boundaries — both hold for a blocking
// read loop running on its own goroutine.
package conn

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/kelgrim/bichannel/bufpool"
	"github.com/kelgrim/bichannel/clientmgr"
	"github.com/kelgrim/bichannel/metrics"
)

// state is the one-way state machine of spec.md §4.3:
// handshaking -> listening -> disconnecting -> closed.
type state int32

const (
	stateHandshaking state = iota
	stateListening
	stateDisconnecting
	stateClosed
)

// UnreliableSender abstracts the listener's UDP socket so ServerConnection
// doesn't need to own it (the listener owns exactly one UDP socket shared
// by every connection, per spec.md §3 "Listener").
type UnreliableSender interface {
	SendTo(addr net.Addr, buf *bufpool.MessageBuffer) bool
}

// Config carries the subset of spec.md §6 recognized keys that govern a
// single connection's behavior.
type Config struct {
	NoDelay               bool
	PreserveOrdering      bool
	MaxReliableBodyLength uint32
	MaxStrikes            int
}

// ServerConnection is the per-session state machine (spec.md §3
// "Connection", §4.3). It implements clientmgr.Connection.
type ServerConnection struct {
	tcp  *net.TCPConn
	cfg  Config
	pool *bufpool.Pool
	sink metrics.Sink
	mgr  *clientmgr.Manager
	udp  UnreliableSender

	authToken uint64

	remoteUnreliable atomic.Value // net.Addr, set exactly once during handshake

	canSend     atomic.Bool
	isListening atomic.Bool
	st          atomic.Int32

	strikes atomic.Int64

	client *clientmgr.Client

	disconnectMu    sync.Mutex // serializes the disconnect side effects below
	unregisterRoute func()
}

// New constructs a ServerConnection around an accepted TCP socket. It does
// not start the receive loop; StartListening does that, per spec.md §4.4
// step 5 (listening begins only after ClientConnected's continuation, or
// immediately if no handler is registered).
func New(tcp *net.TCPConn, authToken uint64, cfg Config, pool *bufpool.Pool, sink metrics.Sink, mgr *clientmgr.Manager, udp UnreliableSender, unregisterRoute func()) *ServerConnection {
	if sink == nil {
		sink = metrics.Noop()
	}
	c := &ServerConnection{
		tcp:             tcp,
		cfg:             cfg,
		pool:            pool,
		sink:            sink,
		mgr:             mgr,
		udp:             udp,
		authToken:       authToken,
		unregisterRoute: unregisterRoute,
	}
	c.st.Store(int32(stateHandshaking))
	c.canSend.Store(true)
	_ = tcp.SetNoDelay(cfg.NoDelay)
	return c
}

// AuthToken returns the 64-bit nonce issued on accept (spec.md §4.2).
func (c *ServerConnection) AuthToken() uint64 { return c.authToken }

// CompleteHandshake records the datagram source endpoint as the
// connection's remote unreliable endpoint (spec.md §4.2 "Unreliable
// handshake"). It must be called at most once; the endpoint is immutable
// thereafter (spec.md §3 invariant).
func (c *ServerConnection) CompleteHandshake(addr net.Addr) {
	c.remoteUnreliable.Store(addr)
}

func (c *ServerConnection) SetClient(client *clientmgr.Client) { c.client = client }

// Client returns the Client bound to this Connection, or nil if admission
// hasn't published one yet (spec.md §4.4 step 3).
func (c *ServerConnection) Client() *clientmgr.Client { return c.client }

func (c *ServerConnection) MaxStrikes() int { return c.cfg.MaxStrikes }

func (c *ServerConnection) AddStrike(weight int) int {
	return int(c.strikes.Add(int64(weight)))
}

func (c *ServerConnection) RemoteReliableEndpoint() net.Addr {
	return c.tcp.RemoteAddr()
}

func (c *ServerConnection) RemoteUnreliableEndpoint() net.Addr {
	if v := c.remoteUnreliable.Load(); v != nil {
		return v.(net.Addr)
	}
	return nil
}

// StartListening transitions to the listening state and begins the
// reliable receive loop on a new goroutine (spec.md §4.3, §4.4 step 5).
// It does nothing unless the connection is still in the handshaking state,
// so a connection that was already torn down is never moved back.
func (c *ServerConnection) StartListening() {
	if !c.st.CompareAndSwap(int32(stateHandshaking), int32(stateListening)) {
		return
	}
	c.isListening.Store(true)
	go c.receiveLoop()
}

// Disconnect implements the extension-facing operation of spec.md §6 and
// the local-disconnect path of spec.md §4.3: it is idempotent past the
// first successful call (spec.md §8 property 8).
func (c *ServerConnection) Disconnect() bool {
	return c.teardown(true, clientmgr.ReasonSuccess, nil, nil)
}

// DisconnectWithReason is the internal teardown path used when the
// session ends for a reason other than an extension-initiated local
// disconnect, most notably the strike ledger reaching its ceiling
// (spec.md §4.4 "Strike"). Unlike Disconnect, it is not itself a "local"
// disconnect from the extension's point of view.
func (c *ServerConnection) DisconnectWithReason(reason clientmgr.DisconnectReason) bool {
	return c.teardown(false, reason, nil, nil)
}

// teardown is the single path by which canSend transitions to false,
// whether triggered by an extension calling Disconnect(), a transport
// error observed in the receive/send loops, or the strike ledger reaching
// its ceiling. It is the only place that CASes canSend, which is what
// makes spec.md §8 property 8 and property 2 (canSend observed
// true...true false...false) hold.
func (c *ServerConnection) teardown(localDisconnect bool, reason clientmgr.DisconnectReason, socketErr error, exception error) bool {
	if !c.canSend.CompareAndSwap(true, false) {
		return false
	}
	c.isListening.Store(false)
	c.st.Store(int32(stateDisconnecting))

	// Shut down both directions, swallowing "already shut down" — the
	// socket may already be in a half- or fully-closed state if the peer
	// initiated the teardown (spec.md §4.3 "Disconnect").
	_ = c.tcp.Close()

	c.disconnectMu.Lock()
	if c.unregisterRoute != nil {
		c.unregisterRoute()
		c.unregisterRoute = nil
	}
	c.disconnectMu.Unlock()

	c.st.Store(int32(stateClosed))

	if c.client != nil && c.mgr != nil {
		c.mgr.HandleDisconnection(c.client, localDisconnect, reason, socketErr, exception)
	}
	return true
}

// Dispose implements spec.md §4.3 "Disposal": a Connection still listening
// or still able to send is first torn down, then its socket is closed
// (teardown already closes the socket, so Dispose is safe to call whether
// or not teardown already ran).
func (c *ServerConnection) Dispose() {
	if c.isListening.Load() || c.canSend.Load() {
		c.teardown(true, clientmgr.ReasonSuccess, nil, nil)
	}
	_ = c.tcp.Close()
}
