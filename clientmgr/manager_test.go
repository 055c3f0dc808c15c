package clientmgr

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kelgrim/bichannel/bufpool"
	"github.com/kelgrim/bichannel/dispatch"
)

type fakeConn struct {
	mu             sync.Mutex
	disconnected   bool
	disposed       bool
	strikes        int
	maxStrikes     int
	client         *Client
	startListening atomic.Bool
}

func newFakeConn(maxStrikes int) *fakeConn { return &fakeConn{maxStrikes: maxStrikes} }

func (c *fakeConn) Disconnect() bool {
	return c.disconnect()
}
func (c *fakeConn) DisconnectWithReason(reason DisconnectReason) bool {
	return c.disconnect()
}
func (c *fakeConn) disconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return false
	}
	c.disconnected = true
	return true
}
func (c *fakeConn) Dispose() { c.mu.Lock(); c.disposed = true; c.mu.Unlock() }
func (c *fakeConn) SendReliable(buf *bufpool.MessageBuffer) bool {
	buf.Release()
	return !c.disconnected
}
func (c *fakeConn) SendUnreliable(buf *bufpool.MessageBuffer) bool {
	buf.Release()
	return !c.disconnected
}
func (c *fakeConn) RemoteReliableEndpoint() net.Addr   { return nil }
func (c *fakeConn) RemoteUnreliableEndpoint() net.Addr { return nil }
func (c *fakeConn) StartListening()                    { c.startListening.Store(true) }
func (c *fakeConn) SetClient(cl *Client)                { c.client = cl }
func (c *fakeConn) AddStrike(weight int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes += weight
	return c.strikes
}
func (c *fakeConn) MaxStrikes() int { return c.maxStrikes }

func TestHandleNewConnectionCallsStartListeningAfterHandlerSucceeds(t *testing.T) {
	d := dispatch.New(16)
	defer d.Close()

	connected := make(chan struct{})
	m := New(d, nil, Handlers{
		ClientConnected: func(ctx context.Context, c *Client) error {
			close(connected)
			return nil
		},
	})

	conn := newFakeConn(3)
	m.HandleNewConnection(conn)

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("ClientConnected handler never ran")
	}

	deadline := time.After(time.Second)
	for !conn.startListening.Load() {
		select {
		case <-deadline:
			t.Fatal("StartListening was never called")
		default:
		}
	}

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
}

func TestHandleNewConnectionDropsClientOnHandlerFailure(t *testing.T) {
	d := dispatch.New(16)
	defer d.Close()

	done := make(chan struct{})
	m := New(d, nil, Handlers{
		ClientConnected: func(ctx context.Context, c *Client) error {
			defer close(done)
			return errors.New("boom")
		},
	})

	conn := newFakeConn(3)
	m.HandleNewConnection(conn)

	<-done
	// Give the dispatcher a moment to finish the panic-recovery path.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Count() == 0 {
			break
		}
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 after handler failure", m.Count())
	}
	if conn.startListening.Load() {
		t.Fatal("StartListening must not run when ClientConnected failed")
	}
}

func TestHandleNewConnectionStartsListeningImmediatelyWithoutHandler(t *testing.T) {
	d := dispatch.New(16)
	defer d.Close()
	m := New(d, nil, Handlers{})

	conn := newFakeConn(3)
	m.HandleNewConnection(conn)

	if !conn.startListening.Load() {
		t.Fatal("StartListening should run immediately when no ClientConnected handler is registered")
	}
}

func TestHandleDisconnectionIsIdempotentUnderRace(t *testing.T) {
	d := dispatch.New(16)
	defer d.Close()

	var fired atomic.Int32
	m := New(d, nil, Handlers{
		ClientDisconnected: func(ctx context.Context, c *Client, localDisconnect bool, reason DisconnectReason, socketErr, exception error) error {
			fired.Add(1)
			return nil
		},
	})

	conn := newFakeConn(3)
	m.HandleNewConnection(conn)
	client, _ := m.Get(conn.client.ID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.HandleDisconnection(client, true, ReasonSuccess, nil, nil) }()
	go func() { defer wg.Done(); m.HandleDisconnection(client, false, ReasonOperationAborted, nil, nil) }()
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("ClientDisconnected fired %d times, want exactly 1", got)
	}
	if got := m.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0 after disconnection", got)
	}
}

func TestStrikeDisconnectsAtCeiling(t *testing.T) {
	conn := newFakeConn(3)
	client := &Client{ID: 1, Conn: conn}

	client.Strike("malformed_frame", 10)

	if !conn.disconnected {
		t.Fatal("a single strike of weight 10 against MaxStrikes=3 must disconnect immediately")
	}
}

func TestStrikeAccumulatesBelowCeiling(t *testing.T) {
	conn := newFakeConn(3)
	client := &Client{ID: 1, Conn: conn}

	client.Strike("minor", 1)
	client.Strike("minor", 1)
	if conn.disconnected {
		t.Fatal("two weight-1 strikes against MaxStrikes=3 must not disconnect yet")
	}
	client.Strike("minor", 1)
	if !conn.disconnected {
		t.Fatal("three weight-1 strikes against MaxStrikes=3 must disconnect")
	}
}
