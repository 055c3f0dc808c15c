package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kelgrim/bichannel/bufpool"
	"github.com/kelgrim/bichannel/clientmgr"
	"github.com/kelgrim/bichannel/dispatch"
	"github.com/kelgrim/bichannel/frame"
	"github.com/kelgrim/bichannel/metrics"
)

// loopbackPair mirrors dcrodman-archon/internal/core/client/client_test.go's
// newTestListener/newTestConnection helpers: a real TCP listener and a real
// dialed connection, no mocked sockets.
func loopbackPair(t *testing.T) (server *net.TCPConn, client *net.TCPConn) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.AcceptTCP()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	dialed, err := net.DialTCP("tcp", nil, ln.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	return server, dialed
}

func newTestConn(t *testing.T, tcp *net.TCPConn, mgr *clientmgr.Manager, preserveOrdering bool) *ServerConnection {
	t.Helper()
	pool := bufpool.New(4096, metrics.Noop())
	cfg := Config{
		PreserveOrdering:      preserveOrdering,
		MaxReliableBodyLength: frame.DefaultMaxReliableBodyLength,
		MaxStrikes:            3,
	}
	return New(tcp, 0x1122334455667788, cfg, pool, metrics.Noop(), mgr, nil, func() {})
}

func writeFrame(t *testing.T, w *net.TCPConn, body []byte) {
	t.Helper()
	hdr := make([]byte, frame.HeaderLen)
	frame.EncodeHeader(hdr, len(body))
	if _, err := w.Write(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
}

func TestPreserveOrderingDeliversInWireOrder(t *testing.T) {
	server, client := loopbackPair(t)
	defer client.Close()

	d := dispatch.New(16)
	defer d.Close()

	delivered := make(chan string, 3)
	mgr := clientmgr.New(d, nil, clientmgr.Handlers{
		ThreadSafe: true, // run MessageReceived directly so ordering isn't reshuffled by dispatcher scheduling nondeterminism in the test
		MessageReceived: func(ctx context.Context, c *clientmgr.Client, buf *bufpool.MessageBuffer, mode clientmgr.Mode) {
			delivered <- string(buf.Bytes())
			buf.Release()
		},
	})

	sc := newTestConn(t, server, mgr, true)
	mgr.HandleNewConnection(sc)

	writeFrame(t, client, []byte("A"))
	writeFrame(t, client, []byte("B"))
	writeFrame(t, client, []byte("C"))

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case s := <-delivered:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	want := []string{"A", "B", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestMalformedFrameStrikesAndDisconnects(t *testing.T) {
	server, client := loopbackPair(t)
	defer client.Close()

	d := dispatch.New(16)
	defer d.Close()

	disconnected := make(chan clientmgr.DisconnectReason, 1)
	mgr := clientmgr.New(d, nil, clientmgr.Handlers{
		ClientDisconnected: func(ctx context.Context, c *clientmgr.Client, localDisconnect bool, reason clientmgr.DisconnectReason, socketErr, exception error) error {
			disconnected <- reason
			return nil
		},
	})

	sc := newTestConn(t, server, mgr, true)
	mgr.HandleNewConnection(sc)

	// Declared length at the configured maximum: malformed per spec.md §4.1.
	hdr := make([]byte, frame.HeaderLen)
	frame.EncodeHeader(hdr, int(frame.DefaultMaxReliableBodyLength))
	if _, err := client.Write(hdr); err != nil {
		t.Fatalf("write malformed header: %v", err)
	}

	select {
	case reason := <-disconnected:
		if reason != clientmgr.ReasonStrikeLimit {
			t.Fatalf("reason = %v, want strike_limit", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never disconnected after a malformed frame")
	}

	if sc.Disconnect() {
		t.Fatal("Disconnect() must return false once already torn down")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	server, client := loopbackPair(t)
	defer client.Close()

	d := dispatch.New(16)
	defer d.Close()
	mgr := clientmgr.New(d, nil, clientmgr.Handlers{})

	sc := newTestConn(t, server, mgr, true)
	mgr.HandleNewConnection(sc)

	if !sc.Disconnect() {
		t.Fatal("first Disconnect() call should return true")
	}
	if sc.Disconnect() {
		t.Fatal("second Disconnect() call should return false")
	}

	buf := bufpool.New(16, metrics.Noop()).Acquire(1)
	if sc.SendReliable(buf) {
		t.Fatal("SendReliable must fail once canSend is false")
	}
}
