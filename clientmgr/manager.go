package clientmgr

import (
	"context"

	"github.com/kelgrim/bichannel/bufpool"
	"github.com/kelgrim/bichannel/dispatch"
	"github.com/kelgrim/bichannel/metrics"
)

// Mode distinguishes which channel a MessageReceived event arrived on
// (spec.md §6).
type Mode int

const (
	Reliable Mode = iota
	Unreliable
)

func (m Mode) String() string {
	if m == Reliable {
		return "reliable"
	}
	return "unreliable"
}

// ClientConnectedHandler is invoked once a Connection completes admission
// (spec.md §4.4 step 5). Returning a non-nil error is equivalent to the
// source's "the ClientConnected handler itself raised an error": the
// Client is dropped (never admitted from the extensions' perspective) and
// StartListening is never called.
type ClientConnectedHandler func(ctx context.Context, c *Client) error

// ClientDisconnectedHandler is invoked on disconnection (spec.md §4.4
// "Disconnection" step 3). Its continuation (the finalize step that
// disposes the Connection) always runs, even if this handler returns an
// error.
type ClientDisconnectedHandler func(ctx context.Context, c *Client, localDisconnect bool, reason DisconnectReason, socketErr error, exception error) error

// MessageReceivedHandler is invoked for every payload delivered on either
// channel (spec.md §6). buf must be released by the handler exactly once.
type MessageReceivedHandler func(ctx context.Context, c *Client, buf *bufpool.MessageBuffer, mode Mode)

// Handlers bundles the extension callbacks the manager dispatches.
// ThreadSafe mirrors spec.md §5: when true, callbacks run directly on the
// calling (I/O) goroutine instead of being serialized onto the dispatcher.
type Handlers struct {
	ThreadSafe         bool
	ClientConnected    ClientConnectedHandler
	ClientDisconnected ClientDisconnectedHandler
	MessageReceived    MessageReceivedHandler
}

// Manager is the client manager of spec.md §4.4: ID allocation, the
// connection table, and dispatch of connect/disconnect/message events.
type Manager struct {
	table      *clientTable
	dispatcher *dispatch.Dispatcher
	sink       metrics.Sink
	handlers   Handlers
}

// New constructs a Manager. dispatcher must be non-nil; sink may be nil
// (metrics.Noop() is substituted).
func New(dispatcher *dispatch.Dispatcher, sink metrics.Sink, handlers Handlers) *Manager {
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Manager{
		table:      newClientTable(),
		dispatcher: dispatcher,
		sink:       sink,
		handlers:   handlers,
	}
}

func (m *Manager) updateGauge() {
	m.sink.SetGauge("clients_connected", float64(m.table.populatedCount()), nil)
}

// Get returns the populated Client for id, if connected.
func (m *Manager) Get(id uint16) (*Client, bool) { return m.table.get(id) }

// Count returns the current populated client count.
func (m *Manager) Count() int { return m.table.populatedCount() }

// HandleNewConnection performs admission (spec.md §4.4 "Connection
// admission"). On id_exhaustion it disconnects conn and returns without
// ever calling StartListening.
func (m *Manager) HandleNewConnection(conn Connection) {
	id, ok := m.table.allocateID()
	if !ok {
		Log.Warn("client id space exhausted; rejecting new connection")
		conn.Disconnect()
		return
	}

	client := &Client{ID: id, Conn: conn}

	m.table.publish(id, client)
	conn.SetClient(client)
	m.updateGauge()

	if m.handlers.ClientConnected == nil {
		Log.Warn("no ClientConnected handler registered; messages for this client will not be delivered anywhere useful")
		conn.StartListening()
		return
	}

	task := func(ctx context.Context) {
		if err := m.handlers.ClientConnected(ctx, client); err != nil {
			m.sink.IncCounter("client_connected_event_failures", nil)
			Log.WithError(err).WithField("client_id", id).Warn("ClientConnected handler failed; dropping client")
			m.DropClient(client)
			conn.Disconnect()
			panic(err) // signals the dispatcher to skip the StartListening continuation
		}
	}
	continuation := func(ctx context.Context) {
		conn.StartListening()
	}

	if m.handlers.ThreadSafe {
		// Thread-safe extensions run directly on the calling (I/O)
		// goroutine rather than through the dispatcher (spec.md §5), but
		// the continuation ordering (ClientConnected happens-before
		// StartListening) must still hold, so we replicate it inline.
		func() {
			defer func() { recover() }()
			task(context.Background())
		}()
		// If task panicked, StartListening must not run; detect that by
		// checking whether the client is still populated (DropClient
		// removed it on failure).
		if _, stillPopulated := m.table.get(id); stillPopulated {
			continuation(context.Background())
		}
		return
	}

	m.dispatcher.Dispatch(task, continuation, true)
}

// DropClient removes id's reservation/population and updates the gauge
// without invoking the ClientDisconnected handler (spec.md §4.4 "Drop").
func (m *Manager) DropClient(client *Client) {
	if !m.table.remove(client.ID) {
		return
	}
	m.updateGauge()
}

// HandleDisconnection finalizes a session teardown (spec.md §4.4
// "Disconnection").
func (m *Manager) HandleDisconnection(client *Client, localDisconnect bool, reason DisconnectReason, socketErr error, exception error) {
	if !m.table.remove(client.ID) {
		// A disconnect raced a disconnect; idempotent no-op.
		return
	}
	m.updateGauge()
	m.logDisconnect(client, reason, socketErr, exception)

	finalize := func(ctx context.Context) {
		client.Conn.Dispose()
	}

	if m.handlers.ClientDisconnected == nil {
		finalize(context.Background())
		return
	}

	task := func(ctx context.Context) {
		if err := m.handlers.ClientDisconnected(ctx, client, localDisconnect, reason, socketErr, exception); err != nil {
			m.sink.IncCounter("client_disconnected_event_failures", nil)
			Log.WithError(err).WithField("client_id", client.ID).Warn("ClientDisconnected handler failed")
		}
	}

	if m.handlers.ThreadSafe {
		func() {
			defer func() { recover() }()
			task(context.Background())
		}()
		finalize(context.Background())
		return
	}

	// continuationOnSuccessOnly=false: "still finalize" regardless of
	// handler failure (spec.md §7 "handler_failure (disconnect)").
	m.dispatcher.Dispatch(task, finalize, false)
}

// DeliverMessage fans out a received payload (spec.md §4.4, data flow in
// §2): directly on the calling goroutine if the extension is thread-safe,
// otherwise serialized through the dispatcher.
func (m *Manager) DeliverMessage(client *Client, buf *bufpool.MessageBuffer, mode Mode) {
	if m.handlers.MessageReceived == nil {
		buf.Release()
		return
	}
	if m.handlers.ThreadSafe {
		m.handlers.MessageReceived(context.Background(), client, buf, mode)
		return
	}
	m.dispatcher.Dispatch(func(ctx context.Context) {
		m.handlers.MessageReceived(ctx, client, buf, mode)
	}, nil, false)
}

func (m *Manager) logDisconnect(client *Client, reason DisconnectReason, socketErr error, exception error) {
	entry := Log.WithField("client_id", client.ID).WithField("reason", reason)
	switch {
	case exception != nil:
		entry.WithError(exception).Info("client disconnected with an exception")
	case reason.IsInformational():
		entry.Info("client disconnected")
	default:
		entry.WithError(socketErr).Info("client disconnected with a socket error")
	}
}
