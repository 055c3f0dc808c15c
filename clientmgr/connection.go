package clientmgr

import (
	"net"

	"github.com/kelgrim/bichannel/bufpool"
)

// Connection is the subset of the per-session state machine (spec.md §4.3,
// package conn's ServerConnection) that the client manager needs. It is
// defined here rather than imported from package conn so conn can depend
// on clientmgr (to hold a *Client) without an import cycle; conn.
// ServerConnection satisfies this interface structurally.
type Connection interface {
	// Disconnect tears the session down (spec.md §4.3). Idempotent past
	// the first call: returns false on every call after the first.
	Disconnect() bool

	// DisconnectWithReason is the internal counterpart to Disconnect used
	// when the teardown is not an extension-initiated local disconnect —
	// most notably the strike ledger reaching its ceiling (spec.md §4.4
	// "Strike"), which must report ReasonStrikeLimit rather than the
	// generic Success Disconnect() reports.
	DisconnectWithReason(reason DisconnectReason) bool

	// Dispose releases any resources still held by a connection that was
	// torn down abnormally (spec.md §4.3 "Disposal").
	Dispose()

	// SendReliable and SendUnreliable are the transport-level send paths
	// behind the extension-facing SendReliable/SendUnreliable operations
	// (spec.md §6). Both release buf regardless of outcome.
	SendReliable(buf *bufpool.MessageBuffer) bool
	SendUnreliable(buf *bufpool.MessageBuffer) bool

	// RemoteReliableEndpoint and RemoteUnreliableEndpoint back
	// GetRemoteEndpoint (spec.md §6).
	RemoteReliableEndpoint() net.Addr
	RemoteUnreliableEndpoint() net.Addr

	// StartListening begins the reliable receive loop (spec.md §4.4 step 5).
	StartListening()

	// SetClient publishes the Client bound to this Connection once
	// admission completes (spec.md §4.4 step 3: "atomically with
	// publishing conn.Client = client").
	SetClient(c *Client)

	// AddStrike adds weight to the connection's strike ledger and returns
	// the new total (spec.md §3 StrikeLedger, §4.4 "Strike").
	AddStrike(weight int) int

	// MaxStrikes returns the configured strike ceiling for this connection.
	MaxStrikes() int
}

// DisconnectReason classifies why a ClientDisconnected event fired
// (spec.md §7).
type DisconnectReason string

const (
	ReasonSuccess          DisconnectReason = "Success"
	ReasonDisconnecting    DisconnectReason = "Disconnecting"
	ReasonOperationAborted DisconnectReason = "OperationAborted"
	ReasonStrikeLimit      DisconnectReason = "strike_limit"
)

// IsInformational reports whether reason should be logged without an
// error payload (spec.md §4.4 step 4).
func (r DisconnectReason) IsInformational() bool {
	switch r {
	case ReasonSuccess, ReasonDisconnecting, ReasonOperationAborted:
		return true
	default:
		return false
	}
}
