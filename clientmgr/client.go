package clientmgr

import "sync"

// Client is the extension-visible identity bound to a Connection
// (spec.md §3): a unique 16-bit ID, a reference to its Connection, and
// optional per-client state the extension layer attaches. The strike
// count is kept on the Connection (see Strike).
type Client struct {
	ID   uint16
	Conn Connection

	mu    sync.Mutex
	state any
}

// State returns the extension-attached per-client state, or nil if none
// has been set.
func (c *Client) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState attaches extension-owned per-client state to the Client.
func (c *Client) SetState(v any) {
	c.mu.Lock()
	c.state = v
	c.mu.Unlock()
}

// Strike adds weight to the bound Connection's strike ledger; if the
// ledger reaches or exceeds the connection's configured ceiling, the
// connection is disconnected with ReasonStrikeLimit (spec.md §4.4
// "Strike", §9 "Strike ledger granularity": weights range from 1 to 10).
func (c *Client) Strike(reason string, weight int) {
	total := c.Conn.AddStrike(weight)
	if total >= c.Conn.MaxStrikes() {
		Log.WithFields(logFields(c, reason, total)).Warn("client exceeded strike ceiling")
		c.Conn.DisconnectWithReason(ReasonStrikeLimit)
	}
}
