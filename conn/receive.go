package conn

import (
	"errors"
	"io"
	"net"

	"github.com/kelgrim/bichannel/clientmgr"
	"github.com/kelgrim/bichannel/frame"
)

// receiveLoop implements spec.md §4.3 "Reliable receive" and "Ordering
// policy" as a single logical cursor driven synchronously on its own
// goroutine: header, then body, then (depending on PreserveOrdering)
// deliver-then-loop or loop-then-deliver.
//
// io.ReadFull is the standard library's primitive for the "short read ->
// reissue receive for the remainder" discipline spec.md §4.3 describes; no
// repository in the retrieval pack hand-rolls that loop, so there is no
// ecosystem alternative to prefer over it here (see DESIGN.md).
func (c *ServerConnection) receiveLoop() {
	header := make([]byte, frame.HeaderLen)

	for c.isListening.Load() {
		n, err := io.ReadFull(c.tcp, header)
		if err != nil {
			c.handleReceiveError(n, err)
			return
		}

		bodyLen, err := frame.DecodeHeader(header, c.cfg.MaxReliableBodyLength)
		if err != nil {
			c.handleMalformedFrame(err)
			return
		}

		buf := c.pool.Acquire(int(bodyLen))
		if bodyLen > 0 {
			if _, err := io.ReadFull(c.tcp, buf.Bytes()); err != nil {
				buf.Release()
				c.handleReceiveError(0, err)
				return
			}
		}
		c.sink.AddCounter("bytes_received", float64(frame.HeaderLen)+float64(bodyLen), map[string]string{"protocol": "tcp"})

		if c.cfg.PreserveOrdering {
			// Deliver THEN start the next header receive: serializes
			// delivery order with reception order (spec.md §4.3, §8
			// property 3).
			c.mgr.DeliverMessage(c.client, buf, clientmgr.Reliable)
			continue
		}
		// Start the next header receive first, then deliver: this can
		// interleave deliveries across goroutines (spec.md §4.3, §8 S4).
		// Delivery runs on its own goroutine so the receive loop is free
		// to continue immediately.
		go c.mgr.DeliverMessage(c.client, buf, clientmgr.Reliable)
	}
}

func (c *ServerConnection) handleReceiveError(n int, err error) {
	if n == 0 && errors.Is(err, io.EOF) {
		c.teardown(false, clientmgr.ReasonSuccess, nil, nil)
		return
	}
	reason := clientmgr.DisconnectReason(err.Error())
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		reason = clientmgr.ReasonOperationAborted
	}
	c.teardown(false, reason, err, nil)
}

func (c *ServerConnection) handleMalformedFrame(err error) {
	if c.client != nil {
		c.client.Strike("malformed_frame", 10)
	} else {
		c.strikes.Add(10)
	}
	// A malformed length leaves the stream desynchronized: regardless of
	// whether the strike alone reached the ceiling, we cannot safely
	// resume parsing an unknown-length body, so the session always ends
	// here (see DESIGN.md Open Question decision).
	c.teardown(false, clientmgr.ReasonStrikeLimit, err, nil)
}
