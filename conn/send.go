package conn

import (
	"net"

	"github.com/kelgrim/bichannel/bufpool"
	"github.com/kelgrim/bichannel/frame"
)

// SendReliable implements spec.md §4.3 "Reliable send": if canSend is
// false the buffer is released and false is returned; otherwise a 4-byte
// length prefix is constructed and a gathered send of [prefix, body] is
// submitted.
//
// net.Buffers is the standard library's vectored-write primitive — it
// implements io.WriterTo with a single writev(2) call when the underlying
// connection supports it — and no pooled/parser library in the retrieval
// pack offers a gathered-write helper, so this is a deliberate stdlib
// choice rather than a gap (see DESIGN.md).
func (c *ServerConnection) SendReliable(buf *bufpool.MessageBuffer) bool {
	if !c.canSend.Load() {
		buf.Release()
		return false
	}
	defer buf.Release()

	header := make([]byte, frame.HeaderLen)
	frame.EncodeHeader(header, len(buf.Bytes()))

	vec := net.Buffers{header, buf.Bytes()}
	n, err := vec.WriteTo(c.tcp)
	if err != nil {
		c.teardown(false, clientmgrReasonFromErr(err), err, nil)
		return false
	}
	c.sink.AddCounter("bytes_sent", float64(n), map[string]string{"protocol": "tcp"})
	return true
}

// SendUnreliable implements spec.md §4.3 "Unreliable send": if canSend is
// false, or no remote unreliable endpoint has been recorded, the buffer is
// released and false is returned. Otherwise the datagram is written
// synchronously through the listener's SendTo, whose result is returned;
// a failed write is reported only through that false return and is neither
// logged nor counted. Datagrams carry no ordering guarantee.
func (c *ServerConnection) SendUnreliable(buf *bufpool.MessageBuffer) bool {
	if !c.canSend.Load() {
		buf.Release()
		return false
	}
	addr := c.RemoteUnreliableEndpoint()
	if addr == nil || c.udp == nil {
		buf.Release()
		return false
	}
	return c.udp.SendTo(addr, buf)
}
