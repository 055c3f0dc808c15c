// Package bilistener implements the bichannel listener of spec.md §3/§4.2
// (component C): a single address/port bound for both the reliable TCP
// acceptor and the unreliable UDP receiver, the AuthToken-based handshake
// that binds a datagram peer to its stream peer, and the endpoint-to-
// connection route table incoming datagrams are demultiplexed through.
//
// The accept-loop shape — spawn a goroutine per accepted connection,
// hand it to the rest of the system, loop back to Accept — is grounded on
// LeGamerDc-gio/server's acceptAllShard (accept, register, `go
// s.h.OnOpen(...)`), adapted here from its nonblocking-epoll form to a
// blocking net.Listener.Accept loop per this module's portability choice
// (see package conn's doc comment for the same rationale).
package bilistener
