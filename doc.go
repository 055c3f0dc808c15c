// Package bichannel implements the connection and session subsystem of a
// multiplayer game network server: a dual-transport (reliable TCP stream +
// unreliable UDP datagram) listener, per-session state machines, a
// client-ID allocator and table, and the dispatcher extension code uses to
// receive and send payloads without blocking transport I/O.
//
// The subpackages mirror the component split of the design: frame (wire
// codec), bufpool (message buffer pooling), conn (per-session state machine),
// clientmgr (ID allocation and client table), bilistener (the bichannel
// listener), dispatch (the cooperative serial queue), and metrics (the
// write-only sink consumed by the rest of the module).
package bichannel
