// Package config defines the recognized configuration keys of spec.md §6.
// Parsing configuration from a file, environment, or flags is explicitly
// out of scope (spec.md §1); this package only names the shape a host
// process populates, with mapstructure tags so a viper-based host (as
// dcrodman-archon uses) can unmarshal into it directly.
package config

import "time"

// Config holds every recognized key from spec.md §6.
type Config struct {
	// Address and Port together form the bind target for both the
	// reliable acceptor and the unreliable receiver (spec.md §4.2).
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`

	// MaxStrikes is the per-connection strike ledger ceiling (spec.md §3).
	MaxStrikes int `mapstructure:"maxStrikes"`

	// NoDelay is passed through to the reliable socket (spec.md §3).
	NoDelay bool `mapstructure:"noDelay"`

	// PreserveOrdering selects the §4.3 delivery policy.
	PreserveOrdering bool `mapstructure:"preserveOrdering"`

	// MaxReliableBodyLength is the frame-length rejection threshold
	// (spec.md §4.1).
	MaxReliableBodyLength uint32 `mapstructure:"maxReliableBodyLength"`

	// Pool sizing knobs (spec.md §6). This implementation's bufpool uses
	// sync.Pool, which has no fixed ceiling; no code in this module reads
	// these fields.
	MaxCachedReaders  int `mapstructure:"maxCachedReaders"`
	MaxCachedWriters  int `mapstructure:"maxCachedWriters"`
	MaxCachedMessages int `mapstructure:"maxCachedMessages"`
	MaxCachedIOEvents int `mapstructure:"maxCachedIoEvents"`

	// MaxDispatcherTasks bounds the dispatcher's task queue (spec.md §6).
	MaxDispatcherTasks int `mapstructure:"maxDispatcherTasks"`

	// HandshakeTimeout bounds how long a pending UDP auth handshake
	// (spec.md §4.2) is kept waiting before the pending Connection is
	// dropped; not named in spec.md §6 but needed so the pending-token
	// map doesn't grow unboundedly from abandoned TCP connections.
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`

	// ReusePort enables SO_REUSEPORT on the reliable acceptor and the
	// unreliable receiver socket, following LeGamerDc-gio/server.Config's
	// ReusePort field; lets a host run several listener instances bound to
	// the same port for multi-core accept fan-out.
	ReusePort bool `mapstructure:"reusePort"`

	// UDPRecvBufSize and UDPSendBufSize tune the unreliable receiver's
	// kernel socket buffers (SO_RCVBUF/SO_SNDBUF); zero leaves the OS
	// default. Useful at the session counts spec.md §1 targets.
	UDPRecvBufSize int `mapstructure:"udpRecvBufSize"`
	UDPSendBufSize int `mapstructure:"udpSendBufSize"`
}

// WithDefaults returns a copy of c with zero-valued fields replaced by
// conservative defaults (spec.md §9: "implementers must make it
// configurable and choose a conservative default").
func (c Config) WithDefaults() Config {
	if c.MaxStrikes <= 0 {
		c.MaxStrikes = 3
	}
	if c.MaxReliableBodyLength <= 0 {
		c.MaxReliableBodyLength = 64 << 10
	}
	if c.MaxCachedMessages <= 0 {
		c.MaxCachedMessages = 1024
	}
	if c.MaxCachedIOEvents <= 0 {
		c.MaxCachedIOEvents = 1024
	}
	if c.MaxDispatcherTasks <= 0 {
		c.MaxDispatcherTasks = 4096
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}
