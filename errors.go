package bichannel

import "errors"

var (
	// ErrBindFailed is returned by Listener.Start when either the reliable
	// acceptor or the unreliable receiver socket cannot be bound.
	ErrBindFailed = errors.New("bichannel: bind failed")

	// ErrIDExhaustion names the condition of the full 16-bit client ID
	// space being occupied. Client ID allocation reports it by returning
	// false; no function in this module returns this error.
	ErrIDExhaustion = errors.New("bichannel: client id space exhausted")

	// ErrInvalidArgument names an invalid argument (nil handlers, malformed
	// config). No function in this module returns it.
	ErrInvalidArgument = errors.New("bichannel: invalid argument")

	// ErrAlreadyDisconnected names the already-disconnected condition. A
	// second call to Disconnect reports it by returning false; no function
	// in this module returns this error.
	ErrAlreadyDisconnected = errors.New("bichannel: already disconnected")

	// ErrCannotSend names a send issued after canSend has transitioned to
	// false. The send operations report it by returning false; no function
	// in this module returns this error.
	ErrCannotSend = errors.New("bichannel: connection cannot send")
)
