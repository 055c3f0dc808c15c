// Package frame implements the wire codec for the reliable channel
// described in spec.md §4.1: a 4-byte big-endian length prefix followed by
// that many body bytes. The unreliable channel carries no frame at all —
// the datagram boundary is the frame boundary — so this package only has
// work to do for TCP.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLen is the size in bytes of the length prefix on the reliable channel.
const HeaderLen = 4

// DefaultMaxReliableBodyLength is the conservative default for
// Config.MaxReliableBodyLength (spec.md §9 Open Questions: the source's
// default was not given, so this implementation picks 64 KiB, small enough
// to fit comfortably in one pooled buffer).
const DefaultMaxReliableBodyLength = 64 << 10

// ErrFrameTooLarge is returned by DecodeHeader when the declared body
// length meets or exceeds maxBodyLength. The caller (conn package) is
// responsible for turning this into a strike per spec.md §4.1/§4.3.
var ErrFrameTooLarge = errors.New("frame: declared body length exceeds maximum")

// EncodeHeader writes the 4-byte big-endian length prefix for a body of the
// given length into dst, which must be at least HeaderLen bytes.
func EncodeHeader(dst []byte, bodyLen int) {
	binary.BigEndian.PutUint32(dst[:HeaderLen], uint32(bodyLen))
}

// DecodeHeader parses the 4-byte big-endian length prefix in hdr (must be
// exactly HeaderLen bytes) and validates it against maxBodyLength. A
// zero-length body is legal per spec.md §4.1 and is never rejected here.
func DecodeHeader(hdr []byte, maxBodyLength uint32) (bodyLen uint32, err error) {
	bodyLen = binary.BigEndian.Uint32(hdr[:HeaderLen])
	if bodyLen >= maxBodyLength {
		return bodyLen, ErrFrameTooLarge
	}
	return bodyLen, nil
}
