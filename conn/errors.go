package conn

import "github.com/kelgrim/bichannel/clientmgr"

// clientmgrReasonFromErr turns a transport error into a DisconnectReason
// (spec.md §7 "transport_error": surface the socket error name to the
// disconnect handler).
func clientmgrReasonFromErr(err error) clientmgr.DisconnectReason {
	if err == nil {
		return clientmgr.ReasonSuccess
	}
	return clientmgr.DisconnectReason(err.Error())
}
