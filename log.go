package bichannel

import "github.com/sirupsen/logrus"

// Log is the package-level logger used by bilistener (accept and datagram
// loop failures, listener start). clientmgr logs the admission, disconnect
// and handler-failure events through its own clientmgr.Log, and conn does
// not log. It is a *logrus.Entry so callers
// can attach persistent fields (e.g. a server or shard name) without
// wrapping every call site. Configuring log output (level, destination,
// formatter) is left to the host process — this package only emits.
var Log = logrus.WithField("component", "bichannel")

// SetLogger replaces the package-level logger, e.g. with one carrying
// additional fields or pointed at a different *logrus.Logger instance.
func SetLogger(entry *logrus.Entry) {
	if entry != nil {
		Log = entry
	}
}
