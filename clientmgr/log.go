package clientmgr

import "github.com/sirupsen/logrus"

// Log is this package's logger, following the same package-level
// *logrus.Entry pattern as bichannel.Log (dcrodman-archon's logging.go
// convention). clientmgr logs through this entry, tagged with its own
// component field, rather than through bichannel.Log.
var Log = logrus.WithField("component", "clientmgr")

func logFields(c *Client, reason string, strikeTotal int) logrus.Fields {
	return logrus.Fields{
		"client_id":    c.ID,
		"reason":       reason,
		"strike_total": strikeTotal,
	}
}
