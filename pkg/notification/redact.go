package notification

import (
	"log"
	"regexp"

	"safetrack/pkg/database"
)

// RedactedMarker replaces the coordinate pair for viewers without access.
const RedactedMarker = "(UNAUTHORIZED)"

// locationPattern anchors on the "Location:" label rather than a byte offset
// so template changes cannot silently mis-redact. The label match is
// case-insensitive, which also covers "Last known location:".
var locationPattern = regexp.MustCompile(`(?i)(location:\s*)\([^)]*\)`)

// Redact projects a notification for one viewer. Category and title always
// stay intact; only the coordinate text is hidden, so an unprivileged
// administrator still sees that an SOS happened, just not where.
//
// Redaction is a read-time projection: the stored record keeps its real
// coordinates and the same record may be projected differently per viewer.
func Redact(n database.Notification, v Viewer, logf func(string, ...any)) database.Notification {
	if v.CanSee(n.NodeID) {
		return n
	}
	if logf == nil {
		logf = log.Printf
	}
	replaced := locationPattern.ReplaceAllString(n.Message, "${1}"+RedactedMarker)
	if replaced == n.Message {
		// No labelled segment found. Passing through unredacted is preferable
		// to guessing at offsets, but the shape mismatch is worth a warning.
		logf("redaction: no location label in notification %d (node %d); message passed through", n.ID, n.NodeID)
		return n
	}
	n.Message = replaced
	return n
}
