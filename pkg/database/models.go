package database

// Node status values reported by well-behaved producers. Anything else is
// carried through opaquely and classified as informational downstream.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusSOS      = "SOS"
)

// Notification categories. System covers membership changes, Alert covers
// connectivity transitions, SOS is always SOS, Info is everything else.
const (
	CategorySystem = "System"
	CategorySOS    = "SOS"
	CategoryAlert  = "Alert"
	CategoryInfo   = "Info"
)

// NodeSample is one immutable position/status report from a remote node.
type NodeSample struct {
	ID     int64   `json:"id"`     // Row id, unique across the whole store
	Time   int64   `json:"time"`   // Sample timestamp (UNIX seconds)
	NodeID int64   `json:"nodeID"` // Stable node identifier
	Lat    float64 `json:"lat"`    // Latitude in degrees
	Lon    float64 `json:"lon"`    // Longitude in degrees
	Status string  `json:"status"` // active, inactive, SOS, or an opaque value
}

// Snapshot maps each node id to its newest sample. Rebuilt fresh on every
// polling tick; only key presence and field equality matter to consumers.
type Snapshot map[int64]NodeSample

// Notification is one immutable state-change event. Rows are append-only;
// nothing in the pipeline updates or deletes a past notification.
type Notification struct {
	ID       int64  `json:"id"`
	Time     int64  `json:"time"` // UNIX seconds
	NodeID   int64  `json:"nodeID"`
	Category string `json:"category"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}
