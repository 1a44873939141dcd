// Package notification turns snapshot diffs into typed, persisted
// notification records and applies per-viewer redaction when records are
// handed to an audience.
package notification

import (
	"context"
	"fmt"
	"log"

	"safetrack/pkg/database"
	"safetrack/pkg/nodediff"
)

// Store is the slice of the state store the classifier needs. Keeping it to
// one method lets tests persist into a plain slice.
type Store interface {
	InsertNotification(ctx context.Context, n database.Notification, dbType string) (int64, error)
}

// Classifier converts diff entries into notifications and makes each one
// durable before it may be delivered anywhere.
type Classifier struct {
	Store  Store
	DBType string
	Logf   func(string, ...any)
}

// NewClassifier constructs a Classifier. Logf is optional; nil falls back to
// log.Printf.
func NewClassifier(store Store, dbType string, logf func(string, ...any)) *Classifier {
	if logf == nil {
		logf = log.Printf
	}
	return &Classifier{Store: store, DBType: dbType, Logf: logf}
}

// Classify walks the diff in stable order (added, removed, changed; each
// ascending by node id) and emits at most one notification per entry. Every
// returned notification has already been persisted; a persist failure drops
// that one record from the result and is logged, so an undeliverable event can
// never reach subscribers while missing from the store.
func (c *Classifier) Classify(ctx context.Context, old, new database.Snapshot, d nodediff.Result) []database.Notification {
	out := make([]database.Notification, 0, len(d.Added)+len(d.Removed)+len(d.Changed))

	persist := func(n database.Notification) {
		id, err := c.Store.InsertNotification(ctx, n, c.DBType)
		if err != nil {
			c.Logf("notification dropped (persist failed): node=%d category=%s err=%v", n.NodeID, n.Category, err)
			return
		}
		n.ID = id
		out = append(out, n)
	}

	for _, id := range d.Added {
		persist(addedNotification(new[id]))
	}
	for _, id := range d.Removed {
		persist(removedNotification(old[id]))
	}
	for _, ch := range d.Changed {
		persist(changedNotification(ch.Old, ch.New))
	}
	return out
}

// addedNotification covers nodes newly present in the snapshot. A node that
// shows up already in SOS goes straight to the SOS category.
func addedNotification(s database.NodeSample) database.Notification {
	if s.Status == database.StatusSOS {
		return database.Notification{
			Time:     s.Time,
			NodeID:   s.NodeID,
			Category: database.CategorySOS,
			Title:    fmt.Sprintf("New Node %d SOS Alert", s.NodeID),
			Message:  currentLocation(s),
		}
	}
	return database.Notification{
		Time:     s.Time,
		NodeID:   s.NodeID,
		Category: database.CategorySystem,
		Title:    fmt.Sprintf("Node %d has been added", s.NodeID),
		Message:  currentLocation(s),
	}
}

// removedNotification keeps the vanished node's last coordinates so operators
// know where to look for it.
func removedNotification(s database.NodeSample) database.Notification {
	return database.Notification{
		Time:     s.Time,
		NodeID:   s.NodeID,
		Category: database.CategorySystem,
		Title:    fmt.Sprintf("Node %d has been removed", s.NodeID),
		Message:  lastKnownLocation(s),
	}
}

// changedNotification applies the transition policy. A status change always
// outranks a simultaneous location change within the same tick.
func changedNotification(old, new database.NodeSample) database.Notification {
	if old.Status != new.Status {
		switch new.Status {
		case database.StatusSOS:
			return database.Notification{
				Time:     new.Time,
				NodeID:   new.NodeID,
				Category: database.CategorySOS,
				Title:    fmt.Sprintf("Node %d SOS Alert", new.NodeID),
				Message:  currentLocation(new),
			}
		case database.StatusInactive:
			return database.Notification{
				Time:     new.Time,
				NodeID:   new.NodeID,
				Category: database.CategoryAlert,
				Title:    fmt.Sprintf("Node %d Disconnected", new.NodeID),
				Message:  lastKnownLocation(new),
			}
		case database.StatusActive:
			return database.Notification{
				Time:     new.Time,
				NodeID:   new.NodeID,
				Category: database.CategoryAlert,
				Title:    fmt.Sprintf("Node %d Reconnected", new.NodeID),
				Message:  currentLocation(new),
			}
		default:
			// Unknown producers get an opaque informational record instead of
			// an error.
			return database.Notification{
				Time:     new.Time,
				NodeID:   new.NodeID,
				Category: database.CategoryInfo,
				Title:    fmt.Sprintf("Node %d Status: %s", new.NodeID, new.Status),
				Message:  currentLocation(new),
			}
		}
	}
	return database.Notification{
		Time:     new.Time,
		NodeID:   new.NodeID,
		Category: database.CategoryInfo,
		Title:    fmt.Sprintf("Node %d Location Update", new.NodeID),
		Message:  currentLocation(new),
	}
}

func currentLocation(s database.NodeSample) string {
	return fmt.Sprintf("Location: (%.6f, %.6f)", s.Lat, s.Lon)
}

func lastKnownLocation(s database.NodeSample) string {
	return fmt.Sprintf("Last known location: (%.6f, %.6f)", s.Lat, s.Lon)
}
