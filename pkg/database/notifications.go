package database

import (
	"context"
	"fmt"
)

// =====================
// Notification log
// =====================

// InsertNotification appends one notification row and returns its id.
// The log is append-only; there is no update or delete path besides the
// administrative retention purge.
func (db *Database) InsertNotification(ctx context.Context, n Notification, dbType string) (int64, error) {
	if n.ID == 0 {
		n.ID = db.NextID()
	}
	next := newPlaceholderGenerator(dbType)
	stmt := fmt.Sprintf(`INSERT INTO notifications (id, time, node_id, category, title, message) VALUES (%s, %s, %s, %s, %s, %s)`,
		next(), next(), next(), next(), next(), next())
	if _, err := db.DB.ExecContext(ctx, stmt, n.ID, n.Time, n.NodeID, n.Category, n.Title, n.Message); err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return n.ID, nil
}

// ListNotifications returns the full history, oldest first. Category filtering
// is a presentation concern and happens at the caller.
func (db *Database) ListNotifications(ctx context.Context) ([]Notification, error) {
	rows, err := db.DB.QueryContext(ctx, `SELECT id, time, node_id, category, title, message FROM notifications ORDER BY time, id`)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Time, &n.NodeID, &n.Category, &n.Title, &n.Message); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

// StreamNotifications streams the history row by row through a channel.
// It avoids loading a long-lived deployment's full log into memory and stops
// when the context is done.
func (db *Database) StreamNotifications(ctx context.Context) (<-chan Notification, <-chan error) {
	out := make(chan Notification)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		rows, err := db.DB.QueryContext(ctx, `SELECT id, time, node_id, category, title, message FROM notifications ORDER BY time, id`)
		if err != nil {
			errCh <- fmt.Errorf("query notifications: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var n Notification
			if err := rows.Scan(&n.ID, &n.Time, &n.NodeID, &n.Category, &n.Title, &n.Message); err != nil {
				errCh <- fmt.Errorf("scan notification: %w", err)
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate notifications: %w", err)
		}
	}()

	return out, errCh
}

// PurgeBefore deletes samples and notifications older than the cutoff.
// This is an administrative retention operation; the polling loop never calls
// it. Returns how many rows went away per table.
func (db *Database) PurgeBefore(ctx context.Context, cutoff int64, dbType string) (nodesGone, notifsGone int64, err error) {
	next := newPlaceholderGenerator(dbType)
	nodeStmt := fmt.Sprintf(`DELETE FROM nodes WHERE time < %s`, next())
	res, err := db.DB.ExecContext(ctx, nodeStmt, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("purge nodes: %w", err)
	}
	nodesGone, _ = res.RowsAffected()

	next = newPlaceholderGenerator(dbType)
	notifStmt := fmt.Sprintf(`DELETE FROM notifications WHERE time < %s`, next())
	res, err = db.DB.ExecContext(ctx, notifStmt, cutoff)
	if err != nil {
		return nodesGone, 0, fmt.Errorf("purge notifications: %w", err)
	}
	notifsGone, _ = res.RowsAffected()
	return nodesGone, notifsGone, nil
}
