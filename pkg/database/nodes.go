package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"sort"
)

// =====================
// Node sample storage
// =====================

// InsertNodeSample appends one sample row. Samples are immutable facts, so
// there is no upsert path; producers simply keep appending and the snapshot
// query picks the newest row per node.
func (db *Database) InsertNodeSample(ctx context.Context, s NodeSample, dbType string) (int64, error) {
	if s.ID == 0 {
		s.ID = db.NextID()
	}
	next := newPlaceholderGenerator(dbType)
	stmt := fmt.Sprintf(`INSERT INTO nodes (id, time, node_id, lat, lon, status) VALUES (%s, %s, %s, %s, %s, %s)`,
		next(), next(), next(), next(), next(), next())
	if _, err := db.DB.ExecContext(ctx, stmt, s.ID, s.Time, s.NodeID, s.Lat, s.Lon, s.Status); err != nil {
		return 0, fmt.Errorf("insert node sample: %w", err)
	}
	return s.ID, nil
}

// InsertNodeSamples appends a batch of samples and returns their row ids in
// input order. On PostgreSQL the batch goes through COPY; file-backed drivers
// insert row by row over their single connection. A mid-batch failure returns
// the ids inserted so far together with the error.
func (db *Database) InsertNodeSamples(ctx context.Context, batch []NodeSample, dbType string) ([]int64, error) {
	ids := make([]int64, 0, len(batch))

	if normalizeDBType(dbType) == "pgx" {
		for i := range batch {
			if batch[i].ID == 0 {
				batch[i].ID = db.NextID()
			}
			ids = append(ids, batch[i].ID)
		}
		if err := db.insertSamplesPostgreSQLCopy(ctx, batch); err != nil {
			return nil, err
		}
		return ids, nil
	}

	for _, s := range batch {
		id, err := db.InsertNodeSample(ctx, s, dbType)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// validSample rejects rows that fail shape validation so one malformed row
// cannot poison a whole snapshot. The caller logs and skips, never aborts.
func validSample(s NodeSample) bool {
	if s.NodeID <= 0 || s.Time <= 0 {
		return false
	}
	if math.IsNaN(s.Lat) || math.IsNaN(s.Lon) {
		return false
	}
	if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
		return false
	}
	return s.Status != ""
}

// LatestSnapshot returns the newest sample per node id. Timestamp ties are
// broken deterministically by the highest row id, which the shared id
// generator keeps monotonic across the process lifetime. Malformed rows are
// skipped and counted through logf rather than failing the whole read.
func (db *Database) LatestSnapshot(ctx context.Context, dbType string, logf func(string, ...any)) (Snapshot, error) {
	if logf == nil {
		logf = log.Printf
	}

	switch normalizeDBType(dbType) {
	case "sqlite", "duckdb", "pgx":
		query := `
SELECT id, time, node_id, lat, lon, status
FROM nodes n
WHERE n.id = (
    SELECT MAX(id) FROM nodes n2
    WHERE n2.node_id = n.node_id
      AND n2.time = (SELECT MAX(time) FROM nodes n3 WHERE n3.node_id = n.node_id)
);`
		return db.scanSnapshot(ctx, query, logf)
	default:
		// Genji has no correlated subqueries, so we reduce in Go instead.
		return db.reduceSnapshot(ctx, logf)
	}
}

// scanSnapshot runs a query that already yields at most one row per node.
func (db *Database) scanSnapshot(ctx context.Context, query string, logf func(string, ...any)) (Snapshot, error) {
	rows, err := db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	defer rows.Close()

	snap := make(Snapshot)
	skipped := 0
	for rows.Next() {
		s, ok := scanSampleRow(rows)
		if !ok {
			skipped++
			continue
		}
		snap[s.NodeID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest snapshot: %w", err)
	}
	if skipped > 0 {
		logf("snapshot: skipped %d malformed sample rows", skipped)
	}
	return snap, nil
}

// reduceSnapshot scans the full table and keeps the newest sample per node.
// Slower than the SQL path but portable to document-style drivers.
func (db *Database) reduceSnapshot(ctx context.Context, logf func(string, ...any)) (Snapshot, error) {
	rows, err := db.DB.QueryContext(ctx, `SELECT id, time, node_id, lat, lon, status FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	snap := make(Snapshot)
	skipped := 0
	for rows.Next() {
		s, ok := scanSampleRow(rows)
		if !ok {
			skipped++
			continue
		}
		prev, seen := snap[s.NodeID]
		if !seen || s.Time > prev.Time || (s.Time == prev.Time && s.ID > prev.ID) {
			snap[s.NodeID] = s
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	if skipped > 0 {
		logf("snapshot: skipped %d malformed sample rows", skipped)
	}
	return snap, nil
}

// scanSampleRow reads one row through NULL-tolerant scanners and validates the
// shape. Returning ok=false lets callers skip the row and keep going.
func scanSampleRow(rows *sql.Rows) (NodeSample, bool) {
	var (
		id, ts, nodeID sql.NullInt64
		lat, lon       sql.NullFloat64
		status         sql.NullString
	)
	if err := rows.Scan(&id, &ts, &nodeID, &lat, &lon, &status); err != nil {
		return NodeSample{}, false
	}
	s := NodeSample{
		ID:     id.Int64,
		Time:   ts.Int64,
		NodeID: nodeID.Int64,
		Lat:    lat.Float64,
		Lon:    lon.Float64,
		Status: status.String,
	}
	if !validSample(s) {
		return NodeSample{}, false
	}
	return s, true
}

// NodeHistory returns all samples of one node, newest first.
func (db *Database) NodeHistory(ctx context.Context, nodeID int64, dbType string) ([]NodeSample, error) {
	next := newPlaceholderGenerator(dbType)
	query := fmt.Sprintf(`SELECT id, time, node_id, lat, lon, status FROM nodes WHERE node_id = %s ORDER BY time DESC, id DESC`, next())
	rows, err := db.DB.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query node history: %w", err)
	}
	defer rows.Close()

	var out []NodeSample
	for rows.Next() {
		var s NodeSample
		if err := rows.Scan(&s.ID, &s.Time, &s.NodeID, &s.Lat, &s.Lon, &s.Status); err != nil {
			return nil, fmt.Errorf("scan node history: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node history: %w", err)
	}
	return out, nil
}

// ListNodeIDs returns every node id that ever reported, ascending.
func (db *Database) ListNodeIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.DB.QueryContext(ctx, `SELECT DISTINCT node_id FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("query node ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node ids: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
