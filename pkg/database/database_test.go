package database

import (
	"context"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	cfg := Config{DBType: "sqlite", DBPath: filepath.Join(t.TempDir(), "safetrack-test.sqlite")}
	db, err := NewDatabase(cfg)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.DB.Close() })
	if err := db.InitSchema(cfg); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func TestPlaceholderGenerator(t *testing.T) {
	pg := newPlaceholderGenerator("pgx")
	if a, b := pg(), pg(); a != "$1" || b != "$2" {
		t.Fatalf("pgx placeholders = %s %s", a, b)
	}
	q := newPlaceholderGenerator("sqlite")
	if a, b := q(), q(); a != "?" || b != "?" {
		t.Fatalf("sqlite placeholders = %s %s", a, b)
	}
}

func TestNormalizeDBType(t *testing.T) {
	if got := normalizeDBType("  SQLite "); got != "sqlite" {
		t.Fatalf("normalizeDBType = %q", got)
	}
}

func TestValidSample(t *testing.T) {
	good := NodeSample{Time: 100, NodeID: 1, Lat: 33.4, Lon: -111.9, Status: StatusActive}
	if !validSample(good) {
		t.Fatalf("valid sample rejected: %+v", good)
	}

	bad := []NodeSample{
		{Time: 100, NodeID: 0, Lat: 33.4, Lon: -111.9, Status: StatusActive},
		{Time: 0, NodeID: 1, Lat: 33.4, Lon: -111.9, Status: StatusActive},
		{Time: 100, NodeID: 1, Lat: 95, Lon: -111.9, Status: StatusActive},
		{Time: 100, NodeID: 1, Lat: 33.4, Lon: -190, Status: StatusActive},
		{Time: 100, NodeID: 1, Lat: 33.4, Lon: -111.9, Status: ""},
	}
	for i, s := range bad {
		if validSample(s) {
			t.Fatalf("malformed sample %d accepted: %+v", i, s)
		}
	}
}

func TestLatestSnapshotNewestPerNode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	samples := []NodeSample{
		{Time: 100, NodeID: 1, Lat: 33.40, Lon: -111.90, Status: StatusActive},
		{Time: 200, NodeID: 1, Lat: 33.41, Lon: -111.91, Status: StatusSOS},
		{Time: 150, NodeID: 2, Lat: 33.42, Lon: -111.92, Status: StatusActive},
	}
	for _, s := range samples {
		if _, err := db.InsertNodeSample(ctx, s, "sqlite"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	snap, err := db.LatestSnapshot(ctx, "sqlite", t.Logf)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	if snap[1].Time != 200 || snap[1].Status != StatusSOS {
		t.Fatalf("node 1 newest sample wrong: %+v", snap[1])
	}
	if snap[2].Time != 150 {
		t.Fatalf("node 2 newest sample wrong: %+v", snap[2])
	}
}

func TestInsertNodeSamplesBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	batch := []NodeSample{
		{Time: 100, NodeID: 1, Lat: 33.40, Lon: -111.90, Status: StatusActive},
		{Time: 100, NodeID: 2, Lat: 33.41, Lon: -111.91, Status: StatusSOS},
		{Time: 100, NodeID: 3, Lat: 33.42, Lon: -111.92, Status: StatusActive},
	}
	ids, err := db.InsertNodeSamples(ctx, batch, "sqlite")
	if err != nil {
		t.Fatalf("batch insert: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d ids, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("batch ids not monotonic: %v", ids)
		}
	}

	snap, err := db.LatestSnapshot(ctx, "sqlite", t.Logf)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snap))
	}
}

func TestLatestSnapshotTimestampTieBreak(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Two samples for the same node with the same second; the later insert
	// (higher row id) must win.
	first := NodeSample{Time: 100, NodeID: 1, Lat: 33.40, Lon: -111.90, Status: StatusActive}
	second := NodeSample{Time: 100, NodeID: 1, Lat: 33.45, Lon: -111.95, Status: StatusSOS}

	firstID, err := db.InsertNodeSample(ctx, first, "sqlite")
	if err != nil {
		t.Fatalf("insert first: %v", err)
	}
	secondID, err := db.InsertNodeSample(ctx, second, "sqlite")
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if secondID <= firstID {
		t.Fatalf("row ids not monotonic: first=%d second=%d", firstID, secondID)
	}

	snap, err := db.LatestSnapshot(ctx, "sqlite", t.Logf)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap[1].ID != secondID || snap[1].Status != StatusSOS {
		t.Fatalf("tie not broken by highest row id: %+v", snap[1])
	}
}

func TestLatestSnapshotSkipsMalformedRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.InsertNodeSample(ctx, NodeSample{Time: 100, NodeID: 1, Lat: 33.40, Lon: -111.90, Status: StatusActive}, "sqlite"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// A raw row with no status and NULL coordinates, as a buggy producer
	// might leave behind.
	if _, err := db.DB.ExecContext(ctx, `INSERT INTO nodes (id, time, node_id, lat, lon, status) VALUES (?, ?, ?, NULL, NULL, '')`,
		db.NextID(), 200, 2); err != nil {
		t.Fatalf("insert malformed row: %v", err)
	}

	warned := false
	logf := func(format string, args ...any) {
		warned = true
		t.Logf(format, args...)
	}
	snap, err := db.LatestSnapshot(ctx, "sqlite", logf)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("malformed row reached the snapshot: %+v", snap)
	}
	if !warned {
		t.Fatalf("skipped rows were not logged")
	}
}

func TestNodeHistoryNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, ts := range []int64{100, 300, 200} {
		if _, err := db.InsertNodeSample(ctx, NodeSample{Time: ts, NodeID: 1, Lat: 33.40, Lon: -111.90, Status: StatusActive}, "sqlite"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	history, err := db.NodeHistory(ctx, 1, "sqlite")
	if err != nil {
		t.Fatalf("node history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Time != 300 || history[1].Time != 200 || history[2].Time != 100 {
		t.Fatalf("history not newest first: %d %d %d", history[0].Time, history[1].Time, history[2].Time)
	}
}

func TestListNodeIDsAscending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []int64{9, 3, 7, 3} {
		if _, err := db.InsertNodeSample(ctx, NodeSample{Time: 100, NodeID: id, Lat: 33.40, Lon: -111.90, Status: StatusActive}, "sqlite"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	ids, err := db.ListNodeIDs(ctx)
	if err != nil {
		t.Fatalf("list node ids: %v", err)
	}
	want := []int64{3, 7, 9}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestNotificationLogRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	records := []Notification{
		{Time: 100, NodeID: 1, Category: CategorySystem, Title: "Node 1 has been added", Message: "Location: (33.400000, -111.900000)"},
		{Time: 100, NodeID: 2, Category: CategorySOS, Title: "Node 2 SOS Alert", Message: "Location: (33.410000, -111.910000)"},
		{Time: 200, NodeID: 1, Category: CategoryInfo, Title: "Node 1 Location Update", Message: "Location: (33.420000, -111.920000)"},
	}
	for _, n := range records {
		if _, err := db.InsertNotification(ctx, n, "sqlite"); err != nil {
			t.Fatalf("insert notification: %v", err)
		}
	}

	out, err := db.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("listed %d notifications, want 3", len(out))
	}
	// Ordered by time, then insertion id.
	if out[0].NodeID != 1 || out[1].NodeID != 2 || out[2].NodeID != 1 {
		t.Fatalf("unexpected order: %d %d %d", out[0].NodeID, out[1].NodeID, out[2].NodeID)
	}
	if out[2].Title != "Node 1 Location Update" {
		t.Fatalf("unexpected last record %+v", out[2])
	}
}

func TestStreamNotifications(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n := Notification{Time: i * 100, NodeID: i, Category: CategoryInfo, Title: "update", Message: "Location: (0.000000, 0.000000)"}
		if _, err := db.InsertNotification(ctx, n, "sqlite"); err != nil {
			t.Fatalf("insert notification: %v", err)
		}
	}

	events, errCh := db.StreamNotifications(ctx)
	var got []Notification
	for n := range events {
		got = append(got, n)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("streamed %d notifications, want 3", len(got))
	}
	for i, n := range got {
		if n.NodeID != int64(i+1) {
			t.Fatalf("stream out of order: %+v", got)
		}
	}
}

func TestPurgeBefore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, ts := range []int64{100, 200, 300} {
		if _, err := db.InsertNodeSample(ctx, NodeSample{Time: ts, NodeID: 1, Lat: 33.40, Lon: -111.90, Status: StatusActive}, "sqlite"); err != nil {
			t.Fatalf("insert sample: %v", err)
		}
		n := Notification{Time: ts, NodeID: 1, Category: CategoryInfo, Title: "update", Message: "Location: (0.000000, 0.000000)"}
		if _, err := db.InsertNotification(ctx, n, "sqlite"); err != nil {
			t.Fatalf("insert notification: %v", err)
		}
	}

	nodesGone, notifsGone, err := db.PurgeBefore(ctx, 250, "sqlite")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if nodesGone != 2 || notifsGone != 2 {
		t.Fatalf("purged nodes=%d notifs=%d, want 2 and 2", nodesGone, notifsGone)
	}

	history, err := db.NodeHistory(ctx, 1, "sqlite")
	if err != nil {
		t.Fatalf("node history: %v", err)
	}
	if len(history) != 1 || history[0].Time != 300 {
		t.Fatalf("unexpected survivors: %+v", history)
	}
}

func TestUserLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.CreateUser(ctx, "sam", "hunter2", false, []int64{2, 3}, "sqlite"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	exists, err := db.UserExists(ctx, "sam", "sqlite")
	if err != nil || !exists {
		t.Fatalf("UserExists = %v, %v", exists, err)
	}

	u, ok, err := db.AuthenticateUser(ctx, "sam", "hunter2", "sqlite")
	if err != nil || !ok {
		t.Fatalf("authenticate: ok=%v err=%v", ok, err)
	}
	if u.IsAdmin {
		t.Fatalf("non-admin account reported admin")
	}
	if len(u.AuthorizedNodes) != 2 || u.AuthorizedNodes[0] != 2 || u.AuthorizedNodes[1] != 3 {
		t.Fatalf("allow-list round trip failed: %v", u.AuthorizedNodes)
	}

	if _, ok, err := db.AuthenticateUser(ctx, "sam", "wrong", "sqlite"); err != nil || ok {
		t.Fatalf("wrong password accepted: ok=%v err=%v", ok, err)
	}
	if _, ok, err := db.AuthenticateUser(ctx, "nobody", "hunter2", "sqlite"); err != nil || ok {
		t.Fatalf("unknown user accepted: ok=%v err=%v", ok, err)
	}

	if err := db.UpdateAuthorizedNodes(ctx, "sam", []int64{5}, "sqlite"); err != nil {
		t.Fatalf("update allow-list: %v", err)
	}
	u, _, err = db.AuthenticateUser(ctx, "sam", "hunter2", "sqlite")
	if err != nil {
		t.Fatalf("authenticate after update: %v", err)
	}
	if len(u.AuthorizedNodes) != 1 || u.AuthorizedNodes[0] != 5 {
		t.Fatalf("allow-list not updated: %v", u.AuthorizedNodes)
	}

	names, err := db.ListUsers(ctx)
	if err != nil || len(names) != 1 || names[0] != "sam" {
		t.Fatalf("ListUsers = %v, %v", names, err)
	}

	if err := db.DeleteUser(ctx, "sam", "sqlite"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	exists, err = db.UserExists(ctx, "sam", "sqlite")
	if err != nil || exists {
		t.Fatalf("user survived deletion: %v, %v", exists, err)
	}
}

func TestIDGeneratorResumesAboveExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safetrack-test.sqlite")
	cfg := Config{DBType: "sqlite", DBPath: path}

	db, err := NewDatabase(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.InitSchema(cfg); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	ctx := context.Background()
	lastID, err := db.InsertNodeSample(ctx, NodeSample{Time: 100, NodeID: 1, Lat: 33.40, Lon: -111.90, Status: StatusActive}, "sqlite")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.DB.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewDatabase(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.DB.Close()

	if next := reopened.NextID(); next <= lastID {
		t.Fatalf("id generator restarted below existing rows: next=%d last=%d", next, lastID)
	}
}
