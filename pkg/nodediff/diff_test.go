package nodediff

import (
	"testing"

	"safetrack/pkg/database"
)

func sample(id int64, ts int64, lat, lon float64, status string) database.NodeSample {
	return database.NodeSample{ID: id, Time: ts, NodeID: id, Lat: lat, Lon: lon, Status: status}
}

func TestDiffSameSnapshotIsEmpty(t *testing.T) {
	snap := database.Snapshot{
		1: sample(1, 100, 33.40, -111.90, database.StatusActive),
		2: sample(2, 100, 33.41, -111.91, database.StatusSOS),
	}
	if d := Diff(snap, snap); !d.Empty() {
		t.Fatalf("expected empty diff, got %+v", d)
	}
}

func TestDiffIgnoresTimestampOnlyChanges(t *testing.T) {
	old := database.Snapshot{1: sample(1, 100, 33.40, -111.90, database.StatusActive)}
	new := database.Snapshot{1: sample(1, 200, 33.40, -111.90, database.StatusActive)}
	if d := Diff(old, new); !d.Empty() {
		t.Fatalf("timestamp-only difference reported as change: %+v", d)
	}
}

func TestDiffSuppressesCoordinateJitter(t *testing.T) {
	old := database.Snapshot{1: sample(1, 100, 33.40000, -111.90000, database.StatusActive)}
	new := database.Snapshot{1: sample(1, 200, 33.40000005, -111.90000003, database.StatusActive)}
	if d := Diff(old, new); !d.Empty() {
		t.Fatalf("sub-epsilon drift reported as change: %+v", d)
	}
}

func TestDiffDetectsRealMovement(t *testing.T) {
	old := database.Snapshot{1: sample(1, 100, 33.40, -111.90, database.StatusActive)}
	new := database.Snapshot{1: sample(1, 200, 33.41, -111.90, database.StatusActive)}
	d := Diff(old, new)
	if len(d.Changed) != 1 || d.Changed[0].NodeID != 1 {
		t.Fatalf("expected one changed node, got %+v", d)
	}
}

func TestDiffDetectsStatusTransition(t *testing.T) {
	old := database.Snapshot{1: sample(1, 100, 33.40, -111.90, database.StatusActive)}
	new := database.Snapshot{1: sample(1, 200, 33.40, -111.90, database.StatusSOS)}
	d := Diff(old, new)
	if len(d.Changed) != 1 {
		t.Fatalf("expected one changed node, got %+v", d)
	}
	if d.Changed[0].New.Status != database.StatusSOS {
		t.Fatalf("unexpected new status: %q", d.Changed[0].New.Status)
	}
}

func TestDiffAddedAndRemoved(t *testing.T) {
	old := database.Snapshot{
		1: sample(1, 100, 33.40, -111.90, database.StatusActive),
		2: sample(2, 100, 33.41, -111.91, database.StatusActive),
	}
	new := database.Snapshot{
		2: sample(2, 100, 33.41, -111.91, database.StatusActive),
		3: sample(3, 200, 33.42, -111.92, database.StatusActive),
	}
	d := Diff(old, new)
	if len(d.Added) != 1 || d.Added[0] != 3 {
		t.Fatalf("unexpected added list: %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0] != 1 {
		t.Fatalf("unexpected removed list: %v", d.Removed)
	}
	if len(d.Changed) != 0 {
		t.Fatalf("unexpected changed list: %+v", d.Changed)
	}
}

func TestDiffCardinalitySymmetry(t *testing.T) {
	a := database.Snapshot{
		1: sample(1, 100, 33.40, -111.90, database.StatusActive),
		2: sample(2, 100, 33.41, -111.91, database.StatusActive),
	}
	b := database.Snapshot{
		2: sample(2, 100, 33.41, -111.91, database.StatusActive),
		3: sample(3, 100, 33.42, -111.92, database.StatusActive),
		4: sample(4, 100, 33.43, -111.93, database.StatusActive),
	}
	ab := Diff(a, b)
	ba := Diff(b, a)
	if len(ab.Added) != len(ba.Removed) || len(ab.Removed) != len(ba.Added) {
		t.Fatalf("diff not symmetric in cardinality: a→b %+v, b→a %+v", ab, ba)
	}
}

func TestDiffOutputIsSortedAscending(t *testing.T) {
	old := database.Snapshot{}
	new := database.Snapshot{
		9: sample(9, 100, 33.40, -111.90, database.StatusActive),
		3: sample(3, 100, 33.41, -111.91, database.StatusActive),
		7: sample(7, 100, 33.42, -111.92, database.StatusActive),
	}
	d := Diff(old, new)
	want := []int64{3, 7, 9}
	if len(d.Added) != len(want) {
		t.Fatalf("unexpected added count: %v", d.Added)
	}
	for i, id := range want {
		if d.Added[i] != id {
			t.Fatalf("added not sorted: %v", d.Added)
		}
	}
}
