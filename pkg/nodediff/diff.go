// Package nodediff computes the semantic difference between two node
// snapshots. Timestamps never participate in the comparison: repeated
// transmissions of an unchanged position carry float jitter from
// serialization, so positions are compared against a fixed epsilon instead of
// bit equality.
package nodediff

import (
	"math"
	"sort"

	"safetrack/pkg/database"
)

// Epsilon is the coordinate tolerance in degrees. Deltas at or below this on
// both axes are treated as transmission jitter, not movement.
const Epsilon = 1e-6

// Change pairs the old and new sample of a node whose state differs.
type Change struct {
	NodeID int64
	Old    database.NodeSample
	New    database.NodeSample
}

// Result lists what changed between two snapshots. All three slices are
// sorted ascending by node id so output stays stable regardless of map
// iteration order.
type Result struct {
	Added   []int64
	Removed []int64
	Changed []Change
}

// Empty reports whether the diff found nothing, letting the scheduler skip
// straight back to idle.
func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Changed) == 0
}

// Moved reports whether two samples differ in position beyond Epsilon on
// either coordinate.
func Moved(old, new database.NodeSample) bool {
	return math.Abs(old.Lat-new.Lat) > Epsilon || math.Abs(old.Lon-new.Lon) > Epsilon
}

// Diff compares two snapshots keyed by node id. A node counts as changed when
// its status differs or its position moved beyond Epsilon; a difference
// confined to the timestamp is not a change.
func Diff(old, new database.Snapshot) Result {
	var r Result

	for id, s := range new {
		prev, ok := old[id]
		if !ok {
			r.Added = append(r.Added, id)
			continue
		}
		if prev.Status != s.Status || Moved(prev, s) {
			r.Changed = append(r.Changed, Change{NodeID: id, Old: prev, New: s})
		}
	}
	for id := range old {
		if _, ok := new[id]; !ok {
			r.Removed = append(r.Removed, id)
		}
	}

	sort.Slice(r.Added, func(i, j int) bool { return r.Added[i] < r.Added[j] })
	sort.Slice(r.Removed, func(i, j int) bool { return r.Removed[i] < r.Removed[j] })
	sort.Slice(r.Changed, func(i, j int) bool { return r.Changed[i].NodeID < r.Changed[j].NodeID })
	return r
}
