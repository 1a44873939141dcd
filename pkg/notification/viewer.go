package notification

// Viewer is the per-delivery authorization context supplied by the session
// subsystem. The pipeline never owns it; it is queried at emission time.
type Viewer struct {
	Privileged   bool
	VisibleNodes map[int64]struct{}
}

// NewViewer builds a Viewer from an explicit allow-list.
func NewViewer(privileged bool, nodeIDs []int64) Viewer {
	v := Viewer{Privileged: privileged, VisibleNodes: make(map[int64]struct{}, len(nodeIDs))}
	for _, id := range nodeIDs {
		v.VisibleNodes[id] = struct{}{}
	}
	return v
}

// CanSee reports whether precise coordinates of a node are visible to this
// viewer. A privileged viewer sees everything regardless of the set; an empty
// set for a non-privileged viewer means no nodes at all.
func (v Viewer) CanSee(nodeID int64) bool {
	if v.Privileged {
		return true
	}
	_, ok := v.VisibleNodes[nodeID]
	return ok
}
