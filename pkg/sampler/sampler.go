// Package sampler runs the state-change detection loop: snapshot the store on
// a fixed interval, diff against the previous tick, classify and persist the
// differences, then publish them to subscribers. One goroutine owns the
// previous-snapshot baseline; nothing else may advance it.
package sampler

import (
	"context"
	"log"
	"time"

	"safetrack/pkg/database"
	"safetrack/pkg/nodediff"
	"safetrack/pkg/notification"
)

// DefaultInterval matches the 1 s cadence the desktop predecessor used.
const DefaultInterval = time.Second

// degradedThreshold is how many consecutive snapshot failures flip the
// health flag. The loop itself never stops on failures.
const degradedThreshold = 3

// SnapshotSource is the slice of the store the loop reads from.
// *database.Database satisfies it directly; tests substitute a fake.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context, dbType string, logf func(string, ...any)) (database.Snapshot, error)
}

// Publisher receives persisted notifications in classification order.
type Publisher interface {
	Publish(n database.Notification)
}

// Sampler is the polling scheduler. Construct with New and launch with Start;
// the zero value is not usable.
type Sampler struct {
	source     SnapshotSource
	classifier *notification.Classifier
	bus        Publisher
	dbType     string
	interval   time.Duration
	logf       func(string, ...any)
	health     chan chan bool
}

// New wires a sampler. A non-positive interval falls back to DefaultInterval;
// nil logf falls back to log.Printf.
func New(source SnapshotSource, classifier *notification.Classifier, bus Publisher, dbType string, interval time.Duration, logf func(string, ...any)) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Sampler{
		source:     source,
		classifier: classifier,
		bus:        bus,
		dbType:     dbType,
		interval:   interval,
		logf:       logf,
		health:     make(chan chan bool),
	}
}

// Start launches the loop goroutine. Cancellation of ctx is observed within
// one polling interval; in-flight persistence for the current tick finishes
// first because each store call is atomic.
func (s *Sampler) Start(ctx context.Context) {
	s.logf("sampler start: interval=%s", s.interval)
	go s.run(ctx)
}

// Healthy reports whether the loop has a fresh snapshot. It turns false after
// three consecutive fetch failures and recovers on the next success. Blocks
// only until the loop's next select, or until ctx ends.
func (s *Sampler) Healthy(ctx context.Context) bool {
	reply := make(chan bool, 1)
	select {
	case s.health <- reply:
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var baseline database.Snapshot
	failures := 0

	for {
		snap, err := s.source.LatestSnapshot(ctx, s.dbType, s.logf)
		switch {
		case err != nil:
			failures++
			if failures == degradedThreshold {
				s.logf("sampler degraded: %d consecutive snapshot failures, last=%v", failures, err)
			} else {
				s.logf("sampler snapshot error (attempt %d): %v", failures, err)
			}
			// The last good baseline stays in place for the next tick.
		case baseline == nil:
			// Very first successful tick: adopt the baseline, emit nothing.
			// There is no "old" to diff against yet.
			baseline = snap
			failures = 0
			s.logf("sampler baseline: %d nodes", len(snap))
		default:
			if failures >= degradedThreshold {
				s.logf("sampler recovered after %d failed ticks", failures)
			}
			failures = 0
			d := nodediff.Diff(baseline, snap)
			if !d.Empty() {
				// Classification persists each record before we ever hand it
				// to the bus, so subscribers only observe durable events.
				notifs := s.classifier.Classify(ctx, baseline, snap, d)
				for _, n := range notifs {
					s.bus.Publish(n)
				}
				s.logf("sampler tick: added %d removed %d changed %d emitted %d",
					len(d.Added), len(d.Removed), len(d.Changed), len(notifs))
			}
			baseline = snap
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				s.logf("sampler stopped: %v", ctx.Err())
				return
			case reply := <-s.health:
				reply <- failures < degradedThreshold
			case <-ticker.C:
				break wait
			}
		}
	}
}
