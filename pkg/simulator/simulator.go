// Package simulator feeds synthetic node samples into the store so the
// detection pipeline can be exercised without radio hardware. It stands in
// for the real ingest transport, which appends samples on its own schedule.
package simulator

import (
	"context"
	"log"
	"math/rand"
	"time"

	"safetrack/pkg/database"
)

// Test-area bounding box around Tempe, AZ, the same patch the field units
// were exercised in.
const (
	minLat = 33.38
	maxLat = 33.46
	minLon = -111.98
	maxLon = -111.87
)

// nextStatus picks a status with weights that keep the stream mostly boring:
// nodes usually stay active, occasionally drop, rarely go SOS. Boring input
// is what makes the emitted notifications meaningful.
func nextStatus(r *rand.Rand) string {
	switch n := r.Intn(20); {
	case n == 0:
		return database.StatusSOS
	case n < 4:
		return database.StatusInactive
	default:
		return database.StatusActive
	}
}

// randomSample produces one plausible report for a node id drawn from a small
// fleet, mirroring the packet shape of the serial transport:
// node id plus a coordinate pair, stamped on arrival.
func randomSample(r *rand.Rand, fleet int, now int64) database.NodeSample {
	return database.NodeSample{
		Time:   now,
		NodeID: int64(r.Intn(fleet) + 1),
		Lat:    minLat + r.Float64()*(maxLat-minLat),
		Lon:    minLon + r.Float64()*(maxLon-minLon),
		Status: nextStatus(r),
	}
}

// Start launches the producer goroutines: one generates samples on a ticker,
// one writes them to the store. Two goroutines communicate over a channel;
// no mutex is needed.
func Start(ctx context.Context, db *database.Database, dbType string, fleet int, interval time.Duration, logf func(string, ...any)) {
	if logf == nil {
		logf = log.Printf
	}
	if fleet <= 0 {
		fleet = 10
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logf("simulator start: fleet=%d interval=%s", fleet, interval)

	samples := make(chan database.NodeSample)

	// Store writer goroutine.
	go func() {
		var stored, errs int
		for {
			select {
			case <-ctx.Done():
				logf("simulator writer stopped: stored=%d errors=%d", stored, errs)
				return
			case s := <-samples:
				if _, err := db.InsertNodeSample(ctx, s, dbType); err != nil {
					errs++
					logf("simulator insert error: %v", err)
				} else {
					stored++
				}
			}
		}
	}()

	// Generator goroutine emits one sample immediately and then per tick so
	// the first snapshot has something to show right after startup.
	go func() {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s := randomSample(r, fleet, time.Now().Unix())
			select {
			case <-ctx.Done():
				return
			case samples <- s:
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
