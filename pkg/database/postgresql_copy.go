package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// insertSamplesPostgreSQLCopy streams a batch of node samples into PostgreSQL
// using COPY so bulk ingest stays fast. Row ids must already be assigned by
// the caller; the shared generator guarantees they cannot conflict, so the
// rows go straight into the main table. The helper stays connection-local to
// avoid mutexes and lets the database enforce ordering.
//
// Importing pgx/v5/stdlib here also registers the "pgx" driver name that
// NewDatabase opens.
func (db *Database) insertSamplesPostgreSQLCopy(ctx context.Context, batch []NodeSample) error {
	if len(batch) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil || db.DB == nil {
		return fmt.Errorf("database unavailable")
	}

	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	rows := make([][]interface{}, 0, len(batch))
	for _, s := range batch {
		rows = append(rows, []interface{}{s.ID, s.Time, s.NodeID, s.Lat, s.Lon, s.Status})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{"nodes"},
			[]string{"id", "time", "node_id", "lat", "lon", "status"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if copyErr != nil {
		return fmt.Errorf("copy node samples: %w", copyErr)
	}
	return nil
}
