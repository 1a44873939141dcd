package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// Database represents the interface for interacting with the state store.
type Database struct {
	DB          *sql.DB    // The underlying SQL database connection
	idGenerator chan int64 // Channel for generating unique row IDs
	Driver      string     // Normalized driver name so SQL builders can stay declarative
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // The type of the database driver ("sqlite", "genji", "duckdb", or "pgx")
	DBPath    string // The file path to the database file (for file-based databases)
	DBConn    string // Raw DSN for network drivers (pgx)
	DBHost    string // The host for PostgreSQL
	DBPort    int    // The port for PostgreSQL
	DBUser    string // The user for PostgreSQL
	DBPass    string // The password for PostgreSQL
	DBName    string // The name of the PostgreSQL database
	PGSSLMode string // The SSL mode for PostgreSQL
	Port      int    // The server port number (used in database file naming if needed)
}

// normalizeDBType trims and lowercases driver names so downstream switch blocks
// do not miss driver-specific handling just because a caller passed mixed case
// or incidental whitespace.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator launches a goroutine for generating unique IDs.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

// NewDatabase opens DB and configures connection pooling.
// For SQLite/Genji/DuckDB we force single-connection mode (no concurrent DB access).
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var (
		dsn                string
		applySQLitePragmas bool
	)

	switch driverName {
	case "sqlite":
		applySQLitePragmas = true
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("safetrack-%d.%s", config.Port, driverName)
		}
	case "genji":
		// Genji reuses sqlite-style DSNs but manages its own transaction and
		// caching strategy, so we skip SQLite-specific PRAGMA tuning.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("safetrack-%d.%s", config.Port, driverName)
		}
	case "duckdb":
		// The file is created on first open.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("safetrack-%d.duckdb", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %v", err)
	}

	// === CRITICAL: serialize file-backed driver access over a single connection ===
	switch driverName {
	case "sqlite", "genji", "duckdb":
		// One physical connection; no concurrent statements at DB layer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		// Never recycle the single connection (keeps it stable for the whole process).
		db.SetConnMaxLifetime(0)
		// Tuning WAL/synchronous/busy_timeout keeps inserts fast enough for 1 s polling.
		if applySQLitePragmas {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteConnection(tuneCtx, db, log.Printf); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "pgx":
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// Cheap liveness probe with timeout so we don't hang at startup
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %v", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, dsn)

	// Bootstrap ID generator from the highest ID across tables so each row
	// receives a unique primary key. The generator is shared between samples
	// and notifications, which keeps row ids comparable for the snapshot
	// tie-break. Errors are ignored so startup stays robust when tables are
	// still missing.
	var (
		maxNodes  sql.NullInt64
		maxNotifs sql.NullInt64
	)
	_ = db.QueryRow(`SELECT MAX(id) FROM nodes`).Scan(&maxNodes)
	_ = db.QueryRow(`SELECT MAX(id) FROM notifications`).Scan(&maxNotifs)
	initialID := int64(1)
	if maxNodes.Valid && maxNodes.Int64 >= initialID {
		initialID = maxNodes.Int64 + 1
	}
	if maxNotifs.Valid && maxNotifs.Int64 >= initialID {
		initialID = maxNotifs.Int64 + 1
	}
	idChannel := startIDGenerator(initialID)

	return &Database{
		DB:          db,
		idGenerator: idChannel,
		Driver:      driverName,
	}, nil
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas for SQLite.
// The steps run through a small channel pipeline so the work happens outside
// the caller goroutine.
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
		}
	}()

	for _, step := range steps {
		jobs <- step
	}
	close(jobs)

	return <-errs
}

// InitSchema creates the node sample, notification, and user tables together
// with the indexes the polling queries rely on. Statements run one by one so
// a failure names the statement that broke.
func (db *Database) InitSchema(cfg Config) error {
	var statements []string

	switch normalizeDBType(cfg.DBType) {
	case "pgx":
		statements = []string{
			`CREATE TABLE IF NOT EXISTS nodes (
  id      BIGINT PRIMARY KEY,
  time    BIGINT,
  node_id BIGINT,
  lat     DOUBLE PRECISION,
  lon     DOUBLE PRECISION,
  status  TEXT
);`,
			`CREATE TABLE IF NOT EXISTS notifications (
  id       BIGINT PRIMARY KEY,
  time     BIGINT,
  node_id  BIGINT,
  category TEXT,
  title    TEXT,
  message  TEXT
);`,
			`CREATE TABLE IF NOT EXISTS users (
  user_name        TEXT PRIMARY KEY,
  password_hash    TEXT,
  is_admin         INTEGER,
  authorized_nodes TEXT,
  created_at       BIGINT
);`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_node_time ON nodes (node_id, time);`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_time ON notifications (time);`,
		}
	default:
		// SQLite, Genji, and DuckDB all accept the portable subset below.
		statements = []string{
			`CREATE TABLE IF NOT EXISTS nodes (
  id      INTEGER PRIMARY KEY,
  time    INTEGER,
  node_id INTEGER,
  lat     REAL,
  lon     REAL,
  status  TEXT
);`,
			`CREATE TABLE IF NOT EXISTS notifications (
  id       INTEGER PRIMARY KEY,
  time     INTEGER,
  node_id  INTEGER,
  category TEXT,
  title    TEXT,
  message  TEXT
);`,
			`CREATE TABLE IF NOT EXISTS users (
  user_name        TEXT PRIMARY KEY,
  password_hash    TEXT,
  is_admin         INTEGER,
  authorized_nodes TEXT,
  created_at       INTEGER
);`,
			`CREATE INDEX IF NOT EXISTS idx_nodes_node_time ON nodes (node_id, time);`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_time ON notifications (time);`,
		}
	}

	for _, stmt := range statements {
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w (statement: %.60s...)", err, stmt)
		}
	}
	return nil
}

// NextID hands out the next unique row id from the generator goroutine.
func (db *Database) NextID() int64 {
	return <-db.idGenerator
}

// newPlaceholderGenerator returns a closure that produces the correct
// placeholder syntax for the configured driver. Using a generator keeps the
// SQL assembly readable even as the number of parameters grows.
func newPlaceholderGenerator(dbType string) func() string {
	if normalizeDBType(dbType) == "pgx" {
		counter := 0
		return func() string {
			counter++
			return fmt.Sprintf("$%d", counter)
		}
	}
	return func() string { return "?" }
}
