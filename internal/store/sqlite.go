// ABOUTME: SQL implementation of hearth persistence over modernc.org/sqlite or MySQL
// ABOUTME: Opens the database, creates the dialect schema and classifies constraint errors

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore persists hearth records in SQLite or MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

// Open connects using the named driver ("sqlite" or "mysql").
func Open(ctx context.Context, driver, pathOrDSN string) (*SQLStore, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(pathOrDSN)
	case "mysql":
		return NewMySQLStore(ctx, pathOrDSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time; transactions must never touch s.db while open.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, dialect: "sqlite", logger: logger}
	if err := s.createSchema(context.Background(), sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// NewMySQLStore connects to MySQL. parseTime is not required since
// timestamps are stored as text.
func NewMySQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing mysql dsn: %w", err)
	}
	cfg.MultiStatements = false
	// RowsAffected reports matched rows, as SQLite does.
	cfg.ClientFoundRows = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}

	s := &SQLStore{db: db, dialect: "mysql", logger: logger}
	if err := s.createSchema(ctx, mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("MySQL store initialized", "addr", cfg.Addr, "db", cfg.DBName)
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context, statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isUniqueViolation checks whether err is a unique or primary key violation
// on either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand may use plain RFC3339.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_email TEXT NOT NULL DEFAULT '',
		notify_room TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS operators (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		display_name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		email TEXT,
		display_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(tenant_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		customer_id TEXT NOT NULL REFERENCES customers(id),
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		live_mode INTEGER NOT NULL DEFAULT 0,
		is_favorite INTEGER NOT NULL DEFAULT 0,
		last_seq INTEGER NOT NULL DEFAULT 0,
		last_activity_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations(tenant_id, state, last_activity_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		sender TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		media_ref TEXT,
		seen INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		created_at TEXT NOT NULL,
		UNIQUE(conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		day_of_week INTEGER NOT NULL,
		slots TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, day_of_week)
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		customer_id TEXT NOT NULL REFERENCES customers(id),
		booking_date TEXT NOT NULL,
		slot TEXT NOT NULL,
		contact_email TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(tenant_id, booking_date, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		name TEXT NOT NULL,
		price_cents INTEGER NOT NULL,
		stock INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		customer_id TEXT NOT NULL REFERENCES customers(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		booking_id TEXT,
		quantity INTEGER NOT NULL,
		status TEXT NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		total_cents INTEGER NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_product ON reservations(product_id, status)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		owner_email VARCHAR(255) NOT NULL DEFAULT '',
		notify_room VARCHAR(255) NOT NULL DEFAULT '',
		created_at VARCHAR(40) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS operators (
		id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		display_name VARCHAR(255) NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS customers (
		id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		email VARCHAR(255) NULL,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		UNIQUE KEY uq_customers_email (tenant_id, email),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		customer_id VARCHAR(64) NOT NULL,
		title VARCHAR(255) NOT NULL DEFAULT '',
		state VARCHAR(16) NOT NULL,
		live_mode TINYINT NOT NULL DEFAULT 0,
		is_favorite TINYINT NOT NULL DEFAULT 0,
		last_seq BIGINT NOT NULL DEFAULT 0,
		last_activity_at VARCHAR(40) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		INDEX idx_conversations_tenant (tenant_id, state, last_activity_at),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id),
		FOREIGN KEY (customer_id) REFERENCES customers(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(64) PRIMARY KEY,
		conversation_id VARCHAR(64) NOT NULL,
		seq BIGINT NOT NULL,
		role VARCHAR(16) NOT NULL,
		sender VARCHAR(128) NOT NULL,
		body TEXT NOT NULL,
		media_ref VARCHAR(1024) NULL,
		seen TINYINT NOT NULL DEFAULT 0,
		latency_ms BIGINT NULL,
		created_at VARCHAR(40) NOT NULL,
		UNIQUE KEY uq_messages_seq (conversation_id, seq),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS schedules (
		tenant_id VARCHAR(64) NOT NULL,
		day_of_week TINYINT NOT NULL,
		slots TEXT NOT NULL,
		is_active TINYINT NOT NULL DEFAULT 1,
		updated_at VARCHAR(40) NOT NULL,
		PRIMARY KEY (tenant_id, day_of_week),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		customer_id VARCHAR(64) NOT NULL,
		booking_date CHAR(10) NOT NULL,
		slot VARCHAR(64) NOT NULL,
		contact_email VARCHAR(255) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		UNIQUE KEY uq_bookings_slot (tenant_id, booking_date, slot),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id),
		FOREIGN KEY (customer_id) REFERENCES customers(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		price_cents BIGINT NOT NULL,
		stock INT NOT NULL,
		is_active TINYINT NOT NULL DEFAULT 1,
		created_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		FOREIGN KEY (tenant_id) REFERENCES tenants(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		customer_id VARCHAR(64) NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		booking_id VARCHAR(64) NULL,
		quantity INT NOT NULL,
		status VARCHAR(16) NOT NULL,
		unit_price_cents BIGINT NOT NULL,
		total_cents BIGINT NOT NULL,
		expires_at VARCHAR(40) NOT NULL,
		created_at VARCHAR(40) NOT NULL,
		updated_at VARCHAR(40) NOT NULL,
		INDEX idx_reservations_product (product_id, status),
		FOREIGN KEY (tenant_id) REFERENCES tenants(id),
		FOREIGN KEY (customer_id) REFERENCES customers(id),
		FOREIGN KEY (product_id) REFERENCES products(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
