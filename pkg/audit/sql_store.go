package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// Database drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Driver names accepted by SQLStore.
const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// StoreConfig holds SQL audit store configuration.
type StoreConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore is an insert-only audit store on SQLite or PostgreSQL.
type SQLStore struct {
	cfg StoreConfig
	db  *sql.DB
}

// NewSQLStore validates the configuration. Call Init and Migrate before use.
func NewSQLStore(cfg StoreConfig) (*SQLStore, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		cfg.Driver = DriverSQLite
	case DriverPgx, "postgres":
		cfg.Driver = DriverPgx
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("audit dsn is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:") {
		// Each connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLStore{cfg: cfg}, nil
}

// OpenSQLStore creates, initializes and migrates a store.
func OpenSQLStore(ctx context.Context, cfg StoreConfig) (*SQLStore, error) {
	s, err := NewSQLStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection.
func (s *SQLStore) Init(ctx context.Context) error {
	dsn := s.cfg.DSN
	if s.cfg.Driver == DriverSQLite && !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(s.cfg.Driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations for the configured driver.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	dir := "migrations/sqlite"
	if s.cfg.Driver == DriverPgx {
		dir = "migrations/postgres"
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	if s.cfg.Driver == DriverPgx {
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	} else {
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, s.cfg.Driver, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// rebind rewrites ? placeholders for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.cfg.Driver != DriverPgx {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) timeArg(t time.Time) any {
	if s.cfg.Driver == DriverSQLite {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

// Record inserts rec. Failures are reported as *SinkError.
func (s *SQLStore) Record(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return &SinkError{Sink: s.cfg.Driver, RecordID: rec.ID, Err: err}
	}

	query := s.rebind(`
		INSERT INTO audit_records (id, request_id, action, descriptor, account_id, target_system,
			stage, outcome, status, detail, attributes, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.ExecContext(ctx, query,
		rec.ID.String(),
		rec.RequestID,
		rec.Action,
		rec.Descriptor,
		rec.AccountID,
		rec.TargetSystem,
		rec.Stage,
		rec.Outcome,
		string(rec.Status),
		rec.Detail,
		string(attrJSON),
		s.timeArg(rec.Timestamp),
	)
	if err != nil {
		return &SinkError{Sink: s.cfg.Driver, RecordID: rec.ID, Err: err}
	}
	return nil
}

// List returns records matching filter, newest first.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if filter.Action != "" {
		add("action = ?", strings.ToUpper(filter.Action))
	}
	if filter.AccountID != "" {
		add("account_id = ?", filter.AccountID)
	}
	if filter.TargetSystem != "" {
		add("target_system = ?", filter.TargetSystem)
	}
	if filter.RequestID != "" {
		add("request_id = ?", filter.RequestID)
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("recorded_at >= ?", s.timeArg(filter.Since))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, request_id, action, descriptor, account_id, target_system,
			stage, outcome, status, detail, attributes, recorded_at
		FROM audit_records`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY seq DESC\n\t\tLIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec      Record
			id       string
			status   string
			attrJSON string
			recorded any
		)
		err := rows.Scan(
			&id,
			&rec.RequestID,
			&rec.Action,
			&rec.Descriptor,
			&rec.AccountID,
			&rec.TargetSystem,
			&rec.Stage,
			&rec.Outcome,
			&status,
			&rec.Detail,
			&attrJSON,
			&recorded,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid audit record id %q: %w", id, err)
		}
		rec.Status = Status(status)
		if attrJSON != "" && attrJSON != "{}" {
			if err := json.Unmarshal([]byte(attrJSON), &rec.Attributes); err != nil {
				return nil, fmt.Errorf("invalid attributes on audit record %s: %w", id, err)
			}
		}
		if rec.Timestamp, err = parseTime(recorded); err != nil {
			return nil, fmt.Errorf("invalid timestamp on audit record %s: %w", id, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return time.Parse(timeLayout, t)
	case []byte:
		return time.Parse(timeLayout, string(t))
	}
	return time.Time{}, fmt.Errorf("unexpected type %T", v)
}
