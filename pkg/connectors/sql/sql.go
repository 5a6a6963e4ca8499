// Package sql implements the relational connector on top of database/sql.
//
// Two dialects are supported: "postgres" through the pgx stdlib driver and
// "sqlite" through modernc.org/sqlite. The pool is owned by the adapter;
// every call checks out a dedicated connection and returns it before the
// call completes.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/provgate/provgate/pkg/connectors"
)

// Kind is the connector kind served by this package.
const Kind = "sql"

// Dialect selects the driver and placeholder style.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is the server section of a sql rule set.
type Config struct {
	Dialect Dialect `yaml:"dialect"`
	DSN     string  `yaml:"dsn"`

	// Table defaults to the rule set's first schema marker.
	Table string `yaml:"table"`

	// KeyColumn holds the record identifier. Defaults to "username".
	KeyColumn string `yaml:"key_column"`

	MaxOpenConns    int `yaml:"max_open_conns"`
	MaxIdleConns    int `yaml:"max_idle_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime"`
}

func (c *Config) normalize(markers []string) error {
	switch strings.ToLower(string(c.Dialect)) {
	case "", "postgres", "postgresql", "pgx":
		c.Dialect = DialectPostgres
	case "sqlite", "sqlite3":
		c.Dialect = DialectSQLite
	default:
		return fmt.Errorf("unsupported dialect %q", c.Dialect)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if c.Table == "" && len(markers) > 0 {
		c.Table = markers[0]
	}
	if c.Table == "" {
		return fmt.Errorf("table is required (server.table or schema)")
	}
	if c.KeyColumn == "" {
		c.KeyColumn = "username"
	}
	for _, part := range strings.Split(c.Table, ".") {
		if !identPattern.MatchString(part) {
			return fmt.Errorf("invalid table name %q", c.Table)
		}
	}
	if !identPattern.MatchString(c.KeyColumn) {
		return fmt.Errorf("invalid key column %q", c.KeyColumn)
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	return nil
}

func (c *Config) driver() string {
	if c.Dialect == DialectSQLite {
		return "sqlite"
	}
	return "pgx"
}

// Connector writes account rows into one table.
type Connector struct {
	cfg    Config
	db     *sql.DB
	table  string
	key    string
	logger zerolog.Logger
}

// New opens the pool. No connection is made until the first call.
func New(cfg Config, markers []string, logger zerolog.Logger) (*Connector, error) {
	if err := cfg.normalize(markers); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.driver(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", cfg.Dialect, err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Dialect == DialectSQLite && strings.Contains(cfg.DSN, ":memory:") {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	return &Connector{
		cfg:    cfg,
		db:     db,
		table:  quoteTable(cfg.Table),
		key:    quoteIdent(cfg.KeyColumn),
		logger: logger.With().Str("component", "sql-connector").Str("table", cfg.Table).Logger(),
	}, nil
}

// Factory decodes the server section and builds a Connector.
func Factory(spec connectors.Spec, logger zerolog.Logger) (connectors.Connector, error) {
	var c Config
	if err := spec.Config.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid sql config: %w", err)
	}
	return New(c, spec.SchemaMarkers, logger)
}

// Kind returns "sql".
func (c *Connector) Kind() string {
	return Kind
}

// Close closes the pool.
func (c *Connector) Close() error {
	return c.db.Close()
}

func (c *Connector) placeholder(n int) string {
	if c.cfg.Dialect == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// withTx runs fn in a transaction on a dedicated connection.
func (c *Connector) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Create inserts a row. The key column is filled from entry.ID when the
// attributes do not carry it.
func (c *Connector) Create(ctx context.Context, entry connectors.Entry) (*connectors.Result, error) {
	attrs := entry.Attributes.Clone()
	if attrs[c.cfg.KeyColumn] == "" && entry.ID != "" {
		attrs[c.cfg.KeyColumn] = entry.ID
	}
	id := attrs[c.cfg.KeyColumn]
	if id == "" {
		return nil, connectors.NewError(connectors.ErrorKindInvalid, Kind, "create", "",
			fmt.Sprintf("missing key column %s", c.cfg.KeyColumn), nil)
	}

	columns := attrs.Keys()
	if err := validColumns(columns); err != nil {
		return nil, connectors.NewError(connectors.ErrorKindInvalid, Kind, "create", id, err.Error(), err)
	}

	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
		marks[i] = c.placeholder(i + 1)
		args[i] = attrs[col]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.table, strings.Join(quoted, ", "), strings.Join(marks, ", "))

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, c.mapError(ctx, "create", id, err)
	}

	c.logger.Info().Str("id", id).Msg("Row inserted")
	return &connectors.Result{
		OK:         true,
		ID:         id,
		Diagnostic: map[string]any{"table": c.cfg.Table, "columns": columns, "rows_affected": int64(1)},
	}, nil
}

// Update sets the given columns on the row keyed by id.
func (c *Connector) Update(ctx context.Context, id string, changes connectors.Attributes) (*connectors.Result, error) {
	if len(changes) == 0 {
		if _, err := c.Read(ctx, id); err != nil {
			return nil, err
		}
		return &connectors.Result{OK: true, ID: id, Diagnostic: map[string]any{"rows_affected": int64(0)}}, nil
	}

	columns := changes.Keys()
	if err := validColumns(columns); err != nil {
		return nil, connectors.NewError(connectors.ErrorKindInvalid, Kind, "update", id, err.Error(), err)
	}

	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, col := range columns {
		sets[i] = quoteIdent(col) + " = " + c.placeholder(i+1)
		args = append(args, changes[col])
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		c.table, strings.Join(sets, ", "), c.key, c.placeholder(len(args)))

	var affected int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return connectors.NotFound(Kind, "update", id)
		}
		return nil
	})
	if err != nil {
		return nil, c.mapError(ctx, "update", id, err)
	}

	c.logger.Info().Str("id", id).Strs("columns", columns).Msg("Row updated")
	return &connectors.Result{
		OK:         true,
		ID:         id,
		Diagnostic: map[string]any{"table": c.cfg.Table, "columns": columns, "rows_affected": affected},
	}, nil
}

// Delete removes the row keyed by id.
func (c *Connector) Delete(ctx context.Context, id string) (*connectors.Result, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", c.table, c.key, c.placeholder(1))

	var affected int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return connectors.NotFound(Kind, "delete", id)
		}
		return nil
	})
	if err != nil {
		return nil, c.mapError(ctx, "delete", id, err)
	}

	c.logger.Info().Str("id", id).Msg("Row deleted")
	return &connectors.Result{
		OK:         true,
		ID:         id,
		Diagnostic: map[string]any{"table": c.cfg.Table, "rows_affected": affected},
	}, nil
}

// Read returns every column of the row keyed by id. NULL columns are omitted.
func (c *Connector) Read(ctx context.Context, id string) (connectors.Attributes, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", c.table, c.key, c.placeholder(1))

	attrs, err := c.readRow(ctx, query, id)
	if err != nil {
		return nil, c.mapError(ctx, "read", id, err)
	}
	if attrs == nil {
		return nil, connectors.NotFound(Kind, "read", id)
	}
	return attrs, nil
}

func (c *Connector) readRow(ctx context.Context, query, id string) (connectors.Attributes, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, rows.Err()
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	attrs := connectors.Attributes{}
	for i, col := range columns {
		if s, ok := formatValue(values[i]); ok {
			attrs[col] = s
		}
	}
	return attrs, nil
}

// TestConnection checks out a connection and pings the server.
func (c *Connector) TestConnection(ctx context.Context) bool {
	conn, err := c.db.Conn(ctx)
	if err == nil {
		err = conn.PingContext(ctx)
		conn.Close()
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("dialect", string(c.cfg.Dialect)).Msg("Database connection test failed")
		return false
	}
	return true
}

func (c *Connector) mapError(ctx context.Context, op, id string, err error) error {
	var ce *connectors.Error
	if errors.As(err, &ce) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := connectors.ErrorKindTimeout
		if errors.Is(ctxErr, context.Canceled) {
			kind = connectors.ErrorKindUnavailable
		}
		return connectors.NewError(kind, Kind, op, id, "request interrupted", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return connectors.NewError(classifySQLState(pgErr.Code), Kind, op, id, pgErr.Message, err).
			WithDiagnostic("sqlstate", pgErr.Code).
			WithDiagnostic("constraint", pgErr.ConstraintName)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return connectors.NewError(classifySQLiteCode(liteErr.Code()), Kind, op, id, liteErr.Error(), err).
			WithDiagnostic("sqlite_code", liteErr.Code())
	}

	return connectors.Classify(Kind, op, id, err)
}

func classifySQLState(code string) connectors.ErrorKind {
	switch {
	case code == "23505", code == "23503", code == "23502", code == "23514":
		return connectors.ErrorKindConflict
	case code == "57014":
		return connectors.ErrorKindTimeout
	case strings.HasPrefix(code, "28"):
		return connectors.ErrorKindAuth
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P03":
		return connectors.ErrorKindUnavailable
	case code == "42P01", code == "42703", strings.HasPrefix(code, "22"):
		return connectors.ErrorKindInvalid
	}
	return connectors.ErrorKindBackend
}

func classifySQLiteCode(code int) connectors.ErrorKind {
	switch code & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		return connectors.ErrorKindConflict
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN:
		return connectors.ErrorKindUnavailable
	case sqlite3.SQLITE_AUTH, sqlite3.SQLITE_PERM:
		return connectors.ErrorKindAuth
	case sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_RANGE, sqlite3.SQLITE_TOOBIG:
		return connectors.ErrorKindInvalid
	}
	return connectors.ErrorKindBackend
}

func validColumns(columns []string) error {
	var bad []string
	for _, col := range columns {
		if !identPattern.MatchString(col) {
			bad = append(bad, col)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("invalid column names: %s", strings.Join(bad, ", "))
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func formatValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return fmt.Sprint(v), true
}
