package sql

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/connectors"
)

func newTestConnector(t *testing.T) *Connector {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "accounts.db")
	c, err := New(Config{Dialect: "sqlite", DSN: dsn}, []string{"users"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	_, err = c.db.Exec(`CREATE TABLE users (
		username TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		display_name TEXT
	)`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	return c
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		markers []string
		wantErr bool
		table   string
		dialect Dialect
	}{
		{name: "defaults", cfg: Config{DSN: "postgres://x"}, markers: []string{"users"}, table: "users", dialect: DialectPostgres},
		{name: "explicit table wins", cfg: Config{DSN: "x", Table: "accounts", Dialect: "sqlite3"}, markers: []string{"users"}, table: "accounts", dialect: DialectSQLite},
		{name: "schema qualified", cfg: Config{DSN: "x", Table: "public.users"}, table: "public.users", dialect: DialectPostgres},
		{name: "missing dsn", cfg: Config{Table: "users"}, wantErr: true},
		{name: "missing table", cfg: Config{DSN: "x"}, wantErr: true},
		{name: "bad table", cfg: Config{DSN: "x", Table: "users; drop"}, wantErr: true},
		{name: "bad key column", cfg: Config{DSN: "x", Table: "users", KeyColumn: "a-b"}, wantErr: true},
		{name: "bad dialect", cfg: Config{DSN: "x", Table: "users", Dialect: "oracle"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.normalize(tt.markers)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cfg.Table != tt.table {
				t.Errorf("Table = %q, want %q", cfg.Table, tt.table)
			}
			if cfg.Dialect != tt.dialect {
				t.Errorf("Dialect = %q, want %q", cfg.Dialect, tt.dialect)
			}
			if cfg.KeyColumn != "username" {
				t.Errorf("KeyColumn = %q, want username", cfg.KeyColumn)
			}
		})
	}
}

func TestLifecycle(t *testing.T) {
	c := newTestConnector(t)
	ctx := context.Background()

	res, err := c.Create(ctx, connectors.Entry{
		ID:         "jdupont",
		Attributes: connectors.Attributes{"email": "jean.dupont@example.com"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !res.OK || res.ID != "jdupont" {
		t.Fatalf("Create() = %+v", res)
	}

	attrs, err := c.Read(ctx, "jdupont")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if attrs["email"] != "jean.dupont@example.com" || attrs["username"] != "jdupont" {
		t.Errorf("Read() = %v", attrs)
	}
	if _, ok := attrs["display_name"]; ok {
		t.Errorf("NULL column should be omitted, got %v", attrs)
	}

	res, err = c.Update(ctx, "jdupont", connectors.Attributes{"display_name": "Jean Dupont"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if res.Diagnostic["rows_affected"] != int64(1) {
		t.Errorf("rows_affected = %v", res.Diagnostic["rows_affected"])
	}

	attrs, _ = c.Read(ctx, "jdupont")
	if attrs["display_name"] != "Jean Dupont" {
		t.Errorf("display_name = %q", attrs["display_name"])
	}

	if _, err := c.Delete(ctx, "jdupont"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := c.Read(ctx, "jdupont"); !connectors.IsNotFound(err) {
		t.Fatalf("Read() after delete error = %v, want not found", err)
	}
}

func TestNotFound(t *testing.T) {
	c := newTestConnector(t)
	ctx := context.Background()

	if _, err := c.Update(ctx, "ghost", connectors.Attributes{"email": "x"}); !connectors.IsNotFound(err) {
		t.Errorf("Update() error = %v, want not found", err)
	}
	if _, err := c.Update(ctx, "ghost", nil); !connectors.IsNotFound(err) {
		t.Errorf("Update(nil) error = %v, want not found", err)
	}
	if _, err := c.Delete(ctx, "ghost"); !connectors.IsNotFound(err) {
		t.Errorf("Delete() error = %v, want not found", err)
	}
}

func TestCreateErrors(t *testing.T) {
	c := newTestConnector(t)
	ctx := context.Background()

	entry := connectors.Entry{Attributes: connectors.Attributes{"username": "jdupont", "email": "a@b"}}
	if _, err := c.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := c.Create(ctx, entry)
	if connectors.KindOf(err) != connectors.ErrorKindConflict {
		t.Errorf("duplicate Create() kind = %v (%v), want conflict", connectors.KindOf(err), err)
	}

	_, err = c.Create(ctx, connectors.Entry{Attributes: connectors.Attributes{"email": "a@b"}})
	if connectors.KindOf(err) != connectors.ErrorKindInvalid {
		t.Errorf("keyless Create() kind = %v, want invalid", connectors.KindOf(err))
	}

	_, err = c.Create(ctx, connectors.Entry{ID: "x", Attributes: connectors.Attributes{"bad column": "v"}})
	if connectors.KindOf(err) != connectors.ErrorKindInvalid {
		t.Errorf("bad column Create() kind = %v, want invalid", connectors.KindOf(err))
	}

	// email is NOT NULL; the failed insert must leave nothing behind.
	_, err = c.Create(ctx, connectors.Entry{ID: "partial", Attributes: connectors.Attributes{"display_name": "P"}})
	if err == nil {
		t.Fatal("Create() without email should fail")
	}
	if _, err := c.Read(ctx, "partial"); !connectors.IsNotFound(err) {
		t.Errorf("Read() after failed create error = %v, want not found", err)
	}
}

func TestTestConnection(t *testing.T) {
	c := newTestConnector(t)
	if !c.TestConnection(context.Background()) {
		t.Error("TestConnection() = false, want true")
	}

	c.Close()
	if c.TestConnection(context.Background()) {
		t.Error("TestConnection() on closed pool = true, want false")
	}
}

func TestFactoryUsesSchemaMarker(t *testing.T) {
	conn, err := Factory(connectors.Spec{
		System:        "sql",
		Kind:          Kind,
		Config:        connectors.MapConfig{"dialect": "sqlite", "dsn": filepath.Join(t.TempDir(), "f.db")},
		SchemaMarkers: []string{"members"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Factory() error = %v", err)
	}
	defer conn.(*Connector).Close()

	if got := conn.(*Connector).table; got != `"members"` {
		t.Errorf("table = %s, want \"members\"", got)
	}
}

func TestClassifySQLState(t *testing.T) {
	tests := []struct {
		code string
		want connectors.ErrorKind
	}{
		{"23505", connectors.ErrorKindConflict},
		{"23502", connectors.ErrorKindConflict},
		{"28P01", connectors.ErrorKindAuth},
		{"08006", connectors.ErrorKindUnavailable},
		{"57014", connectors.ErrorKindTimeout},
		{"42P01", connectors.ErrorKindInvalid},
		{"XX000", connectors.ErrorKindBackend},
	}
	for _, tt := range tests {
		if got := classifySQLState(tt.code); got != tt.want {
			t.Errorf("classifySQLState(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
