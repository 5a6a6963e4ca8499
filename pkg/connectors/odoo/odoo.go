// Package odoo implements the business-application connector. It speaks
// Odoo's XML-RPC API (/xmlrpc/2/common and /xmlrpc/2/object) and manages
// res.users records addressed by login.
package odoo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/kolo/xmlrpc"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/connectors"
)

// Kind is the connector kind served by this package.
const Kind = "odoo"

// Config is the server section of an odoo rule set.
type Config struct {
	// URL is the server base address. When empty it is built from Host and Port.
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Database string `yaml:"database"`
	Username string `yaml:"username"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Model defaults to res.users and KeyField to login.
	Model    string `yaml:"model"`
	KeyField string `yaml:"key_field"`

	// Fields are returned by Read. Defaults to name, login and email.
	Fields []string `yaml:"fields"`
}

func (c *Config) normalize() error {
	if c.Username == "" {
		c.Username = c.User
	}
	if c.URL == "" {
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 8069
		}
		c.URL = "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.Model == "" {
		c.Model = "res.users"
	}
	if c.KeyField == "" {
		c.KeyField = "login"
	}
	if len(c.Fields) == 0 {
		c.Fields = []string{"name", "login", "email"}
	}
	if c.Database == "" || c.Username == "" || c.Password == "" {
		return fmt.Errorf("database, username and password are required")
	}
	return nil
}

// Connector talks to one Odoo instance.
type Connector struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// New creates an Odoo connector. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, logger zerolog.Logger) (*Connector, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Connector{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "odoo-connector").Logger(),
	}, nil
}

// Factory decodes the server section and builds a Connector.
func Factory(spec connectors.Spec, logger zerolog.Logger) (connectors.Connector, error) {
	var c Config
	if err := spec.Config.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid odoo config: %w", err)
	}
	return New(c, nil, logger)
}

// Kind returns "odoo".
func (c *Connector) Kind() string {
	return Kind
}

const (
	commonPath = "/xmlrpc/2/common"
	objectPath = "/xmlrpc/2/object"
)

// call posts one XML-RPC method call and decodes the result into reply.
// A nil reply discards the result.
func (c *Connector) call(ctx context.Context, path, method string, args []any, reply any) error {
	body, err := xmlrpc.EncodeMethodCall(method, args...)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	result := xmlrpc.Response(raw)
	if err := result.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := result.Unmarshal(reply); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d: %s", e.code, e.body)
}

// Fault codes Odoo's XML-RPC handler answers with. Anything else, usually 1,
// is an application error carrying the server traceback.
const (
	faultWarning      = 2
	faultAccessDenied = 3
	faultAccessError  = 4
)

var errLoginRejected = errors.New("login rejected")

// session authenticates once per call; the uid is not cached.
type session struct {
	c   *Connector
	uid int64
}

func (c *Connector) login(ctx context.Context) (*session, error) {
	var uid any
	args := []any{c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]any{}}
	if err := c.call(ctx, commonPath, "authenticate", args, &uid); err != nil {
		return nil, err
	}
	// A rejected login answers false.
	id, ok := uid.(int64)
	if !ok || id == 0 {
		return nil, errLoginRejected
	}
	return &session{c: c, uid: id}, nil
}

func (s *session) execute(ctx context.Context, method string, args []any, kwargs map[string]any, reply any) error {
	params := []any{s.c.cfg.Database, s.uid, s.c.cfg.Password, s.c.cfg.Model, method, args}
	if kwargs != nil {
		params = append(params, kwargs)
	}
	return s.c.call(ctx, objectPath, "execute_kw", params, reply)
}

func (s *session) search(ctx context.Context, id string) ([]int64, error) {
	var ids []int64
	domain := []any{[]any{s.c.cfg.KeyField, "=", id}}
	err := s.execute(ctx, "search", []any{domain}, nil, &ids)
	return ids, err
}

// Create adds a record. The key field is filled from entry.ID when missing.
func (c *Connector) Create(ctx context.Context, entry connectors.Entry) (*connectors.Result, error) {
	vals := entry.Attributes.Clone()
	if vals[c.cfg.KeyField] == "" && entry.ID != "" {
		vals[c.cfg.KeyField] = entry.ID
	}
	id := vals[c.cfg.KeyField]

	s, err := c.login(ctx)
	if err != nil {
		return nil, c.mapError(ctx, "create", id, err)
	}

	var recordID int64
	if err := s.execute(ctx, "create", []any{vals}, nil, &recordID); err != nil {
		return nil, c.mapError(ctx, "create", id, err)
	}

	c.logger.Info().Str("login", id).Int64("record_id", recordID).Msg("Record created")
	return &connectors.Result{
		OK:         true,
		ID:         id,
		Diagnostic: map[string]any{"model": c.cfg.Model, "record_id": recordID},
	}, nil
}

// Update writes changes to every record matching id.
func (c *Connector) Update(ctx context.Context, id string, changes connectors.Attributes) (*connectors.Result, error) {
	s, err := c.login(ctx)
	if err != nil {
		return nil, c.mapError(ctx, "update", id, err)
	}

	ids, err := s.search(ctx, id)
	if err != nil {
		return nil, c.mapError(ctx, "update", id, err)
	}
	if len(ids) == 0 {
		return nil, connectors.NotFound(Kind, "update", id)
	}

	if len(changes) > 0 {
		if err := s.execute(ctx, "write", []any{ids, changes}, nil, nil); err != nil {
			return nil, c.mapError(ctx, "update", id, err)
		}
	}

	c.logger.Info().Str("login", id).Strs("fields", changes.Keys()).Msg("Record updated")
	return &connectors.Result{
		OK:         true,
		ID:         id,
		Diagnostic: map[string]any{"model": c.cfg.Model, "record_ids": ids, "fields": changes.Keys()},
	}, nil
}

// Delete unlinks every record matching id.
func (c *Connector) Delete(ctx context.Context, id string) (*connectors.Result, error) {
	s, err := c.login(ctx)
	if err != nil {
		return nil, c.mapError(ctx, "delete", id, err)
	}

	ids, err := s.search(ctx, id)
	if err != nil {
		return nil, c.mapError(ctx, "delete", id, err)
	}
	if len(ids) == 0 {
		return nil, connectors.NotFound(Kind, "delete", id)
	}

	if err := s.execute(ctx, "unlink", []any{ids}, nil, nil); err != nil {
		return nil, c.mapError(ctx, "delete", id, err)
	}

	c.logger.Info().Str("login", id).Msg("Record deleted")
	return &connectors.Result{
		OK:         true,
		ID:         id,
		Diagnostic: map[string]any{"model": c.cfg.Model, "record_ids": ids},
	}, nil
}

// Read returns the configured fields of the first record matching id.
// Fields Odoo reports as false are omitted; relational fields yield their
// display name.
func (c *Connector) Read(ctx context.Context, id string) (connectors.Attributes, error) {
	s, err := c.login(ctx)
	if err != nil {
		return nil, c.mapError(ctx, "read", id, err)
	}

	var records []map[string]any
	domain := []any{[]any{c.cfg.KeyField, "=", id}}
	kwargs := map[string]any{"fields": c.cfg.Fields, "limit": 1}
	if err := s.execute(ctx, "search_read", []any{domain}, kwargs, &records); err != nil {
		return nil, c.mapError(ctx, "read", id, err)
	}
	if len(records) == 0 {
		return nil, connectors.NotFound(Kind, "read", id)
	}

	attrs := connectors.Attributes{}
	for k, v := range records[0] {
		if str, ok := formatField(v); ok {
			attrs[k] = str
		}
	}
	return attrs, nil
}

// TestConnection reports whether the configured credentials log in.
func (c *Connector) TestConnection(ctx context.Context) bool {
	if _, err := c.login(ctx); err != nil {
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("Odoo connection test failed")
		return false
	}
	return true
}

func (c *Connector) mapError(ctx context.Context, op, id string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := connectors.ErrorKindTimeout
		if errors.Is(ctxErr, context.Canceled) {
			kind = connectors.ErrorKindUnavailable
		}
		return connectors.NewError(kind, Kind, op, id, "request interrupted", err)
	}

	if errors.Is(err, errLoginRejected) {
		return connectors.NewError(connectors.ErrorKindAuth, Kind, op, id, "invalid credentials", err)
	}

	var se *statusError
	if errors.As(err, &se) {
		kind := connectors.ErrorKindBackend
		switch {
		case se.code == http.StatusUnauthorized || se.code == http.StatusForbidden:
			kind = connectors.ErrorKindAuth
		case se.code == http.StatusGatewayTimeout:
			kind = connectors.ErrorKindTimeout
		case se.code >= 500:
			kind = connectors.ErrorKindUnavailable
		}
		return connectors.NewError(kind, Kind, op, id, "", err).WithDiagnostic("http_status", se.code)
	}

	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		ce := connectors.NewError(classifyFault(fault), Kind, op, id, faultSummary(fault), err).
			WithDiagnostic("fault_code", fault.Code)
		if ce.Kind == connectors.ErrorKindNotFound {
			ce.Err = fmt.Errorf("%w: %v", connectors.ErrNotFound, err)
		}
		return ce
	}

	return connectors.Classify(Kind, op, id, err)
}

// classifyFault maps a fault to an error kind. Warnings carry the user
// message only.
func classifyFault(f xmlrpc.FaultError) connectors.ErrorKind {
	msg := strings.ToLower(f.String)
	switch f.Code {
	case faultAccessDenied, faultAccessError:
		return connectors.ErrorKindAuth
	case faultWarning:
		if strings.Contains(msg, "does not exist or has been deleted") {
			return connectors.ErrorKindNotFound
		}
		return connectors.ErrorKindInvalid
	}
	switch {
	case strings.Contains(msg, "accessdenied"), strings.Contains(msg, "accesserror"):
		return connectors.ErrorKindAuth
	case strings.Contains(msg, "missingerror"):
		return connectors.ErrorKindNotFound
	case strings.Contains(msg, "integrityerror"), strings.Contains(msg, "uniqueviolation"),
		strings.Contains(msg, "duplicate key"), strings.Contains(msg, "already exists"):
		return connectors.ErrorKindConflict
	case strings.Contains(msg, "validationerror"), strings.Contains(msg, "usererror"),
		strings.Contains(msg, "valueerror"):
		return connectors.ErrorKindInvalid
	}
	return connectors.ErrorKindBackend
}

// faultSummary returns the last non-empty line of the fault string.
func faultSummary(f xmlrpc.FaultError) string {
	lines := strings.Split(strings.TrimSpace(f.String), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func formatField(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case bool:
		if !t {
			return "", false
		}
		return "true", true
	case string:
		return t, true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case []any:
		// many2one fields come back as [id, display_name].
		if len(t) == 2 {
			if name, ok := t[1].(string); ok {
				return name, true
			}
		}
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := formatField(item); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ";"), true
	}
	return fmt.Sprint(v), true
}
