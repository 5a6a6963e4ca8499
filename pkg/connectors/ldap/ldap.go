// Package ldap implements the directory-service connector on top of
// github.com/go-ldap/ldap/v3.
//
// Every call dials, binds and closes its own connection. Nothing is cached
// between calls.
package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/connectors"
)

// Kind is the connector kind served by this package.
const Kind = "ldap"

// Config is the server section of an ldap rule set.
type Config struct {
	// URL is the server address, e.g. ldap://localhost:389 or ldaps://host:636.
	// When empty it is built from Host and Port.
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// BindDN and BindPassword authenticate every call. admin_dn and
	// admin_password are accepted as aliases.
	BindDN        string `yaml:"bind_dn"`
	BindPassword  string `yaml:"bind_password"`
	AdminDN       string `yaml:"admin_dn"`
	AdminPassword string `yaml:"admin_password"`

	// BaseDN and RDNAttribute expand plain identifiers into DNs:
	// "<rdn_attribute>=<id>,<base_dn>".
	BaseDN       string `yaml:"base_dn"`
	RDNAttribute string `yaml:"rdn_attribute"`

	StartTLS           bool `yaml:"start_tls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

func (c *Config) normalize() error {
	if c.BindDN == "" {
		c.BindDN = c.AdminDN
	}
	if c.BindPassword == "" {
		c.BindPassword = c.AdminPassword
	}
	if c.RDNAttribute == "" {
		c.RDNAttribute = "uid"
	}
	if c.URL == "" {
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 389
		}
		c.URL = "ldap://" + net.JoinHostPort(host, strconv.Itoa(port))
	}
	if c.BindDN == "" || c.BindPassword == "" {
		return fmt.Errorf("bind_dn and bind_password are required")
	}
	return nil
}

// Connector talks to one directory server.
type Connector struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a directory connector.
func New(cfg Config, logger zerolog.Logger) (*Connector, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Connector{
		cfg:    cfg,
		logger: logger.With().Str("component", "ldap-connector").Logger(),
	}, nil
}

// Factory decodes the server section and builds a Connector.
func Factory(spec connectors.Spec, logger zerolog.Logger) (connectors.Connector, error) {
	var c Config
	if err := spec.Config.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid ldap config: %w", err)
	}
	return New(c, logger)
}

// Kind returns "ldap".
func (c *Connector) Kind() string {
	return Kind
}

// DN expands id into a distinguished name unless it already is one.
func (c *Connector) DN(id string) string {
	if _, err := goldap.ParseDN(id); err == nil && strings.Contains(id, "=") {
		return id
	}
	rdn := c.cfg.RDNAttribute + "=" + escapeRDNValue(id)
	if c.cfg.BaseDN == "" {
		return rdn
	}
	return rdn + "," + c.cfg.BaseDN
}

// withConn dials and binds, runs fn and always closes the connection.
// Cancelling ctx closes the connection, which aborts the pending request.
func (c *Connector) withConn(ctx context.Context, fn func(conn *goldap.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dialer := &net.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Timeout = time.Until(deadline)
	}

	opts := []goldap.DialOpt{goldap.DialWithDialer(dialer)}
	tlsConfig := &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify}
	if strings.HasPrefix(c.cfg.URL, "ldaps://") {
		opts = append(opts, goldap.DialWithTLSConfig(tlsConfig))
	}

	conn, err := goldap.DialURL(c.cfg.URL, opts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetTimeout(time.Until(deadline))
	}

	if c.cfg.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			return err
		}
	}

	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		return err
	}

	return fn(conn)
}

// Create adds an entry with the given object classes.
func (c *Connector) Create(ctx context.Context, entry connectors.Entry) (*connectors.Result, error) {
	dn := c.DN(entry.ID)

	req := goldap.NewAddRequest(dn, nil)
	if len(entry.SchemaMarkers) > 0 {
		req.Attribute("objectClass", entry.SchemaMarkers)
	}
	for _, name := range entry.Attributes.Keys() {
		if v := entry.Attributes[name]; v != "" {
			req.Attribute(name, []string{v})
		}
	}

	err := c.withConn(ctx, func(conn *goldap.Conn) error {
		return conn.Add(req)
	})
	if err != nil {
		return nil, c.mapError(ctx, "create", dn, err)
	}

	c.logger.Info().Str("dn", dn).Msg("Entry created")
	return &connectors.Result{
		OK: true,
		ID: dn,
		Diagnostic: map[string]any{
			"dn":             dn,
			"object_classes": entry.SchemaMarkers,
			"result":         goldap.LDAPResultCodeMap[goldap.LDAPResultSuccess],
		},
	}, nil
}

// Update replaces the given attributes. Empty values remove the attribute.
func (c *Connector) Update(ctx context.Context, id string, changes connectors.Attributes) (*connectors.Result, error) {
	dn := c.DN(id)

	if len(changes) == 0 {
		if _, err := c.Read(ctx, dn); err != nil {
			return nil, err
		}
		return &connectors.Result{OK: true, ID: dn, Diagnostic: map[string]any{"modified": []string{}}}, nil
	}

	req := goldap.NewModifyRequest(dn, nil)
	for _, name := range changes.Keys() {
		if v := changes[name]; v != "" {
			req.Replace(name, []string{v})
		} else {
			req.Replace(name, []string{})
		}
	}

	err := c.withConn(ctx, func(conn *goldap.Conn) error {
		return conn.Modify(req)
	})
	if err != nil {
		return nil, c.mapError(ctx, "update", dn, err)
	}

	c.logger.Info().Str("dn", dn).Strs("attributes", changes.Keys()).Msg("Entry modified")
	return &connectors.Result{
		OK:         true,
		ID:         dn,
		Diagnostic: map[string]any{"dn": dn, "modified": changes.Keys()},
	}, nil
}

// Delete removes an entry.
func (c *Connector) Delete(ctx context.Context, id string) (*connectors.Result, error) {
	dn := c.DN(id)

	err := c.withConn(ctx, func(conn *goldap.Conn) error {
		return conn.Del(goldap.NewDelRequest(dn, nil))
	})
	if err != nil {
		return nil, c.mapError(ctx, "delete", dn, err)
	}

	c.logger.Info().Str("dn", dn).Msg("Entry deleted")
	return &connectors.Result{OK: true, ID: dn, Diagnostic: map[string]any{"dn": dn}}, nil
}

// Read returns the attributes of an entry. Multi-valued attributes are
// joined with ";".
func (c *Connector) Read(ctx context.Context, id string) (connectors.Attributes, error) {
	dn := c.DN(id)

	var result *goldap.SearchResult
	err := c.withConn(ctx, func(conn *goldap.Conn) error {
		req := goldap.NewSearchRequest(
			dn,
			goldap.ScopeBaseObject, goldap.NeverDerefAliases,
			1, 0, false,
			"(objectClass=*)",
			nil,
			nil,
		)
		var err error
		result, err = conn.Search(req)
		return err
	})
	if err != nil {
		return nil, c.mapError(ctx, "read", dn, err)
	}
	if len(result.Entries) == 0 {
		return nil, connectors.NotFound(Kind, "read", dn)
	}

	attrs := connectors.Attributes{}
	for _, a := range result.Entries[0].Attributes {
		attrs[a.Name] = strings.Join(a.Values, ";")
	}
	return attrs, nil
}

// TestConnection dials and binds.
func (c *Connector) TestConnection(ctx context.Context) bool {
	err := c.withConn(ctx, func(*goldap.Conn) error { return nil })
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("Directory connection test failed")
		return false
	}
	return true
}

func (c *Connector) mapError(ctx context.Context, op, dn string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := connectors.ErrorKindTimeout
		if errors.Is(ctxErr, context.Canceled) {
			kind = connectors.ErrorKindUnavailable
		}
		return connectors.NewError(kind, Kind, op, dn, "request interrupted", err)
	}

	var le *goldap.Error
	if !errors.As(err, &le) {
		return connectors.Classify(Kind, op, dn, err)
	}

	kind := classifyResultCode(le)
	ce := connectors.NewError(kind, Kind, op, dn, goldap.LDAPResultCodeMap[le.ResultCode], err).
		WithDiagnostic("result_code", int(le.ResultCode))
	if le.MatchedDN != "" {
		ce.WithDiagnostic("matched_dn", le.MatchedDN)
	}
	if kind == connectors.ErrorKindNotFound {
		ce.Err = fmt.Errorf("%w: %v", connectors.ErrNotFound, err)
	}
	return ce
}

func classifyResultCode(le *goldap.Error) connectors.ErrorKind {
	switch le.ResultCode {
	case goldap.LDAPResultNoSuchObject:
		return connectors.ErrorKindNotFound
	case goldap.LDAPResultEntryAlreadyExists,
		goldap.LDAPResultAttributeOrValueExists,
		goldap.LDAPResultConstraintViolation:
		return connectors.ErrorKindConflict
	case goldap.LDAPResultInvalidCredentials,
		goldap.LDAPResultInsufficientAccessRights,
		goldap.LDAPResultInappropriateAuthentication:
		return connectors.ErrorKindAuth
	case goldap.LDAPResultObjectClassViolation,
		goldap.LDAPResultInvalidDNSyntax,
		goldap.LDAPResultUndefinedAttributeType,
		goldap.LDAPResultInvalidAttributeSyntax,
		goldap.LDAPResultNamingViolation:
		return connectors.ErrorKindInvalid
	case goldap.LDAPResultTimeLimitExceeded:
		return connectors.ErrorKindTimeout
	case goldap.LDAPResultBusy, goldap.LDAPResultUnavailable:
		return connectors.ErrorKindUnavailable
	case goldap.ErrorNetwork:
		if connectors.KindOf(le.Err) == connectors.ErrorKindTimeout {
			return connectors.ErrorKindTimeout
		}
		return connectors.ErrorKindUnavailable
	}
	return connectors.ErrorKindBackend
}

// escapeRDNValue escapes the characters RFC 4514 reserves in attribute values.
func escapeRDNValue(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch {
		case strings.ContainsRune(`,+"\<>;=`, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		case (r == ' ' || r == '#') && i == 0:
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == ' ' && i == len(v)-1:
			b.WriteString(`\ `)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
