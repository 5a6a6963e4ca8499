// Package connectors defines the capability interface shared by all backend
// adapters, the classified Error they report, and the registry and manager
// that select and build adapters from rule-set configuration.
//
// Adapters live in sub-packages:
//
//	connectors/ldap    directory service
//	connectors/sql     relational table (PostgreSQL, SQLite)
//	connectors/odoo    Odoo res.users over XML-RPC
//	connectors/memory  in-process store
package connectors
