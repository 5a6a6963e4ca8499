// Package rules loads per-target-system attribute rules and evaluates them.
//
// A rule document is keyed by target system name. Each rule set holds an
// ordered list of attribute mappings, schema markers and the connection
// parameters of its backend. Mappings are evaluated in declaration order and
// every computed value is added to the resolution context, so later rules can
// build on earlier ones.
//
// The loaded configuration is an immutable Snapshot swapped atomically on
// reload; a failed reload leaves the previous snapshot in place.
package rules
