// Package template evaluates attribute-derivation expressions.
//
// A template is literal text with "{{ expression }}" placeholders. Expressions
// reference context values by name and support indexing, concatenation with
// "~" and a fixed set of string filters:
//
//	{{ firstname|lower }}.{{ lastname|ascii|lower }}
//	{{ firstname[0] ~ lastname|lower }}
//	{{ nickname|default("none") }}
//
// Evaluation is strict: referencing a name that is absent from the context is
// an error rather than an empty string. Evaluation has no side effects.
package template
