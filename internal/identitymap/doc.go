// Package identitymap resolves external identities (OIDC subjects,
// client certificate DNs) to mainframe user IDs through the external
// mapping service. Lookups are fail-safe: transport failures and empty
// mappings both yield an empty user ID, and callers decide how to fail.
package identitymap
