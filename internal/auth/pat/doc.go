// Package pat implements the personal access token authority. Access
// tokens are long-lived, scope-restricted JWTs revoked through rules
// rather than a token blacklist: a rule names a token hash, a user or a
// scope together with a cutoff instant, and a token is invalid when any
// rule matches it and the token was issued at or before the cutoff.
package pat
