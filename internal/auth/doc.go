// Package auth defines the credential model shared by every
// authentication scheme the gateway accepts: the AuthSource carrying
// the raw credential, the ParsedIdentity it normalizes into, the error
// taxonomy with machine-readable message codes, and the Pipeline that
// tries each registered scheme in order. Concrete schemes live in the
// subpackages (jwt, oidc, mtls, pat).
package auth
