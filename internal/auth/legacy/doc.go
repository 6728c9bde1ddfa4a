// Package legacy is the client for the mainframe token authority. It
// resolves the authority through the service registry, probes whether
// the authority can issue JWTs, authenticates users, bridges gateway
// JWTs to legacy tokens, and fetches the authority's JWKS. All calls
// run behind a circuit breaker with short timeouts.
package legacy
