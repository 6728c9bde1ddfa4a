// Package cache provides the shared cache used by the authentication
// subsystem: invalidated session tokens, OIDC introspection results and
// known-invalid access tokens. Backends are in-memory LRU, Redis, or
// disabled.
package cache
