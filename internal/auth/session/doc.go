// Package session issues and revokes gateway session tokens. Login
// authenticates against the legacy authority when one is configured,
// falling back to locally configured users, and issues a token signed
// by whichever authority the selector decided on. Revoked tokens are
// remembered in the cache for their remaining lifetime and broadcast to
// peer instances through the notifier.
package session
