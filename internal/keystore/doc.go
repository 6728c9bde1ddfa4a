// Package keystore loads and serves the gateway's key material: the
// JWT signing key pair, the set of certificates trusted for client
// authentication, and signature verification for the forwarded
// certificate header channel. Backends are local PEM files or a Vault
// KV v2 secret.
package keystore
