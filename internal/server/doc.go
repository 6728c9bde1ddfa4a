// Package server exposes the gateway's authentication API over HTTP:
// login, session invalidation and peer distribution, access token
// management, and the public key endpoints clients use to verify
// gateway-signed tokens.
package server
