// Package jwt issues and verifies the gateway's session JWTs. Tokens
// are signed by whichever authority the signing selector decided on;
// verification accepts both gateway-signed and legacy-authority-signed
// tokens and classifies the origin by issuer.
package jwt
