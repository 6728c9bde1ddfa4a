package auth

import (
	"crypto/x509"
)

// Origin identifies who vouches for an identity.
type Origin string

// Known identity origins.
const (
	OriginGateway     Origin = "gateway"
	OriginLegacy      Origin = "legacy"
	OriginExternalIDP Origin = "external_idp"
	OriginUnknown     Origin = "unknown"
)

// SourceType identifies the kind of credential carried by an
// AuthSource.
type SourceType string

// Known credential source types.
const (
	SourceJWT    SourceType = "jwt"
	SourceOIDC   SourceType = "oidc"
	SourcePAT    SourceType = "pat"
	SourceX509   SourceType = "x509"
	SourceLegacy SourceType = "legacy"
)

// AuthSource is the raw credential extracted from a request. It is
// immutable for the lifetime of the request.
type AuthSource struct {
	Type   SourceType
	Origin Origin

	// Token is the raw token string for token-shaped credentials.
	Token string

	// Certs is the presented certificate chain for X.509 credentials.
	Certs []*x509.Certificate

	// DistributedID is the external subject for OIDC credentials.
	DistributedID string
}
