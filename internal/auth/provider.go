package auth

import (
	"context"
	"net/http"
)

// Provider is one authentication scheme. Each scheme knows how to find
// its credential on a request, validate it, and normalize it into a
// ParsedIdentity.
type Provider interface {
	// Type returns the credential type this provider handles.
	Type() SourceType

	// Extract looks for this provider's credential on the request.
	// The second return is false when the credential is not present;
	// absence is not an error.
	Extract(r *http.Request) (*AuthSource, bool)

	// IsValid reports whether the credential is currently valid.
	IsValid(ctx context.Context, source *AuthSource) bool

	// Parse validates the credential and normalizes it. A failure
	// never yields an identity with a non-empty UserID.
	Parse(ctx context.Context, source *AuthSource) (*ParsedIdentity, error)

	// LegacyCredential exchanges the credential for one the legacy
	// authority accepts (legacy token or passticket material).
	LegacyCredential(ctx context.Context, source *AuthSource) (string, error)
}
