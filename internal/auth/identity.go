package auth

import (
	"time"
)

// ParsedIdentity is the normalized result of parsing any credential the
// gateway accepts.
type ParsedIdentity struct {
	// UserID is the mainframe user ID. Empty means unauthenticated.
	UserID string

	// IssuedAt is when the credential was issued.
	IssuedAt time.Time

	// ExpiresAt is when the credential expires. Zero means the
	// credential does not carry an expiry.
	ExpiresAt time.Time

	// Origin is who vouches for this identity.
	Origin Origin

	// Roles carries the identity's roles where the scheme provides
	// them. Used for admin checks on management endpoints.
	Roles []string
}

// Authenticated reports whether the identity names a user.
func (i *ParsedIdentity) Authenticated() bool {
	return i != nil && i.UserID != ""
}

// Expired reports whether the credential has expired at the given
// time.
func (i *ParsedIdentity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// HasRole reports whether the identity carries the given role.
func (i *ParsedIdentity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}
