package legacy

import (
	"context"
	"errors"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Cookie names used by the legacy authority.
const (
	legacyTokenCookie = "LtpaToken2"
	modernTokenCookie = "jwtToken"
)

// Client errors.
var (
	// ErrUnavailable indicates that the authority could not be
	// reached or is not registered.
	ErrUnavailable = errors.New("legacy authority unavailable")

	// ErrAuthenticationFailed indicates that the authority rejected
	// the credentials.
	ErrAuthenticationFailed = errors.New("legacy authority rejected credentials")
)

// Tokens holds the credentials returned by an authority login.
type Tokens struct {
	// LegacyToken is the authority's proprietary session token.
	LegacyToken string

	// Token is the authority-issued JWT, when the authority issues
	// them.
	Token string
}

// Client talks to the legacy token authority.
type Client interface {
	// SupportsTokenIssuance probes whether the authority issues JWTs.
	SupportsTokenIssuance(ctx context.Context) (bool, error)

	// Authenticate performs a credential login and returns the
	// authority's tokens.
	Authenticate(ctx context.Context, user, password string) (*Tokens, error)

	// ExchangeForLegacyToken trades a gateway JWT for a legacy token.
	ExchangeForLegacyToken(ctx context.Context, token string) (string, error)

	// PassTicket obtains a single-use passticket for the user and
	// application.
	PassTicket(ctx context.Context, userID, applID string) (string, error)

	// JWKS fetches the authority's signing keys.
	JWKS(ctx context.Context) (jwk.Set, error)
}
