package jwt

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
)

// GatewayIssuer is the issuer claim of gateway-signed session tokens.
const GatewayIssuer = "mfgateway"

// DefaultSessionLifetime is the lifetime of issued session tokens.
const DefaultSessionLifetime = 8 * time.Hour

// Signer issues gateway session JWTs with the selector's active key.
type Signer struct {
	selector *signing.Selector
	lifetime time.Duration
}

// NewSigner creates a signer. A zero lifetime means the default.
func NewSigner(selector *signing.Selector, lifetime time.Duration) *Signer {
	if lifetime == 0 {
		lifetime = DefaultSessionLifetime
	}
	return &Signer{selector: selector, lifetime: lifetime}
}

// Issue creates and signs a session token for the user. While the
// signing authority is undetermined, or when the legacy authority
// signs, this fails with the corresponding typed error.
func (s *Signer) Issue(userID string) (string, error) {
	key, err := s.selector.Signer()
	if err != nil {
		return "", err
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(GatewayIssuer).
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(s.lifetime)).
		Build()
	if err != nil {
		return "", auth.NewSecurityError(auth.ErrConfigurationError, err.Error())
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		return "", auth.NewSecurityError(auth.ErrConfigurationError, err.Error())
	}

	return string(signed), nil
}

// Lifetime returns the configured session lifetime.
func (s *Signer) Lifetime() time.Duration {
	return s.lifetime
}
