package jwt

import (
	"context"
	"errors"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
)

// LegacyIssuer is the issuer claim the legacy authority puts in its
// tokens.
const LegacyIssuer = "zOSMF"

// Verifier verifies session JWTs against every key the selector
// trusts.
type Verifier struct {
	selector *signing.Selector
}

// NewVerifier creates a verifier.
func NewVerifier(selector *signing.Selector) *Verifier {
	return &Verifier{selector: selector}
}

// Verify parses and validates a session token. Expired tokens yield
// ErrTokenExpired; every other failure yields ErrTokenNotValid.
func (v *Verifier) Verify(ctx context.Context, token string) (*auth.ParsedIdentity, error) {
	keys, err := v.selector.AllPublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKeySet(keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, auth.NewSecurityError(auth.ErrTokenExpired, "")
		}
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "")
	}

	identity := &auth.ParsedIdentity{
		UserID:    parsed.Subject(),
		IssuedAt:  parsed.IssuedAt(),
		ExpiresAt: parsed.Expiration(),
		Origin:    originForIssuer(parsed.Issuer()),
	}

	if identity.UserID == "" {
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "token carries no subject")
	}

	return identity, nil
}

// originForIssuer classifies who vouches for the token.
func originForIssuer(issuer string) auth.Origin {
	switch issuer {
	case GatewayIssuer:
		return auth.OriginGateway
	case LegacyIssuer:
		return auth.OriginLegacy
	default:
		return auth.OriginUnknown
	}
}
