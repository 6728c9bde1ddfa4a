package jwt

import (
	"context"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
)

// InvalidationChecker reports whether a session token has been
// invalidated.
type InvalidationChecker interface {
	IsInvalidated(ctx context.Context, token string) (bool, error)
}

// Provider authenticates requests carrying a gateway session JWT in
// the session cookie or an Authorization bearer header.
type Provider struct {
	verifier    *Verifier
	invalidated InvalidationChecker
	legacy      legacy.Client
	cookieName  string
}

// NewProvider creates the session JWT provider. legacyClient may be
// nil when no legacy authority is configured.
func NewProvider(
	verifier *Verifier,
	invalidated InvalidationChecker,
	legacyClient legacy.Client,
	cookieName string,
) *Provider {
	return &Provider{
		verifier:    verifier,
		invalidated: invalidated,
		legacy:      legacyClient,
		cookieName:  cookieName,
	}
}

// Type implements auth.Provider.
func (p *Provider) Type() auth.SourceType {
	return auth.SourceJWT
}

// Extract looks for the session cookie, then a bearer token.
func (p *Provider) Extract(r *http.Request) (*auth.AuthSource, bool) {
	if cookie, err := r.Cookie(p.cookieName); err == nil && cookie.Value != "" {
		return &auth.AuthSource{Type: auth.SourceJWT, Token: cookie.Value}, true
	}

	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		return &auth.AuthSource{Type: auth.SourceJWT, Token: token}, true
	}

	return nil, false
}

// IsValid implements auth.Provider.
func (p *Provider) IsValid(ctx context.Context, source *auth.AuthSource) bool {
	_, err := p.Parse(ctx, source)
	return err == nil
}

// Parse verifies the token and rejects invalidated sessions.
func (p *Provider) Parse(ctx context.Context, source *auth.AuthSource) (*auth.ParsedIdentity, error) {
	identity, err := p.verifier.Verify(ctx, source.Token)
	if err != nil {
		return nil, err
	}

	if p.invalidated != nil {
		invalidated, err := p.invalidated.IsInvalidated(ctx, source.Token)
		if err != nil {
			// A failing invalidation store must not admit revoked
			// tokens.
			return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "invalidation check failed")
		}
		if invalidated {
			return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "session invalidated")
		}
	}

	return identity, nil
}

// LegacyCredential trades the session JWT for a legacy token.
func (p *Provider) LegacyCredential(ctx context.Context, source *auth.AuthSource) (string, error) {
	if p.legacy == nil {
		return "", auth.NewSecurityError(auth.ErrNoMainframeIdentity,
			"no legacy authority configured")
	}

	token, err := p.legacy.ExchangeForLegacyToken(ctx, source.Token)
	if err != nil {
		return "", auth.NewSecurityError(auth.ErrTokenNotValid, "legacy exchange failed")
	}
	return token, nil
}
