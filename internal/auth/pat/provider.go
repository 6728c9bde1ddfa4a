package pat

import (
	"context"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
)

// Access token transport. The dedicated header follows the common
// private-token convention; bearer tokens are claimed only when they
// carry a scopes claim, so plain session JWTs fall through to the
// session provider.
const (
	TokenHeader = "PRIVATE-TOKEN"
	CookieName  = "personalAccessToken"
)

// Provider adapts the authority to the authentication pipeline.
type Provider struct {
	authority *Authority
}

// NewProvider creates the pipeline provider for access tokens.
func NewProvider(authority *Authority) *Provider {
	return &Provider{authority: authority}
}

// Type implements auth.Provider.
func (p *Provider) Type() auth.SourceType {
	return auth.SourcePAT
}

// Extract looks for the dedicated header, the access token cookie, then
// a bearer token carrying a scopes claim.
func (p *Provider) Extract(r *http.Request) (*auth.AuthSource, bool) {
	if token := r.Header.Get(TokenHeader); token != "" {
		return patSource(token), true
	}

	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return patSource(cookie.Value), true
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, false
	}

	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, false
	}
	if _, hasScopes := parsed.Get(ScopesClaim); !hasScopes {
		return nil, false
	}

	return patSource(token), true
}

func patSource(token string) *auth.AuthSource {
	return &auth.AuthSource{
		Type:   auth.SourcePAT,
		Origin: auth.OriginGateway,
		Token:  token,
	}
}

// IsValid implements auth.Provider.
func (p *Provider) IsValid(ctx context.Context, source *auth.AuthSource) bool {
	_, err := p.authority.Identity(ctx, source.Token)
	return err == nil
}

// Parse verifies the token and applies revocation rules.
func (p *Provider) Parse(ctx context.Context, source *auth.AuthSource) (*auth.ParsedIdentity, error) {
	return p.authority.Identity(ctx, source.Token)
}

// LegacyCredential is not supported for access tokens; they are scoped
// to gateway-fronted services only.
func (p *Provider) LegacyCredential(context.Context, *auth.AuthSource) (string, error) {
	return "", auth.NewSecurityError(auth.ErrNoMainframeIdentity,
		"access tokens carry no legacy credential")
}
