package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	gwjwt "github.com/vyrodovalexey/mfgateway/internal/auth/jwt"
	"github.com/vyrodovalexey/mfgateway/internal/cache"
	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/identitymap"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// TokenHeader is the dedicated header for IdP access tokens.
const TokenHeader = "X-OIDC-Token"

// Cache key prefixes.
const (
	validCachePrefix = "oidc:valid:"
	parseCachePrefix = "oidc:parse:"
)

// Provider authenticates external IdP access tokens.
type Provider struct {
	cfg    config.OIDCConfig
	mapper identitymap.Mapper
	cache  cache.Cache
	client *http.Client
	logger observability.Logger
}

// Option is a functional option for the provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client used for introspection.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// NewProvider creates the OIDC provider.
func NewProvider(
	cfg config.OIDCConfig,
	mapper identitymap.Mapper,
	store cache.Cache,
	opts ...Option,
) *Provider {
	p := &Provider{
		cfg:    cfg,
		mapper: mapper,
		cache:  store,
		client: &http.Client{Timeout: cfg.Timeout.Duration()},
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Type implements auth.Provider.
func (p *Provider) Type() auth.SourceType {
	return auth.SourceOIDC
}

// Extract looks for the dedicated token header first, then a bearer
// token whose issuer is neither the gateway nor the legacy authority.
func (p *Provider) Extract(r *http.Request) (*auth.AuthSource, bool) {
	if !p.cfg.Enabled {
		return nil, false
	}

	if token := r.Header.Get(TokenHeader); token != "" {
		return p.sourceFor(token)
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, false
	}

	issuer, _ := unverifiedClaims(token)
	if issuer == "" || issuer == gwjwt.GatewayIssuer || issuer == gwjwt.LegacyIssuer {
		return nil, false
	}

	return p.sourceFor(token)
}

func (p *Provider) sourceFor(token string) (*auth.AuthSource, bool) {
	_, subject := unverifiedClaims(token)
	return &auth.AuthSource{
		Type:          auth.SourceOIDC,
		Origin:        auth.OriginExternalIDP,
		Token:         token,
		DistributedID: subject,
	}, true
}

// IsValid validates the token through introspection. Missing or
// unusable introspection configuration means the token is treated as
// invalid, not as an error.
func (p *Provider) IsValid(ctx context.Context, source *auth.AuthSource) bool {
	if p.cfg.IntrospectionEndpoint == "" || p.cfg.ClientID == "" {
		return false
	}

	if active, ok := p.cachedBool(ctx, validCachePrefix+source.Token); ok {
		return active
	}

	active := p.introspect(ctx, source.Token)
	p.cacheBool(ctx, validCachePrefix+source.Token, active, p.cacheTTL(source.Token))

	return active
}

// Parse validates the token and maps its subject to a mainframe user.
// A valid token without a mapping is ErrNoMainframeIdentity.
func (p *Provider) Parse(ctx context.Context, source *auth.AuthSource) (*auth.ParsedIdentity, error) {
	if identity, ok := p.cachedIdentity(ctx, parseCachePrefix+source.Token); ok {
		return identity, nil
	}

	if !p.IsValid(ctx, source) {
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "introspection rejected token")
	}

	issuer, subject := unverifiedClaims(source.Token)
	if subject == "" {
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "token carries no subject")
	}

	userID, err := p.mapper.MapDistributedID(ctx, issuer, subject)
	if err != nil || userID == "" {
		return nil, auth.NewSecurityError(auth.ErrNoMainframeIdentity, subject)
	}

	identity := &auth.ParsedIdentity{
		UserID: userID,
		Origin: auth.OriginExternalIDP,
	}
	if parsed, err := jwt.ParseInsecure([]byte(source.Token)); err == nil {
		identity.IssuedAt = parsed.IssuedAt()
		identity.ExpiresAt = parsed.Expiration()
	}

	p.cacheIdentity(ctx, parseCachePrefix+source.Token, identity, p.cacheTTL(source.Token))

	return identity, nil
}

// LegacyCredential is not supported for IdP tokens; callers needing a
// legacy credential must go through a gateway session first.
func (p *Provider) LegacyCredential(context.Context, *auth.AuthSource) (string, error) {
	return "", auth.NewSecurityError(auth.ErrNoMainframeIdentity,
		"external IdP tokens carry no legacy credential")
}

// introspect performs the RFC 7662 call. Any failure is an inactive
// token.
func (p *Provider) introspect(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout.Duration())
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.IntrospectionEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithContext(ctx).Warn("token introspection failed",
			observability.Error(err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var payload struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}

	return payload.Active
}

// cacheTTL bounds the cache TTL by the token's own expiry.
func (p *Provider) cacheTTL(token string) time.Duration {
	ttl := p.cfg.CacheTTL.Duration()

	if parsed, err := jwt.ParseInsecure([]byte(token)); err == nil {
		if exp := parsed.Expiration(); !exp.IsZero() {
			if remaining := time.Until(exp); remaining > 0 && remaining < ttl {
				ttl = remaining
			}
		}
	}

	return ttl
}

func (p *Provider) cachedBool(ctx context.Context, key string) (value, ok bool) {
	if p.cache == nil {
		return false, false
	}
	data, err := p.cache.Get(ctx, key)
	if err != nil {
		return false, false
	}
	return string(data) == "1", true
}

func (p *Provider) cacheBool(ctx context.Context, key string, value bool, ttl time.Duration) {
	if p.cache == nil || ttl <= 0 {
		return
	}
	data := []byte("0")
	if value {
		data = []byte("1")
	}
	_ = p.cache.Set(ctx, key, data, ttl)
}

func (p *Provider) cachedIdentity(ctx context.Context, key string) (*auth.ParsedIdentity, bool) {
	if p.cache == nil {
		return nil, false
	}
	data, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var identity auth.ParsedIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, false
	}
	return &identity, true
}

func (p *Provider) cacheIdentity(
	ctx context.Context, key string, identity *auth.ParsedIdentity, ttl time.Duration,
) {
	if p.cache == nil || ttl <= 0 {
		return
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return
	}
	_ = p.cache.Set(ctx, key, data, ttl)
}

// unverifiedClaims reads issuer and subject without verifying the
// signature. Callers only use these after introspection vouched for
// the token, or to route extraction.
func unverifiedClaims(token string) (issuer, subject string) {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return "", ""
	}
	return parsed.Issuer(), parsed.Subject()
}
