package pat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
	"github.com/vyrodovalexey/mfgateway/internal/cache"
	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// ScopesClaim is the JWT claim carrying the token's service scopes.
const ScopesClaim = "scopes"

// WildcardScope grants access to every service.
const WildcardScope = "*"

const invalidTokenCachePrefix = "pat:invalid:"

// Authority issues, validates and revokes personal access tokens.
type Authority struct {
	cfg      config.PATConfig
	selector *signing.Selector
	rules    *ruleSet
	cache    cache.Cache
	logger   observability.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// AuthorityOption is a functional option for the authority.
type AuthorityOption func(*Authority)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) AuthorityOption {
	return func(a *Authority) {
		a.logger = logger
	}
}

// WithInvalidTokenCache caches known-invalid tokens so repeated
// presentations skip rule evaluation.
func WithInvalidTokenCache(store cache.Cache) AuthorityOption {
	return func(a *Authority) {
		a.cache = store
	}
}

// NewAuthority creates the access token authority.
func NewAuthority(cfg config.PATConfig, selector *signing.Selector, opts ...AuthorityOption) *Authority {
	a := &Authority{
		cfg:      cfg,
		selector: selector,
		rules:    newRuleSet(),
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// TokenHash is the stable identifier of a token in rules and caches.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue creates a signed access token for the user, restricted to the
// given scopes. expiresIn is capped by the configured maximum lifetime;
// zero means the maximum.
func (a *Authority) Issue(userID string, scopes []string, expiresIn time.Duration) (string, error) {
	if userID == "" {
		return "", auth.NewSecurityError(auth.ErrNoCredentials, "access token needs a user")
	}

	maxLifetime := a.cfg.MaxTokenLifetime.Duration()
	if expiresIn <= 0 || expiresIn > maxLifetime {
		expiresIn = maxLifetime
	}

	key, err := a.selector.Signer()
	if err != nil {
		return "", err
	}

	now := time.Now()
	builder := jwt.NewBuilder().
		Issuer(a.cfg.Issuer).
		Subject(userID).
		IssuedAt(now).
		Expiration(now.Add(expiresIn)).
		Claim(ScopesClaim, scopes)

	token, err := builder.Build()
	if err != nil {
		return "", auth.NewSecurityError(auth.ErrConfigurationError, err.Error())
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		return "", auth.NewSecurityError(auth.ErrConfigurationError, err.Error())
	}

	return string(signed), nil
}

// IsValidForScope reports whether the token verifies, is unexpired,
// carries a scope matching serviceID and is not revoked by any rule.
func (a *Authority) IsValidForScope(ctx context.Context, token, serviceID string) error {
	hash := TokenHash(token)
	if a.knownInvalid(ctx, hash) {
		return auth.NewSecurityError(auth.ErrTokenNotValid, "token revoked")
	}

	parsed, err := a.verify(ctx, token)
	if err != nil {
		return err
	}

	scopes := tokenScopes(parsed)
	if !scopeMatches(scopes, serviceID) {
		return auth.NewSecurityError(auth.ErrScopeMismatch, serviceID)
	}

	if a.rules.matches(hash, parsed.Subject(), scopes, parsed.IssuedAt()) {
		a.rememberInvalid(ctx, hash, parsed.Expiration())
		return auth.NewSecurityError(auth.ErrTokenNotValid, "token revoked")
	}

	return nil
}

// Identity verifies the token and returns the owning identity without a
// scope check. Revocation rules still apply.
func (a *Authority) Identity(ctx context.Context, token string) (*auth.ParsedIdentity, error) {
	hash := TokenHash(token)
	if a.knownInvalid(ctx, hash) {
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "token revoked")
	}

	parsed, err := a.verify(ctx, token)
	if err != nil {
		return nil, err
	}

	if a.rules.matches(hash, parsed.Subject(), tokenScopes(parsed), parsed.IssuedAt()) {
		a.rememberInvalid(ctx, hash, parsed.Expiration())
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "token revoked")
	}

	return &auth.ParsedIdentity{
		UserID:    parsed.Subject(),
		IssuedAt:  parsed.IssuedAt(),
		ExpiresAt: parsed.Expiration(),
		Origin:    auth.OriginGateway,
	}, nil
}

// Invalidate revokes a single token by hash. Revoking an
// already-revoked or unverifiable token is ErrAlreadyInvalidated.
func (a *Authority) Invalidate(ctx context.Context, token string) error {
	hash := TokenHash(token)
	if a.knownInvalid(ctx, hash) {
		return auth.NewSecurityError(auth.ErrAlreadyInvalidated, "")
	}

	parsed, err := a.verify(ctx, token)
	if err != nil {
		return auth.NewSecurityError(auth.ErrAlreadyInvalidated, "token does not verify")
	}

	if a.rules.matches(hash, parsed.Subject(), tokenScopes(parsed), parsed.IssuedAt()) {
		return auth.NewSecurityError(auth.ErrAlreadyInvalidated, "")
	}

	a.rules.add(Rule{Type: RuleToken, Subject: hash, IssuedBefore: time.Now()})
	a.rememberInvalid(ctx, hash, parsed.Expiration())
	return nil
}

// InvalidateAllForUser revokes every token of a user issued at or
// before cutoff. A zero cutoff means now.
func (a *Authority) InvalidateAllForUser(userID string, cutoff time.Time) error {
	return a.addSubjectRule(RuleUser, userID, cutoff)
}

// InvalidateAllForService revokes every token scoped to a service
// issued at or before cutoff. A zero cutoff means now.
func (a *Authority) InvalidateAllForService(serviceID string, cutoff time.Time) error {
	return a.addSubjectRule(RuleScope, serviceID, cutoff)
}

func (a *Authority) addSubjectRule(ruleType RuleType, subject string, cutoff time.Time) error {
	if subject == "" {
		return auth.NewSecurityError(auth.ErrNoCredentials, "revocation rule needs a subject")
	}
	if cutoff.IsZero() {
		cutoff = time.Now()
	}

	a.rules.add(Rule{Type: ruleType, Subject: subject, IssuedBefore: cutoff})
	return nil
}

// Evict drops rules too old to match any still-unexpired token. Safe to
// call concurrently with validation; naturally expired cached tokens
// age out of the cache on their own TTL.
func (a *Authority) Evict(context.Context) int {
	horizon := time.Now().Add(-a.cfg.MaxTokenLifetime.Duration())
	removed := a.rules.evict(horizon)
	if removed > 0 {
		a.logger.Info("evicted stale revocation rules",
			observability.Int("removed", removed),
			observability.Int("remaining", a.rules.len()))
	}
	return removed
}

// Start runs periodic eviction until Stop is called.
func (a *Authority) Start() {
	if a.cfg.EvictionInterval.Duration() <= 0 {
		return
	}

	a.stopCh = make(chan struct{})
	a.stoppedCh = make(chan struct{})

	go func() {
		defer close(a.stoppedCh)
		ticker := time.NewTicker(a.cfg.EvictionInterval.Duration())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.Evict(context.Background())
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Stop halts periodic eviction.
func (a *Authority) Stop() {
	if a.stopCh == nil {
		return
	}
	close(a.stopCh)
	<-a.stoppedCh
	a.stopCh = nil
}

// verify checks signature and expiry against the trusted key set.
func (a *Authority) verify(ctx context.Context, token string) (jwt.Token, error) {
	keys, err := a.selector.AllPublicKeys(ctx)
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

	if parsed.Subject() == "" {
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid, "token carries no subject")
	}

	return parsed, nil
}

func (a *Authority) knownInvalid(ctx context.Context, hash string) bool {
	if a.cache == nil {
		return false
	}
	exists, err := a.cache.Exists(ctx, invalidTokenCachePrefix+hash)
	return err == nil && exists
}

func (a *Authority) rememberInvalid(ctx context.Context, hash string, expiresAt time.Time) {
	if a.cache == nil {
		return
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	_ = a.cache.Set(ctx, invalidTokenCachePrefix+hash, []byte("1"), ttl)
}

// tokenScopes reads the scopes claim, tolerating both string lists and
// single strings.
func tokenScopes(token jwt.Token) []string {
	raw, ok := token.Get(ScopesClaim)
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		scopes := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	case string:
		return []string{v}
	default:
		return nil
	}
}

// scopeMatches applies case-insensitive scope comparison with wildcard
// support.
func scopeMatches(scopes []string, serviceID string) bool {
	for _, scope := range scopes {
		if scope == WildcardScope || strings.EqualFold(scope, serviceID) {
			return true
		}
	}
	return false
}
