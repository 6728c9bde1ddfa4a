package signing

import (
	"context"
	"crypto"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/keystore"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
	"github.com/vyrodovalexey/mfgateway/internal/registry"
)

// Selector runs the signing authority decision and serves its result.
// Determine is the single writer of the published authority; every
// other method only reads.
type Selector struct {
	authorityCfg config.LegacyAuthorityConfig
	waitTimeout  time.Duration

	keys     keystore.Store
	legacy   legacy.Client
	registry registry.Client
	logger   observability.Logger

	current atomic.Int32

	mu         sync.Mutex
	trail      []string
	legacyJWKS jwk.Set
}

// Option is a functional option for the selector.
type Option func(*Selector)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a selector. legacyClient and reg may be nil when
// no legacy authority is configured.
func NewSelector(
	authorityCfg config.LegacyAuthorityConfig,
	waitTimeout time.Duration,
	keys keystore.Store,
	legacyClient legacy.Client,
	reg registry.Client,
	opts ...Option,
) *Selector {
	s := &Selector{
		authorityCfg: authorityCfg,
		waitTimeout:  waitTimeout,
		keys:         keys,
		legacy:       legacyClient,
		registry:     reg,
		logger:       observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Current returns the published authority.
func (s *Selector) Current() Authority {
	return Authority(s.current.Load())
}

// Determine runs the startup decision. It blocks until the authority
// is decided or the wait timeout elapses; a timeout is fatal for the
// caller.
func (s *Selector) Determine(ctx context.Context) error {
	if !s.authorityCfg.Configured() {
		s.note("no legacy authority configured, gateway signs its own tokens")
		return s.decideGateway()
	}

	if s.authorityCfg.Mode == "ltpa" {
		s.note("legacy authority runs in ltpa mode, gateway signs its own tokens")
		return s.decideGateway()
	}

	supports, err := s.probe(ctx)
	if err == nil {
		return s.applyProbe(ctx, supports)
	}

	s.note(fmt.Sprintf("legacy authority unreachable at startup: %v", err))
	return s.waitForAuthority(ctx)
}

// applyProbe publishes the decision from a successful probe.
func (s *Selector) applyProbe(ctx context.Context, supports bool) error {
	if !supports {
		s.note("legacy authority does not issue tokens, gateway signs its own tokens")
		return s.decideGateway()
	}

	s.note("legacy authority issues tokens, delegating signing")
	return s.decideLegacy(ctx)
}

// waitForAuthority blocks on registry refresh events, re-probing after
// each one, until the probe succeeds or the wait timeout elapses.
func (s *Selector) waitForAuthority(ctx context.Context) error {
	if s.registry == nil {
		s.noteTrailFatal()
		return auth.NewSecurityError(auth.ErrAuthorityUndetermined,
			"legacy authority unreachable and no registry to wait on")
	}

	events := s.registry.Subscribe()
	defer s.registry.Unsubscribe(events)

	timeout := time.NewTimer(s.waitTimeout)
	defer timeout.Stop()

	s.note(fmt.Sprintf("waiting up to %s for the legacy authority to register", s.waitTimeout))

	for {
		select {
		case <-ctx.Done():
			s.noteTrailFatal()
			return auth.NewSecurityError(auth.ErrAuthorityUndetermined,
				"startup cancelled before the signing authority was decided")

		case <-timeout.C:
			s.noteTrailFatal()
			return auth.NewSecurityError(auth.ErrAuthorityUndetermined,
				fmt.Sprintf("legacy authority did not appear within %s", s.waitTimeout))

		case _, ok := <-events:
			if !ok {
				s.noteTrailFatal()
				return auth.NewSecurityError(auth.ErrAuthorityUndetermined,
					"registry subscription closed before the signing authority was decided")
			}

			supports, err := s.probe(ctx)
			if err != nil {
				s.note(fmt.Sprintf("re-probe after registry refresh failed: %v", err))
				continue
			}
			return s.applyProbe(ctx, supports)
		}
	}
}

// probe asks the authority whether it issues tokens.
func (s *Selector) probe(ctx context.Context) (bool, error) {
	if s.legacy == nil {
		return false, legacy.ErrUnavailable
	}
	return s.legacy.SupportsTokenIssuance(ctx)
}

// decideGateway publishes the gateway authority after validating the
// local signing key. A missing key is a configuration error.
func (s *Selector) decideGateway() error {
	if s.keys == nil || s.keys.Signer() == nil {
		s.noteTrailFatal()
		return auth.NewSecurityError(auth.ErrConfigurationError,
			"gateway must sign tokens but no signing key is configured")
	}

	if _, err := s.keys.PublicJWK(); err != nil {
		s.noteTrailFatal()
		return auth.NewSecurityError(auth.ErrConfigurationError,
			fmt.Sprintf("signing key unusable: %v", err))
	}

	s.current.Store(int32(AuthorityGateway))
	s.logger.Info("signing authority decided",
		observability.String("authority", AuthorityGateway.String()))
	return nil
}

// decideLegacy publishes the legacy authority and caches its JWKS. The
// local key stays optional in this mode.
func (s *Selector) decideLegacy(ctx context.Context) error {
	set, err := s.legacy.JWKS(ctx)
	if err != nil {
		s.note(fmt.Sprintf("fetching legacy authority JWKS failed: %v", err))
	} else {
		s.mu.Lock()
		s.legacyJWKS = set
		s.mu.Unlock()
	}

	s.current.Store(int32(AuthorityLegacy))
	s.logger.Info("signing authority decided",
		observability.String("authority", AuthorityLegacy.String()))
	return nil
}

// Signer returns the signing key when the gateway signs its own
// tokens.
func (s *Selector) Signer() (crypto.Signer, error) {
	switch s.Current() {
	case AuthorityGateway:
		return s.keys.Signer(), nil
	case AuthorityLegacy:
		return nil, auth.NewSecurityError(auth.ErrConfigurationError,
			"legacy authority signs tokens, gateway holds no active signer")
	default:
		return nil, auth.NewSecurityError(auth.ErrAuthorityUndetermined, "")
	}
}

// CurrentPublicKeys returns the active signer's public keys. While
// undetermined this is an error.
func (s *Selector) CurrentPublicKeys(ctx context.Context) (jwk.Set, error) {
	switch s.Current() {
	case AuthorityGateway:
		return s.gatewayJWKS()
	case AuthorityLegacy:
		return s.legacyKeySet(ctx)
	default:
		return nil, auth.NewSecurityError(auth.ErrAuthorityUndetermined, "")
	}
}

// AllPublicKeys returns every key a gateway token may be verified
// against: the legacy authority's JWKS plus the gateway's own key.
func (s *Selector) AllPublicKeys(ctx context.Context) (jwk.Set, error) {
	all := jwk.NewSet()

	if s.authorityCfg.Configured() && s.legacy != nil {
		if set, err := s.legacyKeySet(ctx); err == nil {
			for it := set.Keys(context.Background()); it.Next(context.Background()); {
				pair := it.Pair()
				if key, ok := pair.Value.(jwk.Key); ok {
					_ = all.AddKey(key)
				}
			}
		}
	}

	if s.keys != nil && s.keys.Signer() != nil {
		key, err := s.keys.PublicJWK()
		if err != nil {
			return nil, err
		}
		_ = all.AddKey(key)
	}

	return all, nil
}

// gatewayJWKS wraps the gateway's public JWK in a set.
func (s *Selector) gatewayJWKS() (jwk.Set, error) {
	key, err := s.keys.PublicJWK()
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}
	return set, nil
}

// legacyKeySet returns the cached legacy JWKS, refreshing it when
// empty.
func (s *Selector) legacyKeySet(ctx context.Context) (jwk.Set, error) {
	s.mu.Lock()
	cached := s.legacyJWKS
	s.mu.Unlock()

	if cached != nil && cached.Len() > 0 {
		return cached, nil
	}

	set, err := s.legacy.JWKS(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.legacyJWKS = set
	s.mu.Unlock()

	return set, nil
}

// Trail returns the decision trail accumulated so far.
func (s *Selector) Trail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trail...)
}

func (s *Selector) note(msg string) {
	s.mu.Lock()
	s.trail = append(s.trail, fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339), msg))
	s.mu.Unlock()

	s.logger.Info(msg)
}

// noteTrailFatal logs the full decision trail before a fatal outcome.
func (s *Selector) noteTrailFatal() {
	for _, entry := range s.Trail() {
		s.logger.Error("signing authority decision trail",
			observability.String("entry", entry))
	}
}
