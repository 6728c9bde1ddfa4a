package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	gwjwt "github.com/vyrodovalexey/mfgateway/internal/auth/jwt"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
	"github.com/vyrodovalexey/mfgateway/internal/cache"
	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/notifier"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
	"github.com/vyrodovalexey/mfgateway/internal/registry"
)

const invalidatedPrefix = "session:invalidated:"

// Service manages gateway session tokens.
type Service struct {
	selector *signing.Selector
	signer   *gwjwt.Signer
	verifier *gwjwt.Verifier
	legacy   legacy.Client
	users    map[string]config.LocalUser
	cache    cache.Cache
	registry registry.Client
	queue    notifier.Queue
	selfID   string
	client   *http.Client
	logger   observability.Logger
}

// Option is a functional option for the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNotifier wires peer broadcast of invalidations. selfID is this
// instance's registry ID.
func WithNotifier(queue notifier.Queue, selfID string) Option {
	return func(s *Service) {
		s.queue = queue
		s.selfID = selfID
	}
}

// WithRegistry enables replay of invalidated tokens to joining peers.
func WithRegistry(reg registry.Client) Option {
	return func(s *Service) {
		s.registry = reg
	}
}

// WithHTTPClient overrides the HTTP client used for peer replay.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		s.client = client
	}
}

// NewService creates the session service. legacyClient may be nil when
// no legacy authority is configured.
func NewService(
	selector *signing.Selector,
	signer *gwjwt.Signer,
	verifier *gwjwt.Verifier,
	legacyClient legacy.Client,
	users []config.LocalUser,
	store cache.Cache,
	opts ...Option,
) *Service {
	byName := make(map[string]config.LocalUser, len(users))
	for _, user := range users {
		byName[user.Username] = user
	}

	s := &Service{
		selector: selector,
		signer:   signer,
		verifier: verifier,
		legacy:   legacyClient,
		users:    byName,
		cache:    store,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Login authenticates the credentials and returns a session token. The
// legacy authority is consulted first when configured; local users are
// a fallback for when it is unreachable.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", auth.NewSecurityError(auth.ErrNoCredentials, "")
	}

	if s.legacy != nil {
		token, err := s.legacyLogin(ctx, username, password)
		if err == nil || !errors.Is(err, legacy.ErrUnavailable) {
			return token, err
		}
		s.logger.Warn("legacy authority unavailable, trying local users",
			observability.String("user", username))
	}

	return s.localLogin(username, password)
}

func (s *Service) legacyLogin(ctx context.Context, username, password string) (string, error) {
	tokens, err := s.legacy.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, legacy.ErrAuthenticationFailed) {
			return "", auth.NewSecurityError(auth.ErrTokenNotValid, "invalid credentials")
		}
		return "", err
	}

	if s.selector.Current() == signing.AuthorityLegacy {
		if tokens.Token == "" {
			return "", auth.NewSecurityError(auth.ErrTokenNotValid,
				"authority issued no token")
		}
		return tokens.Token, nil
	}

	return s.signer.Issue(username)
}

func (s *Service) localLogin(username, password string) (string, error) {
	user, ok := s.users[username]
	if !ok {
		return "", auth.NewSecurityError(auth.ErrTokenNotValid, "invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", auth.NewSecurityError(auth.ErrTokenNotValid, "invalid credentials")
	}

	return s.signer.Issue(username)
}

// IssueFor issues a session token for an already-authenticated user,
// such as a mapped client certificate.
func (s *Service) IssueFor(userID string) (string, error) {
	if userID == "" {
		return "", auth.NewSecurityError(auth.ErrNoCredentials, "")
	}
	return s.signer.Issue(userID)
}

// Roles returns the locally configured roles of a user, if any.
func (s *Service) Roles(username string) []string {
	return s.users[username].Roles
}

// Lifetime returns the configured session lifetime.
func (s *Service) Lifetime() time.Duration {
	return s.signer.Lifetime()
}

// Invalidate revokes a session token. The token must still verify;
// revoking an unknown or expired token is an error at the boundary.
// When distribute is set the revocation is queued for every peer.
func (s *Service) Invalidate(ctx context.Context, token string, distribute bool) error {
	identity, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return err
	}

	invalidated, err := s.IsInvalidated(ctx, token)
	if err == nil && invalidated {
		return auth.NewSecurityError(auth.ErrAlreadyInvalidated, "")
	}

	ttl := time.Until(identity.ExpiresAt)
	if ttl <= 0 {
		return auth.NewSecurityError(auth.ErrTokenExpired, "")
	}

	if err := s.cache.Set(ctx, invalidatedPrefix+token, []byte("1"), ttl); err != nil {
		// Surfaced as a server-side failure, not a credential one.
		return fmt.Errorf("invalidation store write: %w", err)
	}

	if distribute && s.queue != nil {
		s.queue.Enqueue(notifier.Notification{
			SubjectID:  token,
			InstanceID: s.selfID,
			Type:       notifier.TypeTokenInvalidated,
		})
	}

	return nil
}

// IsInvalidated reports whether a token was revoked. Errors mean the
// store could not answer; callers fail closed.
func (s *Service) IsInvalidated(ctx context.Context, token string) (bool, error) {
	exists, err := s.cache.Exists(ctx, invalidatedPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrCacheDisabled) {
			return false, nil
		}
		return false, err
	}
	return exists, nil
}

// DistributeTo replays every currently-known invalidated token to the
// named peer instance. It returns how many tokens were replayed; zero
// with a nil error means there was nothing to do.
func (s *Service) DistributeTo(ctx context.Context, instanceID string) (int, error) {
	if s.registry == nil {
		return 0, nil
	}

	peer, ok, err := s.findPeer(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if !ok {
		s.logger.Warn("distribution target not in registry",
			observability.String("instance", instanceID))
		return 0, nil
	}

	tokens, err := s.cache.Keys(ctx, invalidatedPrefix)
	if err != nil {
		if errors.Is(err, cache.ErrCacheDisabled) {
			return 0, nil
		}
		return 0, err
	}

	replayed := 0
	for _, key := range tokens {
		token := key[len(invalidatedPrefix):]
		if err := s.replay(ctx, peer, token); err != nil {
			s.logger.Warn("token replay failed",
				observability.String("instance", instanceID),
				observability.Error(err))
			continue
		}
		replayed++
	}

	return replayed, nil
}

func (s *Service) findPeer(ctx context.Context, instanceID string) (registry.Instance, bool, error) {
	peers, err := s.registry.Peers(ctx)
	if err != nil {
		return registry.Instance{}, false, err
	}

	for _, peer := range peers {
		if peer.InstanceID == instanceID {
			return peer, true, nil
		}
	}
	return registry.Instance{}, false, nil
}

func (s *Service) replay(ctx context.Context, peer registry.Instance, token string) error {
	target := peer.BaseURL + "/auth/invalidate/" + url.PathEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set(notifier.OriginHeader, s.selfID)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("peer returned %d", resp.StatusCode)
	}
	return nil
}
