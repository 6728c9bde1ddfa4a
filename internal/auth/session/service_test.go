package session

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	gwjwt "github.com/vyrodovalexey/mfgateway/internal/auth/jwt"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
	"github.com/vyrodovalexey/mfgateway/internal/cache"
	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/notifier"
	"github.com/vyrodovalexey/mfgateway/internal/registry"
)

type testKeystore struct {
	key *rsa.PrivateKey
}

func newTestKeystore(t *testing.T) *testKeystore {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testKeystore{key: key}
}

func (k *testKeystore) Signer() crypto.Signer       { return k.key }
func (k *testKeystore) PublicKey() crypto.PublicKey { return &k.key.PublicKey }
func (k *testKeystore) PublicJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(&k.key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := jwk.AssignKeyID(key); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}
	return key, nil
}
func (k *testKeystore) TrustedClientAuthKeys() map[string]struct{}  { return nil }
func (k *testKeystore) VerifyGatewaySignature([]byte, []byte) error { return nil }

// fakeAuthority scripts the legacy authority.
type fakeAuthority struct {
	supports bool
	tokens   *legacy.Tokens
	authErr  error
}

func (f *fakeAuthority) SupportsTokenIssuance(context.Context) (bool, error) {
	return f.supports, nil
}

func (f *fakeAuthority) Authenticate(context.Context, string, string) (*legacy.Tokens, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.tokens, nil
}

func (f *fakeAuthority) ExchangeForLegacyToken(context.Context, string) (string, error) {
	return "", legacy.ErrUnavailable
}

func (f *fakeAuthority) PassTicket(context.Context, string, string) (string, error) {
	return "", legacy.ErrUnavailable
}

func (f *fakeAuthority) JWKS(context.Context) (jwk.Set, error) {
	return nil, legacy.ErrUnavailable
}

// fakeQueue records enqueued notifications.
type fakeQueue struct {
	mu     sync.Mutex
	events []notifier.Notification
}

func (q *fakeQueue) Enqueue(n notifier.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, n)
	return true
}

func (q *fakeQueue) all() []notifier.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]notifier.Notification(nil), q.events...)
}

// fakePeers serves a static peer list.
type fakePeers struct {
	peers []registry.Instance
}

func (f *fakePeers) Instances(context.Context, string) ([]registry.Instance, error) {
	return nil, nil
}

func (f *fakePeers) Peers(context.Context) ([]registry.Instance, error) {
	return f.peers, nil
}

func (f *fakePeers) Refresh(context.Context) error            { return nil }
func (f *fakePeers) Subscribe() <-chan registry.RefreshEvent  { return nil }
func (f *fakePeers) Unsubscribe(<-chan registry.RefreshEvent) {}
func (f *fakePeers) Close() error                             { return nil }

func memoryCache(t *testing.T) cache.Cache {
	t.Helper()

	store, err := cache.New(&config.CacheConfig{
		Type: "memory",
		TTL:  config.Duration(time.Minute),
	}, nil)
	require.NoError(t, err)
	return store
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

// newService builds a gateway-signing service around the given legacy
// authority, which may be nil.
func newService(
	t *testing.T, authority legacy.Client, users []config.LocalUser, opts ...Option,
) *Service {
	t.Helper()

	cfg := config.LegacyAuthorityConfig{Mode: "modern"}
	if authority != nil {
		cfg.ServiceID = "zosmf"
	}

	selector := signing.NewSelector(cfg, time.Minute, newTestKeystore(t), authority, nil)
	require.NoError(t, selector.Determine(context.Background()))

	signer := gwjwt.NewSigner(selector, time.Hour)
	verifier := gwjwt.NewVerifier(selector)
	return NewService(selector, signer, verifier, authority, users, memoryCache(t), opts...)
}

func TestLocalLogin(t *testing.T) {
	t.Parallel()

	users := []config.LocalUser{{
		Username:     "IBMUSER",
		PasswordHash: hashPassword(t, "secret"),
		Roles:        []string{"admin"},
	}}
	s := newService(t, nil, users)
	ctx := context.Background()

	token, err := s.Login(ctx, "IBMUSER", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, []string{"admin"}, s.Roles("IBMUSER"))

	_, err = s.Login(ctx, "IBMUSER", "wrong")
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)

	_, err = s.Login(ctx, "NOBODY", "secret")
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)

	_, err = s.Login(ctx, "", "")
	assert.ErrorIs(t, err, auth.ErrNoCredentials)
}

func TestLegacyLoginGatewaySigned(t *testing.T) {
	t.Parallel()

	authority := &fakeAuthority{tokens: &legacy.Tokens{LegacyToken: "ltpa"}}
	s := newService(t, authority, nil)

	token, err := s.Login(context.Background(), "IBMUSER", "secret")
	require.NoError(t, err)

	identity, err := s.verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "IBMUSER", identity.UserID)
	assert.Equal(t, auth.OriginGateway, identity.Origin)
}

func TestLegacyLoginAuthorityIssuedToken(t *testing.T) {
	t.Parallel()

	authority := &fakeAuthority{
		supports: true,
		tokens:   &legacy.Tokens{LegacyToken: "ltpa", Token: "authority-jwt"},
	}
	s := newService(t, authority, nil)

	token, err := s.Login(context.Background(), "IBMUSER", "secret")
	require.NoError(t, err)
	assert.Equal(t, "authority-jwt", token)
}

func TestLegacyLoginRejection(t *testing.T) {
	t.Parallel()

	users := []config.LocalUser{{
		Username:     "IBMUSER",
		PasswordHash: hashPassword(t, "secret"),
	}}
	authority := &fakeAuthority{authErr: legacy.ErrAuthenticationFailed}
	s := newService(t, authority, users)

	// A definite rejection does not fall back to local users.
	_, err := s.Login(context.Background(), "IBMUSER", "secret")
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)
}

func TestLegacyUnavailableFallsBackToLocal(t *testing.T) {
	t.Parallel()

	users := []config.LocalUser{{
		Username:     "IBMUSER",
		PasswordHash: hashPassword(t, "secret"),
	}}
	authority := &fakeAuthority{authErr: legacy.ErrUnavailable}
	s := newService(t, authority, users)

	token, err := s.Login(context.Background(), "IBMUSER", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestInvalidateAndCheck(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	ctx := context.Background()

	token, err := s.IssueFor("IBMUSER")
	require.NoError(t, err)

	invalidated, err := s.IsInvalidated(ctx, token)
	require.NoError(t, err)
	assert.False(t, invalidated)

	require.NoError(t, s.Invalidate(ctx, token, false))

	invalidated, err = s.IsInvalidated(ctx, token)
	require.NoError(t, err)
	assert.True(t, invalidated)

	err = s.Invalidate(ctx, token, false)
	assert.ErrorIs(t, err, auth.ErrAlreadyInvalidated)
}

func TestInvalidateRejectsGarbage(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil)
	err := s.Invalidate(context.Background(), "not-a-token", false)
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)
}

func TestInvalidateDistributes(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	s := newService(t, nil, nil, WithNotifier(queue, "self-1"))
	ctx := context.Background()

	token, err := s.IssueFor("IBMUSER")
	require.NoError(t, err)
	require.NoError(t, s.Invalidate(ctx, token, true))

	events := queue.all()
	require.Len(t, events, 1)
	assert.Equal(t, notifier.Notification{
		SubjectID:  token,
		InstanceID: "self-1",
		Type:       notifier.TypeTokenInvalidated,
	}, events[0])
}

func TestInvalidateWithoutDistributeStaysLocal(t *testing.T) {
	t.Parallel()

	queue := &fakeQueue{}
	s := newService(t, nil, nil, WithNotifier(queue, "self-1"))

	token, err := s.IssueFor("IBMUSER")
	require.NoError(t, err)
	require.NoError(t, s.Invalidate(context.Background(), token, false))
	assert.Empty(t, queue.all())
}

func TestDistributeTo(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var replayed []string
	var origins []string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		replayed = append(replayed, r.Method+" "+r.URL.Path)
		origins = append(origins, r.Header.Get(notifier.OriginHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(peer.Close)

	reg := &fakePeers{peers: []registry.Instance{
		{InstanceID: "peer-1", BaseURL: peer.URL},
	}}
	s := newService(t, nil, nil,
		WithRegistry(reg), WithNotifier(&fakeQueue{}, "self-1"))
	ctx := context.Background()

	first, err := s.IssueFor("IBMUSER")
	require.NoError(t, err)
	second, err := s.IssueFor("OTHER")
	require.NoError(t, err)
	require.NoError(t, s.Invalidate(ctx, first, false))
	require.NoError(t, s.Invalidate(ctx, second, false))

	count, err := s.DistributeTo(ctx, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, replayed, 2)
	for _, call := range replayed {
		assert.Contains(t, call, "DELETE /auth/invalidate/")
	}
	// Replayed invalidations identify their origin so the peer does not
	// broadcast them again.
	assert.Equal(t, []string{"self-1", "self-1"}, origins)
}

func TestDistributeToUnknownInstance(t *testing.T) {
	t.Parallel()

	s := newService(t, nil, nil, WithRegistry(&fakePeers{}))

	count, err := s.DistributeTo(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, count)
}
