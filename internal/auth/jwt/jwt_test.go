package jwt

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	jwxjwt "github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
	"github.com/vyrodovalexey/mfgateway/internal/config"
)

// testKeystore implements keystore.Store over a generated key.
type testKeystore struct {
	key *rsa.PrivateKey
}

func newTestKeystore(t *testing.T) *testKeystore {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &testKeystore{key: key}
}

func (k *testKeystore) Signer() crypto.Signer         { return k.key }
func (k *testKeystore) PublicKey() crypto.PublicKey   { return &k.key.PublicKey }
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

// legacyAuthority fakes the legacy client for verifier tests.
type legacyAuthority struct {
	jwks          jwk.Set
	exchanged     string
	exchangeErr   error
	supportsValue bool
}

func (l *legacyAuthority) SupportsTokenIssuance(context.Context) (bool, error) {
	return l.supportsValue, nil
}

func (l *legacyAuthority) Authenticate(context.Context, string, string) (*legacy.Tokens, error) {
	return nil, legacy.ErrUnavailable
}

func (l *legacyAuthority) ExchangeForLegacyToken(context.Context, string) (string, error) {
	if l.exchangeErr != nil {
		return "", l.exchangeErr
	}
	return l.exchanged, nil
}

func (l *legacyAuthority) PassTicket(context.Context, string, string) (string, error) {
	return "", legacy.ErrUnavailable
}

func (l *legacyAuthority) JWKS(context.Context) (jwk.Set, error) {
	if l.jwks == nil {
		return nil, legacy.ErrUnavailable
	}
	return l.jwks, nil
}

func gatewaySelector(t *testing.T) (*signing.Selector, *testKeystore) {
	t.Helper()

	ks := newTestKeystore(t)
	s := signing.NewSelector(config.LegacyAuthorityConfig{Mode: "modern"},
		time.Minute, ks, nil, nil)
	require.NoError(t, s.Determine(context.Background()))
	return s, ks
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	selector, _ := gatewaySelector(t)
	signer := NewSigner(selector, time.Hour)
	verifier := NewVerifier(selector)

	token, err := signer.Issue("IBMUSER")
	require.NoError(t, err)

	identity, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "IBMUSER", identity.UserID)
	assert.Equal(t, auth.OriginGateway, identity.Origin)
	assert.False(t, identity.ExpiresAt.IsZero())
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	selector, ks := gatewaySelector(t)
	verifier := NewVerifier(selector)

	expired, err := jwxjwt.NewBuilder().
		Issuer(GatewayIssuer).
		Subject("IBMUSER").
		IssuedAt(time.Now().Add(-2 * time.Hour)).
		Expiration(time.Now().Add(-time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwxjwt.Sign(expired, jwxjwt.WithKey(jwa.RS256, ks.key))
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), string(signed))
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	t.Parallel()

	selector, _ := gatewaySelector(t)
	verifier := NewVerifier(selector)

	foreignKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token, err := jwxjwt.NewBuilder().
		Issuer(GatewayIssuer).
		Subject("IBMUSER").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwxjwt.Sign(token, jwxjwt.WithKey(jwa.RS256, foreignKey))
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), string(signed))
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)
}

func TestVerifyGarbage(t *testing.T) {
	t.Parallel()

	selector, _ := gatewaySelector(t)
	verifier := NewVerifier(selector)

	_, err := verifier.Verify(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)
}

func TestVerifyLegacySignedToken(t *testing.T) {
	t.Parallel()

	legacyKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := jwk.FromRaw(&legacyKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, jwk.AssignKeyID(pub))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	authority := &legacyAuthority{jwks: set, supportsValue: true}
	selector := signing.NewSelector(
		config.LegacyAuthorityConfig{ServiceID: "zosmf", Mode: "modern"},
		time.Minute, newTestKeystore(t), authority, nil)
	require.NoError(t, selector.Determine(context.Background()))

	token, err := jwxjwt.NewBuilder().
		Issuer(LegacyIssuer).
		Subject("IBMUSER").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwxjwt.Sign(token, jwxjwt.WithKey(jwa.RS256, legacyKey))
	require.NoError(t, err)

	identity, err := NewVerifier(selector).Verify(context.Background(), string(signed))
	require.NoError(t, err)
	assert.Equal(t, "IBMUSER", identity.UserID)
	assert.Equal(t, auth.OriginLegacy, identity.Origin)
}

type scriptedChecker struct {
	invalidated bool
	err         error
}

func (c *scriptedChecker) IsInvalidated(context.Context, string) (bool, error) {
	return c.invalidated, c.err
}

func TestProviderExtract(t *testing.T) {
	t.Parallel()

	selector, _ := gatewaySelector(t)
	p := NewProvider(NewVerifier(selector), nil, nil, "mfgatewayToken")

	t.Run("cookie", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: "mfgatewayToken", Value: "cookie-token"})

		source, ok := p.Extract(r)
		require.True(t, ok)
		assert.Equal(t, "cookie-token", source.Token)
	})

	t.Run("bearer", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer header-token")

		source, ok := p.Extract(r)
		require.True(t, ok)
		assert.Equal(t, "header-token", source.Token)
	})

	t.Run("cookie wins over bearer", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: "mfgatewayToken", Value: "cookie-token"})
		r.Header.Set("Authorization", "Bearer header-token")

		source, ok := p.Extract(r)
		require.True(t, ok)
		assert.Equal(t, "cookie-token", source.Token)
	})

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		_, ok := p.Extract(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.False(t, ok)
	})
}

func TestProviderRejectsInvalidatedSession(t *testing.T) {
	t.Parallel()

	selector, _ := gatewaySelector(t)
	signer := NewSigner(selector, time.Hour)
	token, err := signer.Issue("IBMUSER")
	require.NoError(t, err)

	p := NewProvider(NewVerifier(selector), &scriptedChecker{invalidated: true},
		nil, "mfgatewayToken")

	_, err = p.Parse(context.Background(), &auth.AuthSource{Type: auth.SourceJWT, Token: token})
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)
}

func TestProviderFailsClosedOnCheckerError(t *testing.T) {
	t.Parallel()

	selector, _ := gatewaySelector(t)
	signer := NewSigner(selector, time.Hour)
	token, err := signer.Issue("IBMUSER")
	require.NoError(t, err)

	p := NewProvider(NewVerifier(selector), &scriptedChecker{err: errors.New("store down")},
		nil, "mfgatewayToken")

	_, err = p.Parse(context.Background(), &auth.AuthSource{Type: auth.SourceJWT, Token: token})
	assert.ErrorIs(t, err, auth.ErrTokenNotValid)
}

func TestProviderLegacyCredential(t *testing.T) {
	t.Parallel()

	selector, _ := gatewaySelector(t)
	p := NewProvider(NewVerifier(selector), nil,
		&legacyAuthority{exchanged: "ltpa-token"}, "mfgatewayToken")

	legacyToken, err := p.LegacyCredential(context.Background(),
		&auth.AuthSource{Type: auth.SourceJWT, Token: "jwt"})
	require.NoError(t, err)
	assert.Equal(t, "ltpa-token", legacyToken)

	pNone := NewProvider(NewVerifier(selector), nil, nil, "mfgatewayToken")
	_, err = pNone.LegacyCredential(context.Background(),
		&auth.AuthSource{Type: auth.SourceJWT, Token: "jwt"})
	assert.ErrorIs(t, err, auth.ErrNoMainframeIdentity)
}

func TestSignerWhileUndetermined(t *testing.T) {
	t.Parallel()

	selector := signing.NewSelector(
		config.LegacyAuthorityConfig{ServiceID: "zosmf", Mode: "modern"},
		time.Minute, newTestKeystore(t), nil, nil)

	_, err := NewSigner(selector, time.Hour).Issue("IBMUSER")
	assert.ErrorIs(t, err, auth.ErrAuthorityUndetermined)
}
