package mtls

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
	"github.com/vyrodovalexey/mfgateway/internal/keystore"
)

// fakeStore is a keystore with a scripted trusted set and gateway key.
type fakeStore struct {
	key     *rsa.PrivateKey
	trusted map[string]struct{}
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &fakeStore{key: key, trusted: map[string]struct{}{}}
}

func (s *fakeStore) trust(cert *x509.Certificate) {
	s.trusted[keystore.SPKIBase64(cert)] = struct{}{}
}

func (s *fakeStore) sign(t *testing.T, data []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return sig
}

func (s *fakeStore) Signer() crypto.Signer       { return s.key }
func (s *fakeStore) PublicKey() crypto.PublicKey { return &s.key.PublicKey }
func (s *fakeStore) PublicJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(&s.key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}
	return key, nil
}
func (s *fakeStore) TrustedClientAuthKeys() map[string]struct{} { return s.trusted }
func (s *fakeStore) VerifyGatewaySignature(data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(&s.key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		return keystore.ErrSignatureInvalid
	}
	return nil
}

// certMapper maps certificates by common name.
type certMapper struct {
	users map[string]string
}

func (m *certMapper) MapDistributedID(context.Context, string, string) (string, error) {
	return "", nil
}

func (m *certMapper) MapCertificate(_ context.Context, cert *x509.Certificate) (string, error) {
	return m.users[cert.Subject.CommonName], nil
}

// passTicketAuthority fakes the legacy client for PassTicket tests.
type passTicketAuthority struct {
	ticket string
}

func (a *passTicketAuthority) SupportsTokenIssuance(context.Context) (bool, error) {
	return false, nil
}

func (a *passTicketAuthority) Authenticate(context.Context, string, string) (*legacy.Tokens, error) {
	return nil, legacy.ErrUnavailable
}

func (a *passTicketAuthority) ExchangeForLegacyToken(context.Context, string) (string, error) {
	return "", legacy.ErrUnavailable
}

func (a *passTicketAuthority) PassTicket(_ context.Context, userID, applID string) (string, error) {
	return a.ticket + ":" + userID + ":" + applID, nil
}

func (a *passTicketAuthority) JWKS(context.Context) (jwk.Set, error) {
	return nil, legacy.ErrUnavailable
}

func selfSigned(t *testing.T, cn string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func validCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	return selfSigned(t, cn, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
}

func tlsRequest(chain ...*x509.Certificate) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.TLS = &tls.ConnectionState{PeerCertificates: chain}
	return r
}

func TestExtractFiltersGatewayCerts(t *testing.T) {
	t.Parallel()

	store := newFakeStore(t)
	client := validCert(t, "client-user")
	gateway := validCert(t, "gateway-internal")
	store.trust(gateway)

	p := NewProvider(store, &certMapper{})

	t.Run("client first", func(t *testing.T) {
		t.Parallel()
		source, ok := p.Extract(tlsRequest(client, gateway))
		require.True(t, ok)
		require.Len(t, source.Certs, 1)
		assert.Equal(t, "client-user", source.Certs[0].Subject.CommonName)
	})

	t.Run("gateway first", func(t *testing.T) {
		t.Parallel()
		source, ok := p.Extract(tlsRequest(gateway, client))
		require.True(t, ok)
		require.Len(t, source.Certs, 1)
		assert.Equal(t, "client-user", source.Certs[0].Subject.CommonName)
	})

	t.Run("gateway only", func(t *testing.T) {
		t.Parallel()
		_, ok := p.Extract(tlsRequest(gateway))
		assert.False(t, ok)
	})

	t.Run("no tls", func(t *testing.T) {
		t.Parallel()
		_, ok := p.Extract(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.False(t, ok)
	})
}

func TestForwardedCertificateChannel(t *testing.T) {
	t.Parallel()

	store := newFakeStore(t)
	client := validCert(t, "client-user")
	encoded := base64.StdEncoding.EncodeToString(client.Raw)
	signature := base64.StdEncoding.EncodeToString(store.sign(t, client.Raw))

	t.Run("signed header accepted", func(t *testing.T) {
		t.Parallel()
		p := NewProvider(store, &certMapper{}, WithHeaderCertificate())

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(CertHeader, encoded)
		r.Header.Set(SignatureHeader, signature)

		source, ok := p.Extract(r)
		require.True(t, ok)
		assert.Equal(t, "client-user", source.Certs[0].Subject.CommonName)
	})

	t.Run("bad signature ignored", func(t *testing.T) {
		t.Parallel()
		p := NewProvider(store, &certMapper{}, WithHeaderCertificate())

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(CertHeader, encoded)
		r.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString([]byte("forged")))

		_, ok := p.Extract(r)
		assert.False(t, ok)
	})

	t.Run("missing signature ignored", func(t *testing.T) {
		t.Parallel()
		p := NewProvider(store, &certMapper{}, WithHeaderCertificate())

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(CertHeader, encoded)

		_, ok := p.Extract(r)
		assert.False(t, ok)
	})

	t.Run("channel disabled by default", func(t *testing.T) {
		t.Parallel()
		p := NewProvider(store, &certMapper{})

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(CertHeader, encoded)
		r.Header.Set(SignatureHeader, signature)

		_, ok := p.Extract(r)
		assert.False(t, ok)
	})
}

func TestParse(t *testing.T) {
	t.Parallel()

	store := newFakeStore(t)
	mapper := &certMapper{users: map[string]string{"client-user": "IBMUSER"}}
	p := NewProvider(store, mapper)

	t.Run("mapped identity", func(t *testing.T) {
		t.Parallel()
		source := &auth.AuthSource{Type: auth.SourceX509,
			Certs: []*x509.Certificate{validCert(t, "client-user")}}

		identity, err := p.Parse(context.Background(), source)
		require.NoError(t, err)
		assert.Equal(t, "IBMUSER", identity.UserID)
		assert.Equal(t, auth.OriginGateway, identity.Origin)
	})

	t.Run("no mapping", func(t *testing.T) {
		t.Parallel()
		source := &auth.AuthSource{Type: auth.SourceX509,
			Certs: []*x509.Certificate{validCert(t, "unmapped")}}

		_, err := p.Parse(context.Background(), source)
		assert.ErrorIs(t, err, auth.ErrNoMainframeIdentity)
	})

	t.Run("expired certificate", func(t *testing.T) {
		t.Parallel()
		expired := selfSigned(t, "client-user",
			time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
		source := &auth.AuthSource{Type: auth.SourceX509,
			Certs: []*x509.Certificate{expired}}

		assert.False(t, p.IsValid(context.Background(), source))
		_, err := p.Parse(context.Background(), source)
		assert.ErrorIs(t, err, auth.ErrTokenNotValid)
	})

	t.Run("empty source", func(t *testing.T) {
		t.Parallel()
		_, err := p.Parse(context.Background(), &auth.AuthSource{Type: auth.SourceX509})
		assert.ErrorIs(t, err, auth.ErrNoCredentials)
	})
}

func TestLegacyCredentialIssuesPassTicket(t *testing.T) {
	t.Parallel()

	store := newFakeStore(t)
	mapper := &certMapper{users: map[string]string{"client-user": "IBMUSER"}}
	authority := &passTicketAuthority{ticket: "PT"}
	p := NewProvider(store, mapper, WithLegacyClient(authority, "MFGW"))

	source := &auth.AuthSource{Type: auth.SourceX509,
		Certs: []*x509.Certificate{validCert(t, "client-user")}}

	ticket, err := p.LegacyCredential(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, "PT:IBMUSER:MFGW", ticket)

	pNone := NewProvider(store, mapper)
	_, err = pNone.LegacyCredential(context.Background(), source)
	assert.ErrorIs(t, err, auth.ErrNoMainframeIdentity)
}
