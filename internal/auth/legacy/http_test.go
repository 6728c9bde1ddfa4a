package legacy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/mfgateway/internal/config"
)

func authorityConfig(baseURL string) config.LegacyAuthorityConfig {
	return config.LegacyAuthorityConfig{
		ServiceID: "zosmf",
		BaseURL:   baseURL,
		Mode:      "modern",
		Timeout:   config.Duration(time.Second),
	}
}

func jwksJSON(t *testing.T) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, jwk.AssignKeyID(pub))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	data, err := json.Marshal(set)
	require.NoError(t, err)
	return data
}

func TestSupportsTokenIssuance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   []byte
		want   bool
	}{
		{name: "jwk endpoint present", status: http.StatusOK, want: true},
		{name: "jwk endpoint absent", status: http.StatusNotFound, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, jwkPath, r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			c := NewClient(authorityConfig(srv.URL), nil)

			supports, err := c.SupportsTokenIssuance(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, supports)
		})
	}
}

func TestSupportsTokenIssuanceUnreachable(t *testing.T) {
	t.Parallel()

	c := NewClient(authorityConfig("http://127.0.0.1:1"), nil)

	_, err := c.SupportsTokenIssuance(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "IBMUSER", user)
		assert.Equal(t, "secret", pass)

		http.SetCookie(w, &http.Cookie{Name: "LtpaToken2", Value: "ltpa-value"})
		http.SetCookie(w, &http.Cookie{Name: "jwtToken", Value: "jwt-value"})
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(authorityConfig(srv.URL), nil)

	tokens, err := c.Authenticate(context.Background(), "IBMUSER", "secret")
	require.NoError(t, err)
	assert.Equal(t, "ltpa-value", tokens.LegacyToken)
	assert.Equal(t, "jwt-value", tokens.Token)
}

func TestAuthenticateRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(authorityConfig(srv.URL), nil)

	_, err := c.Authenticate(context.Background(), "IBMUSER", "wrong")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticateNoTokensIsFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(authorityConfig(srv.URL), nil)

	_, err := c.Authenticate(context.Background(), "IBMUSER", "secret")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestExchangeForLegacyToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gateway-jwt", r.Header.Get("Authorization"))
		http.SetCookie(w, &http.Cookie{Name: "LtpaToken2", Value: "bridged-ltpa"})
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(authorityConfig(srv.URL), nil)

	legacyToken, err := c.ExchangeForLegacyToken(context.Background(), "gateway-jwt")
	require.NoError(t, err)
	assert.Equal(t, "bridged-ltpa", legacyToken)
}

func TestPassTicket(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, passTicketPath, r.URL.Path)

		var req struct {
			UserID string `json:"userId"`
			ApplID string `json:"applId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "IBMUSER", req.UserID)
		assert.Equal(t, "MVSAPPL", req.ApplID)

		_ = json.NewEncoder(w).Encode(map[string]string{"ticket": "T1CK3T"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(authorityConfig(srv.URL), nil)

	ticket, err := c.PassTicket(context.Background(), "IBMUSER", "MVSAPPL")
	require.NoError(t, err)
	assert.Equal(t, "T1CK3T", ticket)
}

func TestJWKS(t *testing.T) {
	t.Parallel()

	body := jwksJSON(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, jwkPath, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(authorityConfig(srv.URL), nil)

	set, err := c.JWKS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}

func TestUnresolvableAuthority(t *testing.T) {
	t.Parallel()

	cfg := config.LegacyAuthorityConfig{
		ServiceID: "zosmf",
		Timeout:   config.Duration(time.Second),
	}
	c := NewClient(cfg, nil)

	_, err := c.Authenticate(context.Background(), "u", "p")
	assert.ErrorIs(t, err, ErrUnavailable)
}
