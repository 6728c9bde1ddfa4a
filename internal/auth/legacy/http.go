package legacy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
	"github.com/vyrodovalexey/mfgateway/internal/registry"
)

// Authority endpoints, relative to the resolved base URL.
const (
	authenticatePath = "/services/authenticate"
	passTicketPath   = "/services/passticket"
	jwkPath          = "/jwt/api/v1/jwk"
)

// httpClient is the HTTP implementation of Client.
type httpClient struct {
	cfg      config.LegacyAuthorityConfig
	registry registry.Client
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   observability.Logger
}

// Option is a functional option for the client.
type Option func(*httpClient)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *httpClient) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *httpClient) {
		c.client = client
	}
}

// NewClient creates a legacy authority client. reg may be nil when the
// authority has an explicit base URL.
func NewClient(cfg config.LegacyAuthorityConfig, reg registry.Client, opts ...Option) Client {
	c := &httpClient{
		cfg:      cfg,
		registry: reg,
		client:   &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:   observability.NopLogger(),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "legacy-authority",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// resolveBaseURL returns the configured base URL or the first UP
// instance from the registry.
func (c *httpClient) resolveBaseURL(ctx context.Context) (string, error) {
	if c.cfg.BaseURL != "" {
		return c.cfg.BaseURL, nil
	}

	if c.registry == nil {
		return "", ErrUnavailable
	}

	instances, err := c.registry.Instances(ctx, c.cfg.ServiceID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(instances) == 0 {
		return "", ErrUnavailable
	}

	return instances[0].BaseURL, nil
}

// SupportsTokenIssuance probes the authority's JWK endpoint. A 200
// means the authority issues and can verify its own JWTs.
func (c *httpClient) SupportsTokenIssuance(ctx context.Context) (bool, error) {
	base, err := c.resolveBaseURL(ctx)
	if err != nil {
		return false, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+jwkPath, nil)
		if err != nil {
			return false, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return false, err
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
			return true, nil
		case http.StatusNotFound:
			return false, nil
		default:
			return false, fmt.Errorf("authority probe returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return result.(bool), nil
}

// Authenticate logs in with basic credentials. The authority returns
// its tokens as cookies.
func (c *httpClient) Authenticate(ctx context.Context, user, password string) (*Tokens, error) {
	base, err := c.resolveBaseURL(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+authenticatePath, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(user, password)
		req.Header.Set("X-CSRF-ZOSMF-HEADER", "")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthenticationFailed
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return nil, fmt.Errorf("authority login returned status %d", resp.StatusCode)
		}

		return tokensFromCookies(resp.Cookies()), nil
	})
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return nil, ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	tokens := result.(*Tokens)
	if tokens.LegacyToken == "" && tokens.Token == "" {
		return nil, ErrAuthenticationFailed
	}

	return tokens, nil
}

// ExchangeForLegacyToken presents a gateway JWT and returns the legacy
// token the authority sets in exchange.
func (c *httpClient) ExchangeForLegacyToken(ctx context.Context, token string) (string, error) {
	base, err := c.resolveBaseURL(ctx)
	if err != nil {
		return "", err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+authenticatePath, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-CSRF-ZOSMF-HEADER", "")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusUnauthorized {
			return "", ErrAuthenticationFailed
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return "", fmt.Errorf("token exchange returned status %d", resp.StatusCode)
		}

		return tokensFromCookies(resp.Cookies()).LegacyToken, nil
	})
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return "", ErrAuthenticationFailed
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	legacyToken := result.(string)
	if legacyToken == "" {
		return "", ErrAuthenticationFailed
	}

	return legacyToken, nil
}

// PassTicket requests a single-use passticket.
func (c *httpClient) PassTicket(ctx context.Context, userID, applID string) (string, error) {
	base, err := c.resolveBaseURL(ctx)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"userId": userID,
		"applId": applID,
	})
	if err != nil {
		return "", err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, base+passTicketPath, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return "", err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("passticket request returned status %d", resp.StatusCode)
		}

		var payload struct {
			Ticket string `json:"ticket"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", err
		}
		return payload.Ticket, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return result.(string), nil
}

// JWKS fetches the authority's signing keys.
func (c *httpClient) JWKS(ctx context.Context) (jwk.Set, error) {
	base, err := c.resolveBaseURL(ctx)
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return jwk.Fetch(ctx, base+jwkPath, jwk.WithHTTPClient(c.client))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return result.(jwk.Set), nil
}

// tokensFromCookies extracts the authority tokens from login cookies.
func tokensFromCookies(cookies []*http.Cookie) *Tokens {
	tokens := &Tokens{}
	for _, cookie := range cookies {
		switch cookie.Name {
		case legacyTokenCookie:
			tokens.LegacyToken = cookie.Value
		case modernTokenCookie:
			tokens.Token = cookie.Value
		}
	}
	return tokens
}
