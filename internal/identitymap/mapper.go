package identitymap

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// Mapper resolves external identities to mainframe user IDs. An empty
// user ID with a nil error means no mapping exists.
type Mapper interface {
	// MapDistributedID maps an external IdP subject to a mainframe
	// user ID.
	MapDistributedID(ctx context.Context, issuer, distributedID string) (string, error)

	// MapCertificate maps a client certificate to a mainframe user ID.
	MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error)
}

// httpMapper calls the external mapping service over HTTP, wrapped in
// a circuit breaker.
type httpMapper struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// Option is a functional option for the mapper.
type Option func(*httpMapper)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *httpMapper) {
		m.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *httpMapper) {
		m.client = client
	}
}

// New creates a mapper from configuration.
func New(cfg config.IdentityMapperConfig, opts ...Option) Mapper {
	m := &httpMapper{
		url:     cfg.URL,
		timeout: cfg.Timeout.Duration(),
		client:  &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:  observability.NopLogger(),
	}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "identity-mapper",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	for _, opt := range opts {
		opt(m)
	}

	return m
}

type mapRequest struct {
	DistributedID string `json:"dn,omitempty"`
	Registry      string `json:"registry,omitempty"`
	Certificate   string `json:"certificate,omitempty"`
}

type mapResponse struct {
	UserID string `json:"userId"`
	RC     int    `json:"rc"`
}

// MapDistributedID maps an external subject. Transport failures yield
// an empty user ID, not an error, so that callers fail closed at the
// credential layer.
func (m *httpMapper) MapDistributedID(ctx context.Context, issuer, distributedID string) (string, error) {
	return m.call(ctx, mapRequest{
		DistributedID: distributedID,
		Registry:      issuer,
	})
}

// MapCertificate maps a client certificate by its DER bytes.
func (m *httpMapper) MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error) {
	return m.call(ctx, mapRequest{
		Certificate: base64.StdEncoding.EncodeToString(cert.Raw),
	})
}

func (m *httpMapper) call(ctx context.Context, payload mapRequest) (string, error) {
	if m.url == "" {
		return "", nil
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.post(ctx, payload)
	})
	if err != nil {
		m.logger.WithContext(ctx).Warn("identity mapping failed",
			observability.Error(err))
		return "", nil
	}

	return result.(string), nil
}

func (m *httpMapper) post(ctx context.Context, payload mapRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mapping service returned status %d", resp.StatusCode)
	}

	var mapped mapResponse
	if err := json.NewDecoder(resp.Body).Decode(&mapped); err != nil {
		return "", err
	}

	if mapped.RC != 0 {
		return "", nil
	}

	return mapped.UserID, nil
}
