package mtls

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
	"github.com/vyrodovalexey/mfgateway/internal/identitymap"
	"github.com/vyrodovalexey/mfgateway/internal/keystore"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// Forwarded certificate headers. CertHeader carries the base64 DER
// certificate, SignatureHeader the gateway signature over those DER
// bytes.
const (
	CertHeader      = "X-Auth-Source"
	SignatureHeader = "X-Auth-Signature"
)

// Provider authenticates requests by client certificate.
type Provider struct {
	keys        keystore.Store
	mapper      identitymap.Mapper
	legacy      legacy.Client
	applID      string
	allowHeader bool
	logger      observability.Logger
}

// Option is a functional option for the provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithHeaderCertificate enables the forwarded certificate channel.
func WithHeaderCertificate() Option {
	return func(p *Provider) {
		p.allowHeader = true
	}
}

// WithLegacyClient enables PassTicket issuance for certificate
// identities. applID names the target application.
func WithLegacyClient(client legacy.Client, applID string) Option {
	return func(p *Provider) {
		p.legacy = client
		p.applID = applID
	}
}

// NewProvider creates the certificate provider.
func NewProvider(keys keystore.Store, mapper identitymap.Mapper, opts ...Option) *Provider {
	p := &Provider{
		keys:   keys,
		mapper: mapper,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Type implements auth.Provider.
func (p *Provider) Type() auth.SourceType {
	return auth.SourceX509
}

// Extract takes the forwarded certificate header when enabled and
// correctly signed, else the TLS peer chain. Gateway-internal
// certificates never authenticate a user, regardless of their position
// in the chain.
func (p *Provider) Extract(r *http.Request) (*auth.AuthSource, bool) {
	if cert := p.forwardedCert(r); cert != nil {
		return &auth.AuthSource{
			Type:   auth.SourceX509,
			Origin: auth.OriginGateway,
			Certs:  []*x509.Certificate{cert},
		}, true
	}

	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, false
	}

	candidates := p.clientAuthCandidates(r.TLS.PeerCertificates)
	if len(candidates) == 0 {
		return nil, false
	}

	return &auth.AuthSource{
		Type:   auth.SourceX509,
		Origin: auth.OriginGateway,
		Certs:  candidates,
	}, true
}

// forwardedCert decodes and verifies the header channel. Any defect in
// the header pair falls back to the transport path.
func (p *Provider) forwardedCert(r *http.Request) *x509.Certificate {
	if !p.allowHeader {
		return nil
	}

	encoded := r.Header.Get(CertHeader)
	if encoded == "" {
		return nil
	}

	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}

	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(SignatureHeader))
	if err != nil || len(sig) == 0 {
		return nil
	}

	if err := p.keys.VerifyGatewaySignature(der, sig); err != nil {
		p.logger.Warn("forwarded certificate signature rejected",
			observability.Error(err))
		return nil
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil
	}

	return cert
}

// clientAuthCandidates drops the gateway's own certificates from the
// chain. Membership is decided by subject public key, so the result
// does not depend on chain order.
func (p *Provider) clientAuthCandidates(chain []*x509.Certificate) []*x509.Certificate {
	trusted := p.keys.TrustedClientAuthKeys()

	var candidates []*x509.Certificate
	for _, cert := range chain {
		if _, own := trusted[keystore.SPKIBase64(cert)]; own {
			continue
		}
		candidates = append(candidates, cert)
	}

	return candidates
}

// IsValid checks the leading candidate's validity window.
func (p *Provider) IsValid(_ context.Context, source *auth.AuthSource) bool {
	cert := leadCert(source)
	if cert == nil {
		return false
	}

	now := time.Now()
	return !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}

// Parse maps the certificate to a mainframe user.
func (p *Provider) Parse(ctx context.Context, source *auth.AuthSource) (*auth.ParsedIdentity, error) {
	cert := leadCert(source)
	if cert == nil {
		return nil, auth.NewSecurityError(auth.ErrNoCredentials, "no client certificate")
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, auth.NewSecurityError(auth.ErrTokenNotValid,
			"certificate outside validity period")
	}

	userID, err := p.mapper.MapCertificate(ctx, cert)
	if err != nil || userID == "" {
		return nil, auth.NewSecurityError(auth.ErrNoMainframeIdentity,
			cert.Subject.CommonName)
	}

	return &auth.ParsedIdentity{
		UserID:    userID,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
		Origin:    auth.OriginGateway,
	}, nil
}

// LegacyCredential issues a PassTicket for the certificate's mapped
// user.
func (p *Provider) LegacyCredential(ctx context.Context, source *auth.AuthSource) (string, error) {
	if p.legacy == nil {
		return "", auth.NewSecurityError(auth.ErrNoMainframeIdentity,
			"no legacy authority configured")
	}

	identity, err := p.Parse(ctx, source)
	if err != nil {
		return "", err
	}

	ticket, err := p.legacy.PassTicket(ctx, identity.UserID, p.applID)
	if err != nil {
		return "", auth.NewSecurityError(auth.ErrTokenNotValid, "passticket request failed")
	}

	return ticket, nil
}

func leadCert(source *auth.AuthSource) *x509.Certificate {
	if source == nil || len(source.Certs) == 0 {
		return nil
	}
	return source.Certs[0]
}
