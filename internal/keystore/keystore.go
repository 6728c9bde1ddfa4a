package keystore

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// Keystore errors.
var (
	// ErrKeyNotFound indicates that no signing key is available.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrInvalidKeyMaterial indicates that the key material could not
	// be parsed.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrSignatureInvalid indicates that a gateway signature did not
	// verify.
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// Store serves the gateway's key material.
type Store interface {
	// Signer returns the gateway's JWT signing key.
	Signer() crypto.Signer

	// PublicKey returns the public half of the signing key.
	PublicKey() crypto.PublicKey

	// PublicJWK returns the signing key's public JWK with key ID and
	// algorithm set.
	PublicJWK() (jwk.Key, error)

	// TrustedClientAuthKeys returns the base64-encoded subject public
	// key info of every certificate trusted for client authentication.
	TrustedClientAuthKeys() map[string]struct{}

	// VerifyGatewaySignature verifies that data was signed by a gateway
	// instance holding the shared signing key.
	VerifyGatewaySignature(data, sig []byte) error
}

// New creates a Store from configuration.
func New(cfg config.KeystoreConfig, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Type {
	case "file", "":
		return newFileStore(cfg, logger)
	case "vault":
		return newVaultStore(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown keystore type %q", ErrInvalidKeyMaterial, cfg.Type)
	}
}

// baseStore holds parsed key material shared by both backends.
type baseStore struct {
	signer  crypto.Signer
	trusted map[string]struct{}
}

func (s *baseStore) Signer() crypto.Signer {
	return s.signer
}

func (s *baseStore) PublicKey() crypto.PublicKey {
	return s.signer.Public()
}

func (s *baseStore) PublicJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(s.signer.Public())
	if err != nil {
		return nil, err
	}
	if err := jwk.AssignKeyID(key); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *baseStore) TrustedClientAuthKeys() map[string]struct{} {
	return s.trusted
}

func (s *baseStore) VerifyGatewaySignature(data, sig []byte) error {
	pub, ok := s.signer.Public().(*rsa.PublicKey)
	if !ok {
		return ErrInvalidKeyMaterial
	}

	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// SPKIBase64 returns the base64-encoded subject public key info of a
// certificate. This is the identity used by the trusted client auth
// key set.
func SPKIBase64(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.RawSubjectPublicKeyInfo)
}

// trustedKeySet builds the trusted SPKI set from certificates.
func trustedKeySet(certs []*x509.Certificate) map[string]struct{} {
	set := make(map[string]struct{}, len(certs))
	for _, cert := range certs {
		set[SPKIBase64(cert)] = struct{}{}
	}
	return set
}
