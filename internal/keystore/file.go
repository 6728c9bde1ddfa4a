package keystore

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// fileStore serves key material from local PEM files.
type fileStore struct {
	baseStore
}

func newFileStore(cfg config.KeystoreConfig, logger observability.Logger) (*fileStore, error) {
	if cfg.KeyFile == "" {
		return nil, ErrKeyNotFound
	}

	keyPEM, err := os.ReadFile(cfg.KeyFile) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrKeyNotFound, cfg.KeyFile, err)
	}

	signer, err := parseSigner(keyPEM)
	if err != nil {
		return nil, err
	}

	var trusted []*x509.Certificate
	if cfg.TrustedCertsDir != "" {
		trusted, err = loadTrustedCerts(cfg.TrustedCertsDir)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("file keystore loaded",
		observability.String("keyFile", cfg.KeyFile),
		observability.Int("trustedCerts", len(trusted)))

	return &fileStore{baseStore: baseStore{
		signer:  signer,
		trusted: trustedKeySet(trusted),
	}}, nil
}

// parseSigner parses a PEM-encoded private key (PKCS#1 or PKCS#8).
func parseSigner(pemData []byte) (crypto.Signer, error) {
	for block, rest := pem.Decode(pemData); block != nil; block, rest = pem.Decode(rest) {
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("%w: key does not implement crypto.Signer", ErrInvalidKeyMaterial)
			}
			return signer, nil
		}
	}

	return nil, fmt.Errorf("%w: no private key block found", ErrInvalidKeyMaterial)
}

// loadTrustedCerts loads every PEM certificate found in a directory.
func loadTrustedCerts(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidKeyMaterial, dir, err)
	}

	var certs []*x509.Certificate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".pem") && !strings.HasSuffix(name, ".crt") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // directory comes from validated config
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidKeyMaterial, name, err)
		}

		parsed, err := parseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidKeyMaterial, name, err)
		}
		certs = append(certs, parsed...)
	}

	return certs, nil
}

// parseCertificates parses every CERTIFICATE block in a PEM blob.
func parseCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for block, rest := pem.Decode(pemData); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
