package keystore

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

const vaultReadTimeout = 10 * time.Second

// vaultStore serves key material from a Vault KV v2 secret. The secret
// holds PEM blobs under the keys "key" and optionally
// "trustedCertificates".
type vaultStore struct {
	baseStore
}

func newVaultStore(cfg config.KeystoreConfig, logger observability.Logger) (*vaultStore, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.VaultAddress

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating vault client: %v", ErrKeyNotFound, err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}

	mount := cfg.VaultMount
	if mount == "" {
		mount = "secret"
	}

	ctx, cancel := context.WithTimeout(context.Background(), vaultReadTimeout)
	defer cancel()

	secret, err := client.KVv2(mount).Get(ctx, cfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading vault secret %s/%s: %v",
			ErrKeyNotFound, mount, cfg.VaultPath, err)
	}

	keyPEM, ok := secret.Data["key"].(string)
	if !ok || keyPEM == "" {
		return nil, fmt.Errorf("%w: vault secret %s/%s has no \"key\" entry",
			ErrKeyNotFound, mount, cfg.VaultPath)
	}

	signer, err := parseSigner([]byte(keyPEM))
	if err != nil {
		return nil, err
	}

	store := &vaultStore{baseStore: baseStore{
		signer:  signer,
		trusted: map[string]struct{}{},
	}}

	if trustedPEM, ok := secret.Data["trustedCertificates"].(string); ok && trustedPEM != "" {
		certs, err := parseCertificates([]byte(trustedPEM))
		if err != nil {
			return nil, fmt.Errorf("%w: parsing trusted certificates: %v", ErrInvalidKeyMaterial, err)
		}
		store.trusted = trustedKeySet(certs)
	}

	logger.Info("vault keystore loaded",
		observability.String("mount", mount),
		observability.String("path", cfg.VaultPath),
		observability.Int("trustedCerts", len(store.trusted)))

	return store, nil
}
