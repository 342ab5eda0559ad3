// Package secrets provides the credential store consumed by the exchange
// layer. Two providers are supported: environment variables (simple
// deployments) and HashiCorp Vault (KV v2, supports mid-run rotation).
//
// Credentials may be rotated while the bot runs: Refresh re-reads the
// backing store and subsequent accessor calls return the new values. The
// exchange Auth layer calls Refresh when the API starts rejecting
// signatures, so a rotation never requires a restart.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Credentials is the L2 API key triplet used for HMAC-signed requests.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Store supplies the wallet key and API credentials. Implementations must be
// safe for concurrent use; Refresh must atomically replace the values seen
// by subsequent accessor calls.
type Store interface {
	WalletPrivateKey() (string, error)
	APICredentials() (Credentials, error)
	Refresh(ctx context.Context) error
}

// ————————————————————————————————————————————————————————————————————————
// Environment provider
// ————————————————————————————————————————————————————————————————————————

// EnvStore reads credentials from ARB_* environment variables. Refresh
// re-reads the environment, so rotating via a process manager that rewrites
// the env (or a wrapper that updates os.Environ) is picked up live.
type EnvStore struct {
	mu    sync.RWMutex
	key   string
	creds Credentials
}

// NewEnvStore creates an environment-backed store, seeded with any values
// already present in the config (env wins over config on Refresh).
func NewEnvStore(privateKey string, creds Credentials) *EnvStore {
	s := &EnvStore{key: privateKey, creds: creds}
	s.readEnv()
	return s
}

func (s *EnvStore) readEnv() {
	if v := os.Getenv("ARB_PRIVATE_KEY"); v != "" {
		s.key = v
	}
	if v := os.Getenv("ARB_API_KEY"); v != "" {
		s.creds.ApiKey = v
	}
	if v := os.Getenv("ARB_API_SECRET"); v != "" {
		s.creds.Secret = v
	}
	if v := os.Getenv("ARB_PASSPHRASE"); v != "" {
		s.creds.Passphrase = v
	}
}

func (s *EnvStore) WalletPrivateKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == "" {
		return "", fmt.Errorf("wallet private key not set (ARB_PRIVATE_KEY)")
	}
	return s.key, nil
}

func (s *EnvStore) APICredentials() (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, nil
}

func (s *EnvStore) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readEnv()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Vault provider
// ————————————————————————————————————————————————————————————————————————

// VaultConfig configures the Vault-backed store.
type VaultConfig struct {
	Address string // e.g. https://vault.internal:8200
	Token   string
	Path    string // KV-v2 read path, e.g. secret/data/trading/polymarket
}

// VaultStore reads the wallet key and API credentials from a single KV-v2
// secret. Expected fields: private_key, api_key, api_secret, passphrase.
type VaultStore struct {
	client *vault.Client
	path   string

	mu    sync.RWMutex
	key   string
	creds Credentials
}

// NewVaultStore connects to Vault and performs an initial read so a
// misconfigured path fails at start-up rather than on first trade.
func NewVaultStore(ctx context.Context, cfg VaultConfig) (*VaultStore, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	s := &VaultStore{client: client, path: cfg.Path}
	if err := s.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial vault read: %w", err)
	}
	return s, nil
}

func (s *VaultStore) WalletPrivateKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == "" {
		return "", fmt.Errorf("vault secret %s has no private_key", s.path)
	}
	return s.key, nil
}

func (s *VaultStore) APICredentials() (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.ApiKey == "" {
		return Credentials{}, fmt.Errorf("vault secret %s has no api credentials", s.path)
	}
	return s.creds, nil
}

// Refresh re-reads the secret from Vault and swaps in the new values.
func (s *VaultStore) Refresh(ctx context.Context) error {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.path)
	if err != nil {
		return fmt.Errorf("vault read %s: %w", s.path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("vault read %s: empty secret", s.path)
	}

	// KV v2 nests the payload under "data"
	data := secret.Data
	if inner, ok := data["data"].(map[string]interface{}); ok {
		data = inner
	}

	strField := func(key string) string {
		if v, ok := data[key].(string); ok {
			return v
		}
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = strField("private_key")
	s.creds = Credentials{
		ApiKey:     strField("api_key"),
		Secret:     strField("api_secret"),
		Passphrase: strField("passphrase"),
	}
	return nil
}
