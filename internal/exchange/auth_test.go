package exchange

import (
	"context"
	"testing"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/secrets"
)

// testKey is a throwaway private key used only in tests.
const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testAuthConfig() config.Config {
	return config.Config{
		Wallet: config.WalletConfig{ChainID: 137},
	}
}

func newTestAuth(t *testing.T) (*Auth, *secrets.EnvStore) {
	t.Helper()
	store := secrets.NewEnvStore(testKey, secrets.Credentials{
		ApiKey:     "key1",
		Secret:     "c2VjcmV0LWJ5dGVz", // base64("secret-bytes")
		Passphrase: "pass1",
	})
	auth, err := NewAuth(testAuthConfig(), store)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return auth, store
}

func TestAuthDerivesAddress(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	addr := auth.Address().Hex()
	if len(addr) != 42 || addr[:2] != "0x" {
		t.Errorf("address = %q, want 0x-prefixed 20-byte hex", addr)
	}
	// No funder configured: funder defaults to the signer.
	if auth.FunderAddress() != auth.Address() {
		t.Error("funder should default to the signing address")
	}
}

func TestL2HeadersComplete(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	headers, err := auth.L2Headers("POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}

	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("header %s missing", key)
		}
	}
	if headers["POLY_API_KEY"] != "key1" {
		t.Errorf("api key = %q, want key1", headers["POLY_API_KEY"])
	}
}

func TestL1HeadersSigned(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	headers, err := auth.L1Headers(0)
	if err != nil {
		t.Fatalf("L1Headers: %v", err)
	}
	sig := headers["POLY_SIGNATURE"]
	// 65-byte signature hex with 0x prefix.
	if len(sig) != 132 {
		t.Errorf("signature length = %d, want 132", len(sig))
	}
}

func TestRotatePicksUpNewCredentials(t *testing.T) {
	auth, _ := newTestAuth(t)

	t.Setenv("ARB_API_KEY", "key2")
	t.Setenv("ARB_PASSPHRASE", "pass2")

	if err := auth.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if auth.APIKey() != "key2" {
		t.Errorf("api key = %q, want rotated key2", auth.APIKey())
	}
	payload := auth.WSAuthPayload()
	if payload.Passphrase != "pass2" {
		t.Errorf("passphrase = %q, want rotated pass2", payload.Passphrase)
	}
}

func TestBuildHMACDeterministic(t *testing.T) {
	t.Parallel()

	secret := "c2VjcmV0LWJ5dGVz"
	a, err := buildHMAC(secret, "1700000000", "POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	b, err := buildHMAC(secret, "1700000000", "POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	if a != b {
		t.Error("same inputs must produce the same signature")
	}

	c, _ := buildHMAC(secret, "1700000000", "POST", "/order", `{"x":2}`)
	if a == c {
		t.Error("different bodies must produce different signatures")
	}
}
