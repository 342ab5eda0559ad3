// auth.go handles the two layers of CLOB authentication:
//
//   - L1 (EIP-712): signs a typed-data "ClobAuth" message with the wallet's
//     private key, proving ownership. Used to derive L2 API keys.
//
//   - L2 (HMAC-SHA256): used for all trading operations. Signs
//     "timestamp + method + path [+ body]" with the derived API secret.
//
// Credentials live in the secret store and may be rotated mid-run: Rotate
// re-reads the store and swaps the key material without a restart.
package exchange

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/secrets"
	"polymarket-arb/pkg/types"
)

// Auth signs requests for the CLOB REST API and the user stream channel.
// The funderAddress may differ from address when using a proxy wallet.
type Auth struct {
	store   secrets.Store
	chainID *big.Int
	sigType int

	mu            sync.RWMutex
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	creds         secrets.Credentials
}

// NewAuth creates an Auth instance, loading key material from the store.
func NewAuth(cfg config.Config, store secrets.Store) (*Auth, error) {
	a := &Auth{
		store:   store,
		chainID: big.NewInt(int64(cfg.Wallet.ChainID)),
		sigType: cfg.Wallet.SignatureType,
	}

	if err := a.loadKeyMaterial(cfg.Wallet.FunderAddress); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Auth) loadKeyMaterial(funderHex string) error {
	keyHex, err := a.store.WalletPrivateKey()
	if err != nil {
		return fmt.Errorf("wallet key: %w", err)
	}
	keyHex = strings.TrimPrefix(keyHex, "0x")

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	creds, err := a.store.APICredentials()
	if err != nil {
		return fmt.Errorf("api credentials: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	funder := address
	if funderHex != "" {
		funder = common.HexToAddress(funderHex)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.privateKey = privateKey
	a.address = address
	a.funderAddress = funder
	a.creds = creds
	return nil
}

// Rotate refreshes the secret store and reloads credentials. Called when the
// API starts rejecting signatures; safe to call concurrently with signing.
func (a *Auth) Rotate(ctx context.Context) error {
	if err := a.store.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh secret store: %w", err)
	}

	a.mu.RLock()
	funder := a.funderAddress.Hex()
	a.mu.RUnlock()

	return a.loadKeyMaterial(funder)
}

// Address returns the signer's address.
func (a *Auth) Address() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.address
}

// FunderAddress returns the funder/proxy wallet address.
func (a *Auth) FunderAddress() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.funderAddress
}

// SignatureType returns the configured signing scheme.
func (a *Auth) SignatureType() int {
	return a.sigType
}

// APIKey returns the current L2 API key (the order "owner").
func (a *Auth) APIKey() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.ApiKey
}

// L1Headers generates headers for L1-authenticated endpoints (key management).
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   a.Address().Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers generates headers for L2-authenticated trading endpoints.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	a.mu.RLock()
	creds := a.creds
	address := a.address
	a.mu.RUnlock()

	sig, err := buildHMAC(creds.Secret, timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    creds.ApiKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}

// WSAuthPayload returns credentials for the user stream channel.
func (a *Auth) WSAuthPayload() *types.WSAuth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &types.WSAuth{
		ApiKey:     a.creds.ApiKey,
		Secret:     a.creds.Secret,
		Passphrase: a.creds.Passphrase,
	}
}

// signClobAuth produces an EIP-712 signature for L1 authentication.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	sig, err := a.signTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.Address().Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	return "0x" + common.Bytes2Hex(sig), nil
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (a *Auth) signTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	a.mu.RLock()
	key := a.privateKey
	a.mu.RUnlock()

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth.
// message = timestamp + method + requestPath [+ body]
func buildHMAC(secret, timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}
