// Package custody wraps the custodial wallet provider's REST API. New
// destination vaults are provisioned here before a recovery run moves assets
// into them, and the provider's gas station keeps destination wallets fueled.
package custody

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// HTTPDoer abstracts the HTTP client for testability.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Vault identifies a provisioned custodial vault account.
type Vault struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Asset is a wallet created inside a vault for one asset symbol.
type Asset struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// GasStationBounds are the provider-side auto-fueling thresholds.
type GasStationBounds struct {
	GasThreshold string `json:"gasThreshold"`
	GasCap       string `json:"gasCap"`
	MaxGasPrice  string `json:"maxGasPrice"`
}

// Client signs and issues requests to the custody provider. Requests carry a
// short-lived RS256 JWT over the request path and body hash, per the
// provider's authentication scheme.
type Client struct {
	httpClient HTTPDoer
	baseURL    string
	apiKey     string
	signingKey *rsa.PrivateKey
	now        func() time.Time
	tokenTTL   time.Duration
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP transport.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.httpClient = doer }
}

// WithClock sets the time source for token issuance.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.now = clock }
}

// New constructs a custody client. secretPEM is the PKCS#1 or PKCS#8 encoded
// RSA signing key issued by the provider.
func New(baseURL, apiKey string, secretPEM []byte, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("custody: base url required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("custody: api key required")
	}
	key, err := parseRSAKey(secretPEM)
	if err != nil {
		return nil, err
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		signingKey: key,
		now:        time.Now,
		tokenTTL:   25 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateVault provisions a new vault account.
func (c *Client) CreateVault(ctx context.Context, name string, hidden bool, referenceAddress string, autoFuel bool) (Vault, error) {
	payload := map[string]interface{}{
		"name":          name,
		"hiddenOnUI":    hidden,
		"customerRefId": referenceAddress,
		"autoFuel":      autoFuel,
	}
	var vault Vault
	if err := c.do(ctx, http.MethodPost, "/v1/vault/accounts", payload, &vault); err != nil {
		return Vault{}, err
	}
	if strings.TrimSpace(vault.ID) == "" {
		return Vault{}, fmt.Errorf("custody: provider returned empty vault id")
	}
	return vault, nil
}

// CreateAsset creates a wallet for the asset symbol inside the vault and
// returns its deposit address.
func (c *Client) CreateAsset(ctx context.Context, vaultID, assetSymbol string) (Asset, error) {
	path := fmt.Sprintf("/v1/vault/accounts/%s/%s", vaultID, assetSymbol)
	var asset Asset
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &asset); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

// GetGasStationBounds reads the auto-fueling configuration for the asset.
func (c *Client) GetGasStationBounds(ctx context.Context, asset string) (GasStationBounds, error) {
	path := "/v1/gas_station"
	if trimmed := strings.TrimSpace(asset); trimmed != "" {
		path += "/" + trimmed
	}
	var wrapper struct {
		Configuration GasStationBounds `json:"configuration"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &wrapper); err != nil {
		return GasStationBounds{}, err
	}
	return wrapper.Configuration, nil
}

// SetGasStationBounds updates the auto-fueling thresholds for the asset.
func (c *Client) SetGasStationBounds(ctx context.Context, min, max, maxPrice, asset string) error {
	path := "/v1/gas_station/configuration"
	if trimmed := strings.TrimSpace(asset); trimmed != "" {
		path += "/" + trimmed
	}
	payload := map[string]string{
		"gasThreshold": min,
		"gasCap":       max,
	}
	if strings.TrimSpace(maxPrice) != "" {
		payload["maxGasPrice"] = maxPrice
	}
	return c.do(ctx, http.MethodPut, path, payload, nil)
}

// TransferBetweenVaults moves amount of asset from one vault to another.
func (c *Client) TransferBetweenVaults(ctx context.Context, sourceVaultID, destVaultID, assetSymbol, amount string) (string, error) {
	payload := map[string]interface{}{
		"assetId": assetSymbol,
		"amount":  amount,
		"source":  map[string]string{"type": "VAULT_ACCOUNT", "id": sourceVaultID},
		"destination": map[string]string{
			"type": "VAULT_ACCOUNT", "id": destVaultID,
		},
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", payload, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("custody: encode request: %w", err)
		}
		body = encoded
	}
	token, err := c.signRequest(path, body)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("custody: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("custody: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("custody: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("custody: decode %s: %w", path, err)
	}
	return nil
}

// signRequest issues the per-request JWT: subject is the API key, uri is the
// request path, and bodyHash commits to the exact payload bytes.
func (c *Client) signRequest(path string, body []byte) (string, error) {
	digest := sha256.Sum256(body)
	issued := c.now()
	claims := jwt.MapClaims{
		"uri":      path,
		"nonce":    uuid.NewString(),
		"iat":      issued.Unix(),
		"exp":      issued.Add(c.tokenTTL).Unix(),
		"sub":      c.apiKey,
		"bodyHash": hex.EncodeToString(digest[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("custody: sign request token: %w", err)
	}
	return signed, nil
}

func parseRSAKey(secretPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(secretPEM)
	if block == nil {
		return nil, fmt.Errorf("custody: signing key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("custody: parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("custody: signing key is not RSA")
	}
	return key, nil
}
