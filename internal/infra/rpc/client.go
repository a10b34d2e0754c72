package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"serum_rest/internal/domain"
	"serum_rest/internal/solana"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxTries  = 5
	defaultBaseDelay = 500 * time.Millisecond
)

// errTooManyRequests marks a 429 response; it is the only failure retried here.
var errTooManyRequests = errors.New("429 too many requests")

// Config holds the node endpoints and client limits.
type Config struct {
	URLs         []string
	Commitment   string
	RateLimitRPS float64
	Timeout      time.Duration
	MaxTries     uint
	BaseDelay    time.Duration
}

// Observer receives the outcome of every RPC call.
type Observer interface {
	ObserveRPC(method string, d time.Duration, err error)
}

// Client is a Solana JSON-RPC 2.0 client over HTTP. Each call goes to a
// randomly chosen endpoint.
type Client struct {
	urls       []string
	commitment string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxTries   uint
	baseDelay  time.Duration
	observer   Observer
	nextID     atomic.Uint64
	logger     *slog.Logger
}

// NewClient creates a new RPC client.
func NewClient(cfg Config, observer Observer) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(cfg.RateLimitRPS)))
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = defaultMaxTries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Client{
		urls:       cfg.URLs,
		commitment: commitment,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter:   limiter,
		maxTries:  maxTries,
		baseDelay: baseDelay,
		observer:  observer,
		logger:    slog.Default().With("module", "rpc_client"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs method and decodes its result into out. Only 429
// responses are retried, with exponential backoff.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	raw, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		return c.doRequest(ctx, method, params)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))

	if errors.Is(err, errTooManyRequests) {
		c.logger.Warn("RPC rate limited, giving up", "method", method, "tries", c.maxTries)
		err = domain.NewNetworkError(method, err)
	}
	if err == nil && out != nil {
		if uerr := json.Unmarshal(raw, out); uerr != nil {
			err = fmt.Errorf("%s: decode result: %w", method, uerr)
		}
	}
	if c.observer != nil {
		c.observer.ObserveRPC(method, time.Since(start), err)
	}
	return err
}

// doRequest sends one JSON-RPC request to a random endpoint.
func (c *Client) doRequest(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if len(c.urls) == 0 {
		return nil, backoff.Permanent(domain.NewFatalNetworkError(method, errors.New("no rpc endpoint configured")))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	url := c.urls[rand.IntN(len(c.urls))]
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, backoff.Permanent(domain.NewNetworkError(method, err))
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backoff.Permanent(domain.NewNetworkError(method, err))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Debug("RPC 429, retrying", "method", method, "url", url)
		return nil, errTooManyRequests
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(domain.NewNetworkError(method,
			fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(bodyBytes, 256))))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(bodyBytes, &rpcResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: parse response: %w", method, err))
	}
	if rpcResp.Error != nil {
		return nil, backoff.Permanent(rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

type accountData struct {
	Data     [2]string `json:"data"`
	Owner    string    `json:"owner"`
	Lamports uint64    `json:"lamports"`
}

func (a *accountData) decode() ([]byte, error) {
	if a.Data[1] != "base64" {
		return nil, fmt.Errorf("unexpected account encoding %q", a.Data[1])
	}
	return base64.StdEncoding.DecodeString(a.Data[0])
}

type keyedAccountData struct {
	Pubkey  string      `json:"pubkey"`
	Account accountData `json:"account"`
}

func (k *keyedAccountData) toKeyed() (solana.KeyedAccount, error) {
	pk, err := solana.PublicKeyFromBase58(k.Pubkey)
	if err != nil {
		return solana.KeyedAccount{}, err
	}
	owner, err := solana.PublicKeyFromBase58(k.Account.Owner)
	if err != nil {
		return solana.KeyedAccount{}, err
	}
	data, err := k.Account.decode()
	if err != nil {
		return solana.KeyedAccount{}, err
	}
	return solana.KeyedAccount{PublicKey: pk, Owner: owner, Lamports: k.Account.Lamports, Data: data}, nil
}

// SendRawTransaction submits a signed transaction without preflight checks.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	var sig string
	err := c.call(ctx, "sendTransaction", []any{
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64", "skipPreflight": true, "preflightCommitment": c.commitment},
	}, &sig)
	if err != nil {
		return solana.Signature{}, err
	}
	return solana.SignatureFromBase58(sig)
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (s *signatureStatus) toDomain() domain.SignatureStatus {
	if len(s.Err) > 0 && string(s.Err) != "null" {
		return domain.SignatureStatus{State: domain.SignatureFailed, Err: string(s.Err), Slot: s.Slot}
	}
	if (s.Confirmations != nil && *s.Confirmations > 0) ||
		s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized" {
		return domain.SignatureStatus{State: domain.SignatureConfirmed, Slot: s.Slot}
	}
	return domain.SignatureStatus{State: domain.SignaturePending, Slot: s.Slot}
}

// GetSignatureStatus reports whether sig is pending, confirmed or failed.
func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (domain.SignatureStatus, error) {
	var result struct {
		Value []*signatureStatus `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", []any{[]string{sig.String()}}, &result); err != nil {
		return domain.SignatureStatus{}, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return domain.SignatureStatus{State: domain.SignaturePending}, nil
	}
	return result.Value[0].toDomain(), nil
}

// GetLatestBlockhash returns a recent blockhash.
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{commitmentConfig{Commitment: c.commitment}}, &result); err != nil {
		return solana.Hash{}, err
	}
	return solana.HashFromBase58(result.Value.Blockhash)
}

// GetAccountInfo returns the account data, or nil when the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	var result struct {
		Value *accountData `json:"value"`
	}
	cfg := commitmentConfig{Commitment: c.commitment, Encoding: "base64"}
	if err := c.call(ctx, "getAccountInfo", []any{address.String(), cfg}, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	return result.Value.decode()
}

// GetMultipleAccounts returns data for each address; missing accounts are nil.
func (c *Client) GetMultipleAccounts(ctx context.Context, addresses []solana.PublicKey) ([][]byte, error) {
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = a.String()
	}
	var result struct {
		Value []*accountData `json:"value"`
	}
	cfg := commitmentConfig{Commitment: c.commitment, Encoding: "base64"}
	if err := c.call(ctx, "getMultipleAccounts", []any{keys, cfg}, &result); err != nil {
		return nil, err
	}
	out := make([][]byte, len(addresses))
	for i, v := range result.Value {
		if v == nil || i >= len(out) {
			continue
		}
		data, err := v.decode()
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func encodeFilters(filters []solana.AccountFilter) []map[string]any {
	out := make([]map[string]any, 0, len(filters))
	for _, f := range filters {
		if f.Memcmp != nil {
			out = append(out, map[string]any{"memcmp": map[string]any{
				"offset": f.Memcmp.Offset,
				"bytes":  f.Memcmp.Bytes.String(),
			}})
			continue
		}
		out = append(out, map[string]any{"dataSize": f.DataSize})
	}
	return out
}

// GetProgramAccounts scans the accounts owned by programID.
func (c *Client) GetProgramAccounts(ctx context.Context, programID solana.PublicKey, filters ...solana.AccountFilter) ([]solana.KeyedAccount, error) {
	var result []keyedAccountData
	cfg := map[string]any{
		"commitment": c.commitment,
		"encoding":   "base64",
		"filters":    encodeFilters(filters),
	}
	if err := c.call(ctx, "getProgramAccounts", []any{programID.String(), cfg}, &result); err != nil {
		return nil, err
	}
	return toKeyedAccounts(result)
}

// GetTokenAccountsByOwner lists the SPL token accounts of owner.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey) ([]solana.KeyedAccount, error) {
	var result struct {
		Value []keyedAccountData `json:"value"`
	}
	cfg := commitmentConfig{Commitment: c.commitment, Encoding: "base64"}
	params := []any{owner.String(), map[string]string{"programId": solana.TokenProgramID.String()}, cfg}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}
	return toKeyedAccounts(result.Value)
}

func toKeyedAccounts(raw []keyedAccountData) ([]solana.KeyedAccount, error) {
	out := make([]solana.KeyedAccount, 0, len(raw))
	for i := range raw {
		ka, err := raw[i].toKeyed()
		if err != nil {
			return nil, err
		}
		out = append(out, ka)
	}
	return out, nil
}

// GetBalance returns the lamports held by address.
func (c *Client) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	err := c.call(ctx, "getBalance", []any{address.String(), commitmentConfig{Commitment: c.commitment}}, &result)
	return result.Value, err
}

// GetMinimumBalanceForRentExemption returns the rent-exempt minimum for size bytes.
func (c *Client) GetMinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	var lamports uint64
	err := c.call(ctx, "getMinimumBalanceForRentExemption", []any{size}, &lamports)
	return lamports, err
}

// GetHealth returns nil when the node reports itself healthy.
func (c *Client) GetHealth(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", []any{}, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node unhealthy: %s", status)
	}
	return nil
}
