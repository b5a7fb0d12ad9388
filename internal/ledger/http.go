package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPLedger talks to the external wallet service over JSON/HTTP. Every
// call is bounded by the client timeout; a timeout surfaces as an error so
// the enclosing operation aborts.
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

// NewHTTPLedger creates a client for the wallet service at baseURL.
func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	Ref     string          `json:"ref"`
}

type transferResponse struct {
	TxnID string `json:"txn_id"`
}

type availableResponse struct {
	Available bool `json:"available"`
}

// CheckAvailable asks whether the account's non-committed balance covers amount.
func (l *HTTPLedger) CheckAvailable(ctx context.Context, account string, amount decimal.Decimal) (bool, error) {
	u := fmt.Sprintf("%s/accounts/%s/available?amount=%s",
		l.baseURL, url.PathEscape(account), url.QueryEscape(amount.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ledger available %s: %w", account, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ledger available %s: status %d", account, resp.StatusCode)
	}
	var out availableResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("ledger available %s: decode: %w", account, err)
	}
	return out.Available, nil
}

func (l *HTTPLedger) Debit(ctx context.Context, account string, amount decimal.Decimal, ref string) (string, error) {
	return l.transfer(ctx, "/debits", account, amount, ref)
}

func (l *HTTPLedger) Credit(ctx context.Context, account string, amount decimal.Decimal, ref string) (string, error) {
	return l.transfer(ctx, "/credits", account, amount, ref)
}

func (l *HTTPLedger) transfer(ctx context.Context, path, account string, amount decimal.Decimal, ref string) (string, error) {
	body, err := json.Marshal(transferRequest{Account: account, Amount: amount, Ref: ref})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ref)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger %s %s: %w", path, account, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusPaymentRequired:
		return "", ErrInsufficientBalance
	case http.StatusConflict:
		return "", fmt.Errorf("%w: %s", ErrReferenceMismatch, ref)
	default:
		return "", fmt.Errorf("ledger %s %s: status %d", path, account, resp.StatusCode)
	}

	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ledger %s: decode: %w", path, err)
	}
	return out.TxnID, nil
}
