package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrowd API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // API key, e.g. "sk_..." (arbiter or system key for dispute tools)
	AdminSecret string // Admin secret; admin tools are disabled when empty
}

// EscrowdClient is a pure HTTP client for the escrowd API.
type EscrowdClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowdClient creates a new client for the escrowd API.
func NewEscrowdClient(cfg Config) *EscrowdClient {
	return &EscrowdClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// admin requests authenticate with the admin secret instead of the API key.
func (c *EscrowdClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, admin bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if admin {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetTransaction fetches a single escrow transaction.
func (c *EscrowdClient) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+id, nil, nil, false)
}

// GetEvents fetches the event log for a transaction.
func (c *EscrowdClient) GetEvents(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+id+"/events", nil, nil, false)
}

// ListPartyTransactions lists transactions a party participates in.
func (c *EscrowdClient) ListPartyTransactions(ctx context.Context, partyID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+partyID+"/transactions", q, nil, false)
}

// GetOffer fetches an accepted offer.
func (c *EscrowdClient) GetOffer(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/offers/"+id, nil, nil, false)
}

// ResolveDispute records the arbiter's decision on a disputed transaction.
func (c *EscrowdClient) ResolveDispute(ctx context.Context, id, outcome, note string) (json.RawMessage, error) {
	body := map[string]string{
		"outcome": outcome,
		"note":    note,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/"+id+"/dispute/resolve", nil, body, false)
}

// SeedOffer registers an accepted offer through the admin API.
func (c *EscrowdClient) SeedOffer(ctx context.Context, buyerID, sellerID, amount, description string) (json.RawMessage, error) {
	body := map[string]string{
		"buyerId":     buyerID,
		"sellerId":    sellerID,
		"amount":      amount,
		"description": description,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/offers", nil, body, true)
}

// CapturePayment marks a transaction's funds as secured through the admin API.
func (c *EscrowdClient) CapturePayment(ctx context.Context, txnID string) (json.RawMessage, error) {
	body := map[string]string{"transactionId": txnID}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/capture", nil, body, true)
}
