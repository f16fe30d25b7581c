package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient is a Client backed by a registry gateway speaking JSON over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a registry client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type bearerResponse struct {
	Owner string `json:"owner"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Bearer returns the current owner principal of a token.
func (c *HTTPClient) Bearer(ctx context.Context, tokenIndex uint32) (string, error) {
	var out bearerResponse
	if err := c.post(ctx, "/v1/bearer", map[string]any{"token_index": tokenIndex}, &out); err != nil {
		return "", err
	}
	return out.Owner, nil
}

// Lock reserves a token for sale.
func (c *HTTPClient) Lock(ctx context.Context, tokenIndex uint32, priceE8s uint64, buyer string) error {
	return c.post(ctx, "/v1/lock", map[string]any{
		"token_index": tokenIndex,
		"price_e8s":   priceE8s,
		"buyer":       buyer,
	}, nil)
}

// Transfer moves ownership of a locked token.
func (c *HTTPClient) Transfer(ctx context.Context, tokenIndex uint32, from, to string) error {
	return c.post(ctx, "/v1/transfer", map[string]any{
		"token_index": tokenIndex,
		"from":        from,
		"to":          to,
	}, nil)
}

// Settle finalizes a completed transfer.
func (c *HTTPClient) Settle(ctx context.Context, tokenIndex uint32) error {
	return c.post(ctx, "/v1/settle", map[string]any{"token_index": tokenIndex}, nil)
}

// Unlock releases a sale lock without transferring.
func (c *HTTPClient) Unlock(ctx context.Context, tokenIndex uint32) error {
	return c.post(ctx, "/v1/unlock", map[string]any{"token_index": tokenIndex}, nil)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("registry: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("registry: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &errResp) == nil {
			switch errResp.Code {
			case "NOT_OWNER":
				return ErrNotOwner
			case "TOKEN_LOCKED":
				return ErrTokenLocked
			}
		}
		return fmt.Errorf("registry: %s status %d: %s", path, resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("registry: decode response: %w", err)
		}
	}
	return nil
}
