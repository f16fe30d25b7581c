package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient is a Client backed by a ledger gateway speaking JSON over HTTP.
type HTTPClient struct {
	baseURL    string
	spender    string
	httpClient *http.Client
}

// NewHTTPClient creates a ledger client. spender is the engine's principal,
// the account callers approve allowances for.
func NewHTTPClient(baseURL, spender string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		spender: spender,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type accountPayload struct {
	Owner      string `json:"owner"`
	Subaccount string `json:"subaccount,omitempty"` // hex
}

func toPayload(a Account) accountPayload {
	p := accountPayload{Owner: a.Owner}
	if len(a.Subaccount) > 0 {
		p.Subaccount = hex.EncodeToString(a.Subaccount)
	}
	return p
}

type balanceResponse struct {
	E8s uint64 `json:"e8s"`
}

type allowanceResponse struct {
	AllowanceE8s uint64 `json:"allowance_e8s"`
}

type transferRequest struct {
	From   accountPayload `json:"from"`
	To     accountPayload `json:"to"`
	Amount uint64         `json:"amount_e8s"`
}

type transferFromRequest struct {
	Owner   string         `json:"owner"`
	Spender string         `json:"spender"`
	To      accountPayload `json:"to"`
	Amount  uint64         `json:"amount_e8s"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Balance returns the e8s balance of an account.
func (c *HTTPClient) Balance(ctx context.Context, account Account) (uint64, error) {
	var out balanceResponse
	if err := c.post(ctx, "/v1/balance", toPayload(account), &out); err != nil {
		return 0, err
	}
	return out.E8s, nil
}

// Allowance returns the remaining approval from owner to the engine.
func (c *HTTPClient) Allowance(ctx context.Context, owner string) (uint64, error) {
	var out allowanceResponse
	req := map[string]string{"owner": owner, "spender": c.spender}
	if err := c.post(ctx, "/v1/allowance", req, &out); err != nil {
		return 0, err
	}
	return out.AllowanceE8s, nil
}

// TransferFrom pulls amount from the owner's account, consuming allowance.
func (c *HTTPClient) TransferFrom(ctx context.Context, owner string, to Account, amount uint64) error {
	return c.post(ctx, "/v1/transfer_from", transferFromRequest{
		Owner:   owner,
		Spender: c.spender,
		To:      toPayload(to),
		Amount:  amount,
	}, nil)
}

// Transfer moves amount between engine-controlled accounts.
func (c *HTTPClient) Transfer(ctx context.Context, from, to Account, amount uint64) error {
	return c.post(ctx, "/v1/transfer", transferRequest{
		From:   toPayload(from),
		To:     toPayload(to),
		Amount: amount,
	}, nil)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ledger: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &errResp) == nil {
			switch errResp.Code {
			case "INSUFFICIENT_FUNDS":
				return ErrInsufficientFunds
			case "INSUFFICIENT_ALLOWANCE":
				return ErrInsufficientAllowance
			}
		}
		return fmt.Errorf("ledger: %s status %d: %s", path, resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("ledger: decode response: %w", err)
		}
	}
	return nil
}
