// Package facilitator provides the HTTP client for x402 facilitator
// services: the remote collaborators that verify signed payment payloads
// and settle them on-chain via POST /verify and POST /settle.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402gate "github.com/becomeliminal/x402-gate"
)

// Default operation timeouts applied when the caller's context carries no
// deadline. Settlement waits on chain inclusion, so it gets the long one.
const (
	DefaultVerifyTimeout = 5 * time.Second
	DefaultSettleTimeout = 60 * time.Second
)

// AuthorizationProvider returns an Authorization header value per request.
// Useful for tokens that refresh; takes precedence over the static value.
type AuthorizationProvider func(*http.Request) string

// Client talks to a facilitator service over HTTP.
type Client struct {
	// BaseURL is the facilitator endpoint (e.g., "https://x402.org/facilitator").
	BaseURL string

	// HTTPClient defaults to a client with a 2-minute timeout.
	HTTPClient *http.Client

	// VerifyTimeout and SettleTimeout bound individual operations when the
	// caller's context has no deadline of its own.
	VerifyTimeout time.Duration
	SettleTimeout time.Duration

	// Authorization is a static Authorization header value.
	Authorization string

	// AuthorizationProvider supplies the header dynamically; wins over
	// Authorization when set.
	AuthorizationProvider AuthorizationProvider
}

var _ x402gate.Facilitator = (*Client)(nil)

// NewClient creates a facilitator client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	X402Version         int                           `json:"x402Version"`
	PaymentPayload      *x402gate.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402gate.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	X402Version         int                           `json:"x402Version"`
	PaymentPayload      *x402gate.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *x402gate.PaymentRequirements `json:"paymentRequirements"`
}

// SupportedKind is one scheme+network pair a facilitator can settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Verify checks a payment payload against a requirement without moving
// funds.
func (c *Client) Verify(ctx context.Context, payload *x402gate.PaymentPayload, requirements *x402gate.PaymentRequirements) (*x402gate.VerifyResponse, error) {
	req := VerifyRequest{
		X402Version:         x402gate.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var resp x402gate.VerifyResponse
	if err := c.post(ctx, "verify", c.verifyTimeout(), req, &resp); err != nil {
		return nil, err
	}
	if resp.Payer == "" {
		resp.Payer = payload.Payer()
	}
	return &resp, nil
}

// Settle executes a verified payment on-chain.
func (c *Client) Settle(ctx context.Context, payload *x402gate.PaymentPayload, requirements *x402gate.PaymentRequirements) (*x402gate.SettleResponse, error) {
	req := SettleRequest{
		X402Version:         x402gate.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}

	var resp x402gate.SettleResponse
	if err := c.post(ctx, "settle", c.settleTimeout(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported queries the facilitator for the scheme+network pairs it can
// settle.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("create supported request: %w", err)
	}
	c.setAuthorization(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, &x402gate.FacilitatorError{Op: "supported", Message: err.Error(), Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, errorFromResponse("supported", httpResp)
	}

	var resp SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode supported response: %w", err)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, op string, timeout time.Duration, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+"/"+op, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorization(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return &x402gate.FacilitatorError{Op: op, Message: err.Error(), Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return errorFromResponse(op, httpResp)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) verifyTimeout() time.Duration {
	if c.VerifyTimeout > 0 {
		return c.VerifyTimeout
	}
	return DefaultVerifyTimeout
}

func (c *Client) settleTimeout() time.Duration {
	if c.SettleTimeout > 0 {
		return c.SettleTimeout
	}
	return DefaultSettleTimeout
}

func (c *Client) setAuthorization(req *http.Request) {
	var value string
	if c.AuthorizationProvider != nil {
		value = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		value = c.Authorization
	}
	if value != "" {
		req.Header.Set("Authorization", value)
	}
}

// errorFromResponse turns a non-200 facilitator answer into a typed error
// that carries the HTTP status for classification upstream.
func errorFromResponse(op string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := ""
	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			message = reason
		} else if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			message = reason
		} else if reason, ok := errBody["error"].(string); ok && reason != "" {
			message = reason
		}
	}
	if message == "" && len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		message = string(bodyBytes)
	}

	return &x402gate.FacilitatorError{Op: op, StatusCode: resp.StatusCode, Message: message}
}
