// Package x402gate gates access to protected operations behind the x402
// pay-per-call protocol (version 1, scheme "exact"). A caller presents a
// signed payment payload in the X-PAYMENT header; the gate verifies it
// against a computed requirement, runs the protected operation, settles the
// payment through a facilitator service, and attaches settlement evidence to
// the response.
package x402gate

import (
	"context"
	"strings"
	"time"
)

// X402Version is the protocol version this gate speaks.
const X402Version = 1

// SchemeExact is the only payment scheme supported by the gate.
const SchemeExact = "exact"

// HTTP header names used by the protocol.
const (
	// HeaderPayment carries the caller's base64-encoded payment payload.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries base64-encoded settlement evidence.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements describes what payment satisfies a call. It is built
// fresh per call, never mutated, and serialized directly into 402 responses.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"` // atomic units
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"` // token contract address
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"` // EIP-712 domain parameters
}

// PaymentPayload is the caller's decoded credential from the X-PAYMENT
// header. Beyond the claimed payer address the payload is treated as opaque;
// the facilitator owns signature validation.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEvmPayload `json:"payload"`
}

// Payer returns the lowercase claimed payer address. The value is
// unauthenticated until verification succeeds.
func (p *PaymentPayload) Payer() string {
	return strings.ToLower(p.Payload.Authorization.From)
}

// ExactEvmPayload contains the EIP-3009 authorization data for the "exact"
// scheme on EVM networks.
type ExactEvmPayload struct {
	Signature     string                `json:"signature"`
	Authorization ExactEvmAuthorization `json:"authorization"`
}

// ExactEvmAuthorization mirrors the transferWithAuthorization parameters.
type ExactEvmAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// VerifyResponse is the facilitator's answer to a verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's attestation that funds moved. Only
// trusted once Success is true.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// PaymentRequiredResponse is the payment-challenge body returned for
// missing, invalid, or unverified payments.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Payer       string                `json:"payer,omitempty"`
}

// Facilitator verifies and settles signed payment payloads against a
// requirement. Implementations are expected to be remote services; see the
// facilitator package for the HTTP client.
type Facilitator interface {
	// Verify checks whether the payload satisfies the requirement without
	// moving funds.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle finalizes a previously verified payment on-chain.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
}

// PaymentContext carries verified payment details for downstream handlers.
type PaymentContext struct {
	Verified    bool
	Payer       string
	Network     string
	Amount      string // atomic units charged for this call
	Transaction string
	SettledAt   time.Time
}

type contextKey string

// PaymentContextKey stores the PaymentContext in a request context.
const PaymentContextKey contextKey = "x402-payment"

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}
