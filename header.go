package x402gate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DecodePaymentHeader decodes an X-PAYMENT header value into a
// PaymentPayload. An empty value returns ErrMissingPayment; a structurally
// broken one wraps ErrMalformedHeader with the decode diagnostic. On
// success the payload is stamped with the protocol version this gate
// speaks, so downstream comparisons are version-stable regardless of what
// the caller sent. Purely syntactic, never touches the network.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	if header == "" {
		return nil, ErrMissingPayment
	}

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedHeader, err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedHeader, err)
	}
	if payload.Scheme == "" {
		return nil, fmt.Errorf("%w: scheme is required", ErrMalformedHeader)
	}
	if payload.Network == "" {
		return nil, fmt.Errorf("%w: network is required", ErrMalformedHeader)
	}

	payload.X402Version = X402Version
	return &payload, nil
}

// PeekPayment is the speculative, non-fatal variant of DecodePaymentHeader.
// It lets pricing policies look at the claimed payer before the
// authoritative decode; any failure simply yields nil. Both paths share one
// decoder so they can never diverge.
func PeekPayment(header string) *PaymentPayload {
	payload, err := DecodePaymentHeader(header)
	if err != nil {
		return nil
	}
	return payload
}

// EncodePaymentHeader encodes a payload into X-PAYMENT header form, mainly
// for clients and tests.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettlementHeader encodes settlement evidence into the
// X-PAYMENT-RESPONSE header value.
func EncodeSettlementHeader(settlement *SettleResponse) (string, error) {
	raw, err := json.Marshal(settlement)
	if err != nil {
		return "", fmt.Errorf("marshal settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlementHeader decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettlementHeader(header string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	var settlement SettleResponse
	if err := json.Unmarshal(raw, &settlement); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &settlement, nil
}
