// Package grpc provides native gRPC interceptors that enforce x402
// payments, signaling over gRPC metadata instead of HTTP headers.
package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/metadata"

	x402gate "github.com/becomeliminal/x402-gate"
)

const (
	// MetadataKeyPayment is the metadata key for the payment payload.
	// The value uses the same base64 JSON encoding as the X-PAYMENT header.
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentResponse is the trailer key for settlement
	// evidence, encoded like the X-PAYMENT-RESPONSE header.
	MetadataKeyPaymentResponse = "x402-payment-response"
)

// EncodeChallenge encodes a payment challenge body to base64 JSON for
// transport in a gRPC status message.
func EncodeChallenge(body *x402gate.PaymentRequiredResponse) (string, error) {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeChallenge decodes a base64 JSON payment challenge from a gRPC
// status message. Clients use this to recover the payment requirements.
func DecodeChallenge(encoded string) (*x402gate.PaymentRequiredResponse, error) {
	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var body x402gate.PaymentRequiredResponse
	if err := json.Unmarshal(jsonBytes, &body); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment challenge: %w", err)
	}
	return &body, nil
}

// ExtractPaymentFromMetadata extracts and decodes the payment payload from
// gRPC metadata.
func ExtractPaymentFromMetadata(md metadata.MD) (*x402gate.PaymentPayload, error) {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment found in metadata")
	}
	return x402gate.DecodePaymentHeader(values[0])
}

// ExtractSettlementFromMetadata extracts and decodes the settlement
// evidence from trailer metadata. Clients call this after a paid RPC.
func ExtractSettlementFromMetadata(md metadata.MD) (*x402gate.SettleResponse, error) {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, fmt.Errorf("no settlement response found in metadata")
	}
	return x402gate.DecodeSettlementHeader(values[0])
}
