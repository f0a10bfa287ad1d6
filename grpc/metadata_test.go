package grpc

import (
	"testing"

	"google.golang.org/grpc/metadata"

	x402gate "github.com/becomeliminal/x402-gate"
)

func TestChallengeRoundTrip(t *testing.T) {
	body := &x402gate.PaymentRequiredResponse{
		X402Version: x402gate.X402Version,
		Error:       "payment required",
		Accepts: []x402gate.PaymentRequirements{{
			Scheme:            x402gate.SchemeExact,
			Network:           "base-sepolia",
			MaxAmountRequired: "10000",
			PayTo:             "0xabc",
		}},
	}

	encoded, err := EncodeChallenge(body)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeChallenge(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Error != "payment required" {
		t.Errorf("expected error message to survive, got %q", decoded.Error)
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].MaxAmountRequired != "10000" {
		t.Errorf("expected requirements to survive, got %+v", decoded.Accepts)
	}
}

func TestDecodeChallenge_Malformed(t *testing.T) {
	if _, err := DecodeChallenge("not@base64"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodeChallenge("bm90IGpzb24="); err == nil {
		t.Error("expected error for non-JSON content")
	}
}

func TestExtractPaymentFromMetadata(t *testing.T) {
	md := metadata.Pairs(MetadataKeyPayment, testPaymentHeader(t))

	payload, err := ExtractPaymentFromMetadata(md)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if payload.Payer() != "0xpayer" {
		t.Errorf("expected claimed payer, got %s", payload.Payer())
	}

	if _, err := ExtractPaymentFromMetadata(metadata.MD{}); err == nil {
		t.Error("expected error when payment metadata is absent")
	}
}

func TestExtractSettlementFromMetadata(t *testing.T) {
	header, err := x402gate.EncodeSettlementHeader(&x402gate.SettleResponse{
		Success:     true,
		Transaction: "0xtxhash",
		Network:     "base-sepolia",
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	settlement, err := ExtractSettlementFromMetadata(metadata.Pairs(MetadataKeyPaymentResponse, header))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if settlement.Transaction != "0xtxhash" {
		t.Errorf("expected transaction hash, got %q", settlement.Transaction)
	}

	if _, err := ExtractSettlementFromMetadata(metadata.MD{}); err == nil {
		t.Error("expected error when trailer is absent")
	}
}
