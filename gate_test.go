package x402gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/becomeliminal/x402-gate/retry"
)

// MockFacilitator is a mock implementation of Facilitator for testing.
type MockFacilitator struct {
	VerifyFunc func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)
	SettleFunc func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)

	verifyCalls int
	settleCalls int
}

func (m *MockFacilitator) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	m.verifyCalls++
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, payload, requirements)
	}
	return &VerifyResponse{IsValid: true, Payer: "0xPayer"}, nil
}

func (m *MockFacilitator) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
	m.settleCalls++
	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, payload, requirements)
	}
	return &SettleResponse{Success: true, Transaction: "0xtxhash", Network: payload.Network, Payer: "0xpayer"}, nil
}

func testPayload() *PaymentPayload {
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     "base-sepolia",
		Payload: ExactEvmPayload{
			Signature: "0xsig",
			Authorization: ExactEvmAuthorization{
				From:  "0xPayer",
				To:    "0xabc",
				Value: "10000",
			},
		},
	}
}

func testHeader(t *testing.T) string {
	t.Helper()
	header, err := EncodePaymentHeader(testPayload())
	if err != nil {
		t.Fatalf("failed to encode payment header: %v", err)
	}
	return header
}

func testPricer() StaticPrice {
	return StaticPrice{
		Price:   "$0.01",
		Network: "base-sepolia",
		PayTo:   "0xabc",
	}
}

// fastRetry keeps retry-heavy tests quick.
var fastRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
}

func newTestGate(t *testing.T, cfg GateConfig) *Gate {
	t.Helper()
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = fastRetry
	}
	gate, err := NewGate(cfg)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}
	return gate
}

func TestProcess_MissingPayment(t *testing.T) {
	gate := newTestGate(t, GateConfig{Facilitator: &MockFacilitator{}})

	call := &Call{Resource: "https://api.test/v1/hello", Method: "GET"}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		t.Fatal("operation must not run without payment")
		return nil, nil
	})

	if outcome.Challenge == nil {
		t.Fatal("expected challenge")
	}
	if outcome.Challenge.Status != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", outcome.Challenge.Status)
	}
	if outcome.Challenge.Body.X402Version != X402Version {
		t.Errorf("expected x402Version %d, got %d", X402Version, outcome.Challenge.Body.X402Version)
	}
	if len(outcome.Challenge.Body.Accepts) != 1 {
		t.Fatalf("expected 1 accepted requirement, got %d", len(outcome.Challenge.Body.Accepts))
	}

	req := outcome.Challenge.Body.Accepts[0]
	if req.MaxAmountRequired != "10000" {
		t.Errorf("expected atomic amount 10000, got %s", req.MaxAmountRequired)
	}
	if req.Resource != "https://api.test/v1/hello" {
		t.Errorf("expected resource from call, got %s", req.Resource)
	}
}

func TestProcess_MalformedHeader(t *testing.T) {
	gate := newTestGate(t, GateConfig{Facilitator: &MockFacilitator{}})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: "not base64!!!"}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	if outcome.Challenge == nil {
		t.Fatal("expected challenge")
	}
	if outcome.Challenge.Status != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", outcome.Challenge.Status)
	}
	if !strings.Contains(outcome.Challenge.Body.Error, "invalid payment header") {
		t.Errorf("unexpected error message: %s", outcome.Challenge.Body.Error)
	}
}

func TestProcess_VerificationRejected(t *testing.T) {
	facilitator := &MockFacilitator{
		VerifyFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
			return &VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds", Payer: "0xPayer"}, nil
		},
	}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	opCalled := false
	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		opCalled = true
		return nil, nil
	})

	if opCalled {
		t.Error("operation must not run for rejected payment")
	}
	if outcome.Challenge == nil {
		t.Fatal("expected challenge")
	}
	if outcome.Challenge.Status != http.StatusPaymentRequired {
		t.Errorf("expected status 402, got %d", outcome.Challenge.Status)
	}
	if outcome.Challenge.Body.Payer != "0xpayer" {
		t.Errorf("expected lowercased payer in challenge, got %q", outcome.Challenge.Body.Payer)
	}
	if facilitator.settleCalls != 0 {
		t.Errorf("expected no settlement, got %d calls", facilitator.settleCalls)
	}
}

func TestProcess_VerifyTransportFailure(t *testing.T) {
	facilitator := &MockFacilitator{
		VerifyFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	if outcome.Challenge == nil {
		t.Fatal("expected challenge")
	}
	if outcome.Challenge.Status != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", outcome.Challenge.Status)
	}
}

func TestProcess_Success(t *testing.T) {
	facilitator := &MockFacilitator{}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	opCalls := 0
	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		opCalls++
		payment, ok := GetPaymentFromContext(ctx)
		if !ok {
			t.Error("expected payment context inside operation")
		} else if !payment.Verified {
			t.Error("expected verified payment context")
		}
		return "result", nil
	})

	if outcome.Challenge != nil {
		t.Fatalf("unexpected challenge: %+v", outcome.Challenge.Body)
	}
	if opCalls != 1 {
		t.Errorf("expected operation to run exactly once, ran %d times", opCalls)
	}
	if outcome.Result != "result" {
		t.Errorf("expected operation result, got %v", outcome.Result)
	}
	if outcome.Settlement == nil || !outcome.Settlement.Success {
		t.Fatal("expected successful settlement")
	}
	if outcome.SettlementHeader == "" {
		t.Error("expected settlement header")
	}
	if outcome.Payer != "0xpayer" {
		t.Errorf("expected payer from settlement, got %q", outcome.Payer)
	}
	if facilitator.settleCalls != 1 {
		t.Errorf("expected 1 settle call, got %d", facilitator.settleCalls)
	}

	decoded, err := DecodeSettlementHeader(outcome.SettlementHeader)
	if err != nil {
		t.Fatalf("failed to decode settlement header: %v", err)
	}
	if decoded.Transaction != "0xtxhash" {
		t.Errorf("expected transaction in settlement header, got %s", decoded.Transaction)
	}
}

func TestProcess_OperationErrorSkipsSettlement(t *testing.T) {
	facilitator := &MockFacilitator{}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	opErr := errors.New("boom")
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return nil, opErr
	})

	if outcome.Challenge != nil {
		t.Fatal("operation failure must not produce a payment challenge")
	}
	if !errors.Is(outcome.OperationErr, opErr) {
		t.Errorf("expected operation error, got %v", outcome.OperationErr)
	}
	if outcome.Settlement != nil {
		t.Error("expected settlement to be skipped")
	}
	if facilitator.settleCalls != 0 {
		t.Errorf("expected no settle calls, got %d", facilitator.settleCalls)
	}
}

func TestProcess_SettleOnError(t *testing.T) {
	facilitator := &MockFacilitator{}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator, SettleOnError: true})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})

	if facilitator.settleCalls != 1 {
		t.Errorf("expected settlement despite operation failure, got %d calls", facilitator.settleCalls)
	}
	if outcome.Settlement == nil {
		t.Error("expected settlement in outcome")
	}
}

func TestProcess_PanicInOperation(t *testing.T) {
	facilitator := &MockFacilitator{}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	})

	if outcome.OperationErr == nil {
		t.Fatal("expected panic converted to operation error")
	}
	if facilitator.settleCalls != 0 {
		t.Errorf("expected settlement skipped after panic, got %d calls", facilitator.settleCalls)
	}
}

func TestProcess_SettleRetriesExhausted(t *testing.T) {
	facilitator := &MockFacilitator{
		SettleFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
			return nil, &FacilitatorError{Op: "settle", StatusCode: http.StatusServiceUnavailable, Message: "overloaded"}
		},
	}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	if facilitator.settleCalls != 3 {
		t.Errorf("expected exactly 3 settle attempts, got %d", facilitator.settleCalls)
	}
	if outcome.Challenge == nil {
		t.Fatal("expected challenge after settlement exhaustion")
	}
	if outcome.Challenge.Status != http.StatusBadGateway {
		t.Errorf("expected status 502 for facilitator outage, got %d", outcome.Challenge.Status)
	}
}

func TestProcess_SettleFailureClassification(t *testing.T) {
	facilitator := &MockFacilitator{
		SettleFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
			return nil, &FacilitatorError{Op: "settle", StatusCode: http.StatusBadRequest, Message: "invalid signature"}
		},
	}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	if outcome.Challenge == nil {
		t.Fatal("expected challenge")
	}
	if outcome.Challenge.Status != http.StatusPaymentRequired {
		t.Errorf("expected status 402 for non-outage failure, got %d", outcome.Challenge.Status)
	}
}

func TestProcess_SettleRecoversOnRetry(t *testing.T) {
	attempts := 0
	facilitator := &MockFacilitator{
		SettleFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
			attempts++
			if attempts < 3 {
				return nil, &FacilitatorError{Op: "settle", StatusCode: http.StatusBadGateway, Message: "flaky"}
			}
			return &SettleResponse{Success: true, Transaction: "0xtxhash", Payer: "0xpayer"}, nil
		},
	}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	if outcome.Challenge != nil {
		t.Fatalf("unexpected challenge: %+v", outcome.Challenge.Body)
	}
	if attempts != 3 {
		t.Errorf("expected recovery on third attempt, got %d attempts", attempts)
	}
	if outcome.Settlement == nil || !outcome.Settlement.Success {
		t.Error("expected successful settlement after retries")
	}
}

func TestProcess_InnerSettlementFailureStillSucceeds(t *testing.T) {
	facilitator := &MockFacilitator{
		SettleFunc: func(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
			return &SettleResponse{Success: false, ErrorReason: "nonce already used"}, nil
		},
	}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	if outcome.Challenge != nil {
		t.Fatal("inner settlement failure must not reject the call")
	}
	if outcome.Settlement == nil || outcome.Settlement.Success {
		t.Fatal("expected unsuccessful settlement in outcome")
	}
	if outcome.SettlementHeader != "" {
		t.Error("expected no settlement header without confirmed settlement")
	}
	if facilitator.settleCalls != 1 {
		t.Errorf("expected no retries on inner failure, got %d calls", facilitator.settleCalls)
	}
}

// hookPricer records settlement events delivered to the pricer.
type hookPricer struct {
	StaticPrice
	events []SettleEvent
}

func (p *hookPricer) OnSettle(ctx context.Context, ev SettleEvent) {
	p.events = append(p.events, ev)
}

func TestProcess_HooksReceiveSettlement(t *testing.T) {
	facilitator := &MockFacilitator{}
	var globalEvents []SettleEvent
	gate := newTestGate(t, GateConfig{
		Facilitator: facilitator,
		OnSettle: func(ctx context.Context, ev SettleEvent) {
			globalEvents = append(globalEvents, ev)
		},
	})

	pricer := &hookPricer{StaticPrice: testPricer()}
	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, pricer, func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	if outcome.Challenge != nil {
		t.Fatalf("unexpected challenge: %+v", outcome.Challenge.Body)
	}
	if len(pricer.events) != 1 {
		t.Fatalf("expected 1 pricer event, got %d", len(pricer.events))
	}
	if pricer.events[0].Payer != "0xpayer" {
		t.Errorf("expected verified payer in event, got %q", pricer.events[0].Payer)
	}
	if len(globalEvents) != 1 {
		t.Fatalf("expected 1 global event, got %d", len(globalEvents))
	}
}

func TestProcess_HookPanicDoesNotFailCall(t *testing.T) {
	gate := newTestGate(t, GateConfig{
		Facilitator: &MockFacilitator{},
		OnSettle: func(ctx context.Context, ev SettleEvent) {
			panic("hook gone wrong")
		},
	})

	call := &Call{Resource: "https://api.test/v1/hello", PaymentHeader: testHeader(t)}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	if outcome.Challenge != nil {
		t.Fatal("hook panic must not reject the call")
	}
	if outcome.Result != "result" {
		t.Errorf("expected result despite hook panic, got %v", outcome.Result)
	}
}

func TestProcess_PricingFailure(t *testing.T) {
	gate := newTestGate(t, GateConfig{Facilitator: &MockFacilitator{}})

	pricer := pricerFunc(func(ctx context.Context, call *Call, claimed *PaymentPayload) (RequirementConfig, error) {
		return RequirementConfig{}, fmt.Errorf("ledger down")
	})
	outcome := gate.Process(context.Background(), &Call{Resource: "r"}, pricer, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})

	if outcome.Challenge == nil {
		t.Fatal("expected challenge")
	}
	if outcome.Challenge.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", outcome.Challenge.Status)
	}
}

type pricerFunc func(ctx context.Context, call *Call, claimed *PaymentPayload) (RequirementConfig, error)

func (f pricerFunc) Quote(ctx context.Context, call *Call, claimed *PaymentPayload) (RequirementConfig, error) {
	return f(ctx, call, claimed)
}

func TestProcess_PreDecodedPayment(t *testing.T) {
	facilitator := &MockFacilitator{}
	gate := newTestGate(t, GateConfig{Facilitator: facilitator})

	payload := testPayload()
	payload.X402Version = 0 // adapters may omit it; Process stamps the version
	call := &Call{Resource: "mcp://tools/test", Payment: payload}
	outcome := gate.Process(context.Background(), call, testPricer(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	if outcome.Challenge != nil {
		t.Fatalf("unexpected challenge: %+v", outcome.Challenge.Body)
	}
	if payload.X402Version != X402Version {
		t.Errorf("expected version stamped on payload, got %d", payload.X402Version)
	}
	if facilitator.verifyCalls != 1 {
		t.Errorf("expected 1 verify call, got %d", facilitator.verifyCalls)
	}
}
