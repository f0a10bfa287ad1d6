package grpc

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402gate "github.com/becomeliminal/x402-gate"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that
// enforces x402 payments. Payment travels in the x402-payment metadata key;
// settlement evidence is returned in the x402-payment-response trailer. The
// handler runs only after verification, and its response is released only
// after settlement.
func UnaryServerInterceptor(cfg x402gate.Config) grpc.UnaryServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	gate, err := cfg.NewGate()
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		pricer, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		call := &x402gate.Call{
			Resource: info.FullMethod,
			Method:   info.FullMethod,
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(MetadataKeyPayment); len(values) > 0 {
				call.PaymentHeader = values[0]
			}
		}

		outcome := gate.Process(ctx, call, pricer, func(opCtx context.Context) (interface{}, error) {
			return handler(opCtx, req)
		})

		if outcome.Challenge != nil {
			return nil, challengeError(outcome.Challenge)
		}

		if outcome.SettlementHeader != "" {
			trailer := metadata.Pairs(MetadataKeyPaymentResponse, outcome.SettlementHeader)
			grpc.SetTrailer(ctx, trailer)
		}

		if outcome.OperationErr != nil {
			return nil, outcome.OperationErr
		}
		return outcome.Result, nil
	}
}

// challengeError renders a payment challenge as a gRPC status.
//
// Payment-required challenges use RESOURCE_EXHAUSTED, following Google
// Cloud's precedent for billing/quota enforcement; the status message
// carries the base64 JSON challenge body so clients can recover the
// payment requirements. Facilitator outages map to UNAVAILABLE.
func challengeError(ch *x402gate.Challenge) error {
	switch ch.Status {
	case http.StatusBadGateway:
		return status.Error(codes.Unavailable, ch.Body.Error)
	case http.StatusInternalServerError:
		return status.Error(codes.Internal, ch.Body.Error)
	}

	encoded, err := EncodeChallenge(&ch.Body)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}
	return status.Error(codes.ResourceExhausted, encoded)
}

// GetPaymentFromContext extracts payment information from the gRPC context.
// This can be used in service handlers to access payment details.
func GetPaymentFromContext(ctx context.Context) (*x402gate.PaymentContext, bool) {
	return x402gate.GetPaymentFromContext(ctx)
}

// RequirePayment extracts payment from context and returns an error if it
// is absent or unverified. Useful for handlers that must have valid payment.
func RequirePayment(ctx context.Context) (*x402gate.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
