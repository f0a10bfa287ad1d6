package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	x402gate "github.com/becomeliminal/x402-gate"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that
// enforces x402 payments. For streaming RPCs payment is verified and
// settled BEFORE the stream begins: messages flow while the handler runs,
// so settlement cannot wait for completion. Per-message payment is not
// supported.
func StreamServerInterceptor(cfg x402gate.Config) grpc.StreamServerInterceptor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	gate, err := cfg.NewGate()
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		pricer, requiresPayment := cfg.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
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

		quote, err := pricer.Quote(ctx, call, x402gate.PeekPayment(call.PaymentHeader))
		if err != nil {
			return challengeError(gate.ChallengeFor(
				x402gate.NewPaymentError(x402gate.ErrCodeInvalidConfig, "pricing failed", err), nil, ""))
		}
		if quote.Resource == "" {
			quote.Resource = call.Resource
		}

		requirement, err := x402gate.BuildRequirements(quote)
		if err != nil {
			return challengeError(gate.ChallengeFor(err, nil, ""))
		}
		accepts := []x402gate.PaymentRequirements{*requirement}

		payload, err := x402gate.DecodePaymentHeader(call.PaymentHeader)
		if err != nil {
			return challengeError(gate.ChallengeFor(err, accepts, ""))
		}

		verified, verifyResp, err := gate.Verify(ctx, payload, accepts)
		if err != nil {
			payer := ""
			if verifyResp != nil {
				payer = verifyResp.Payer
			}
			return challengeError(gate.ChallengeFor(err, accepts, payer))
		}

		settlement, err := gate.Settle(ctx, payload, verified, false)
		if err != nil {
			return challengeError(gate.ChallengeFor(err, accepts, verifyResp.Payer))
		}

		payer := verifyResp.Payer
		if settlement != nil && settlement.Payer != "" {
			payer = settlement.Payer
		}

		paymentCtx := &x402gate.PaymentContext{
			Verified: true,
			Payer:    payer,
			Network:  verified.Network,
			Amount:   verified.MaxAmountRequired,
		}
		if settlement != nil {
			paymentCtx.Transaction = settlement.Transaction
		}
		ctx = context.WithValue(ctx, x402gate.PaymentContextKey, paymentCtx)

		wrapped := &paymentServerStream{ServerStream: ss, ctx: ctx}
		handlerErr := handler(srv, wrapped)

		if settlement != nil && settlement.Success {
			if encoded, encErr := x402gate.EncodeSettlementHeader(settlement); encErr == nil {
				wrapped.SetTrailer(metadata.Pairs(MetadataKeyPaymentResponse, encoded))
			}
		}

		gate.EmitSettle(ctx, pricer, x402gate.SettleEvent{
			Call:         call,
			Requirement:  verified,
			Payer:        payer,
			Settlement:   settlement,
			OperationErr: handlerErr,
		})

		return handlerErr
	}
}

// paymentServerStream wraps grpc.ServerStream to provide the handler with a
// context carrying payment information.
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}
