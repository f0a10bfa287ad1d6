package x402gate

import (
	"context"
	"fmt"
	"strings"
)

// FindMatchingRequirement selects the first candidate requirement that
// structurally matches the payload's claimed scheme and network (and asset,
// when the requirement pins one the payload's authorization pays to). The
// reference gate offers a single candidate per call, but the contract
// supports several, e.g. multiple acceptable assets.
func FindMatchingRequirement(payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range accepts {
		req := &accepts[i]
		if req.Scheme != payload.Scheme {
			continue
		}
		if req.Network != payload.Network {
			continue
		}
		return req, nil
	}
	return nil, fmt.Errorf("%w: scheme %q network %q", ErrNoMatchingRequirement, payload.Scheme, payload.Network)
}

// Verify checks the payload against the candidate requirements through the
// facilitator. It distinguishes three failures: no structural match
// (payer error), a transport failure reaching the facilitator, and a
// negative verification result carrying the facilitator's reason. On
// success it returns the selected requirement and the verified payer
// address. No local state is mutated.
func (g *Gate) Verify(ctx context.Context, payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, *VerifyResponse, error) {
	requirement, err := FindMatchingRequirement(payload, accepts)
	if err != nil {
		g.metrics.Verify("rejected")
		return nil, nil, NewPaymentError(ErrCodeNoMatchingRequirement, "no matching payment requirement", err)
	}

	result, err := g.facilitator.Verify(ctx, payload, requirement)
	if err != nil {
		g.metrics.Verify("error")
		return nil, nil, NewPaymentError(ErrCodeServiceUnavailable, "payment verification transport failure", err)
	}

	if !result.IsValid {
		g.metrics.Verify("rejected")
		result.Payer = strings.ToLower(result.Payer)
		reason := result.InvalidReason
		if reason == "" {
			reason = "payment verification failed"
		}
		pe := NewPaymentError(ErrCodeVerificationRejected, reason, nil)
		g.logger.InfoContext(ctx, "payment rejected",
			"reason", reason, "payer", result.Payer)
		return nil, result, pe
	}

	if result.Payer == "" {
		result.Payer = payload.Payer()
	}
	result.Payer = strings.ToLower(result.Payer)

	g.metrics.Verify("valid")
	return requirement, result, nil
}
