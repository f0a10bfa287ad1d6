package x402gate

import (
	"context"
	"time"

	"github.com/becomeliminal/x402-gate/retry"
)

// Settle finalizes payment after the protected operation has run.
//
// When the operation failed, settlement is skipped and reported as nil-
// with-no-error: the caller is not charged for a failed call. The
// SettleOnError flag overrides the skip, which deferred pricing uses to
// collect a caller's previous debt even when the current call failed.
//
// Each attempt is a fresh facilitator call; the retry schedule is capped
// exponential backoff (3 attempts, 150ms then 300ms by default). Once
// attempts are exhausted the failure is classified: a facilitator status
// of 500 or above means the settlement service itself is down
// (ErrCodeServiceUnavailable, rendered 502 so callers can tell "service
// down, retry later" apart from "payment bad"); anything else is terminal
// (ErrCodeSettlementFailed, 402-shaped).
//
// A settle RPC that succeeds but reports success=false is not an error:
// the call proceeded, the chain-level confirmation did not, and the
// evidence attached to the response says so.
func (g *Gate) Settle(ctx context.Context, payload *PaymentPayload, requirement *PaymentRequirements, operationFailed bool) (*SettleResponse, error) {
	if operationFailed && !g.settleOnError {
		g.logger.InfoContext(ctx, "operation failed, skipping settlement",
			"resource", requirement.Resource)
		g.metrics.Settle("skipped", 0)
		return nil, nil
	}

	start := time.Now()
	result, err := retry.Do(ctx, g.retry, nil, func() (*SettleResponse, error) {
		g.metrics.SettleAttempt()
		return g.facilitator.Settle(ctx, payload, requirement)
	})
	if err != nil {
		if status := facilitatorStatus(err); status >= 500 {
			g.metrics.Settle("unavailable", time.Since(start))
			g.logger.ErrorContext(ctx, "settlement service unavailable",
				"status", status, "error", err)
			return nil, NewPaymentError(ErrCodeServiceUnavailable,
				"settlement service unavailable, retry the call later", err)
		}
		g.metrics.Settle("failed", time.Since(start))
		g.logger.ErrorContext(ctx, "settlement failed", "error", err)
		return nil, NewPaymentError(ErrCodeSettlementFailed, "payment settlement failed", err)
	}

	if !result.Success {
		g.logger.WarnContext(ctx, "settlement not confirmed",
			"reason", result.ErrorReason, "network", result.Network)
	}
	g.metrics.Settle("success", time.Since(start))
	return result, nil
}
