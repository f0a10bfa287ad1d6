package x402gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/becomeliminal/x402-gate/metrics"
	"github.com/becomeliminal/x402-gate/retry"
)

// Call describes one inbound invocation of a protected operation,
// independent of transport. HTTP middleware fills PaymentHeader from
// X-PAYMENT; the MCP layer supplies a pre-decoded Payment instead.
type Call struct {
	// Resource is the canonical URL or logical name of the operation.
	Resource string

	// Method is the transport verb ("GET", "tools/call", ...).
	Method string

	// PaymentHeader is the raw X-PAYMENT value, empty when absent.
	PaymentHeader string

	// Payment is a pre-decoded payload; takes precedence over
	// PaymentHeader when non-nil.
	Payment *PaymentPayload
}

// Pricer yields the requirement config for a call. The claimed payload is
/// a best-effort decode of the caller's credential: pricing policies may
// read the claimed payer from it, but it is unauthenticated and may be nil.
type Pricer interface {
	Quote(ctx context.Context, call *Call, claimed *PaymentPayload) (RequirementConfig, error)
}

// StaticPrice is a Pricer that quotes the same config for every call.
type StaticPrice RequirementConfig

// Quote implements Pricer.
func (p StaticPrice) Quote(ctx context.Context, call *Call, claimed *PaymentPayload) (RequirementConfig, error) {
	return RequirementConfig(p), nil
}

// SettleEvent describes a settlement outcome delivered to hooks.
type SettleEvent struct {
	Call        *Call
	Requirement *PaymentRequirements

	// Payer is the verified payer address from settlement, not the
	// caller's claim. Only a verified identity may drive billing state.
	Payer string

	// Settlement is nil when settlement was skipped by the on-error policy.
	Settlement *SettleResponse

	// OperationErr is the protected operation's failure, if any.
	OperationErr error
}

// SettleHook observes settlement outcomes. Panics and errors inside hooks
// are logged and swallowed; they never fail a call that otherwise
// succeeded.
type SettleHook func(ctx context.Context, ev SettleEvent)

// SettleHooker is implemented by Pricers that need to observe settlement,
// such as the deferred-pricing debt ledger.
type SettleHooker interface {
	OnSettle(ctx context.Context, ev SettleEvent)
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Facilitator is required.
	Facilitator Facilitator

	// Retry is the settlement retry schedule; zero value uses
	// retry.Default.
	Retry retry.Config

	// SettleOnError forces settlement attempts even when the protected
	// operation failed.
	SettleOnError bool

	// OnSettle is an optional global settlement hook.
	OnSettle SettleHook

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Gate composes requirement building, header decoding, verification,
// guarded execution, and settlement into the end-to-end payment protocol.
type Gate struct {
	facilitator   Facilitator
	retry         retry.Config
	settleOnError bool
	onSettle      SettleHook
	logger        *slog.Logger
	metrics       *metrics.Collector
}

// NewGate creates a Gate from the given config.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Facilitator == nil {
		return nil, fmt.Errorf("facilitator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		facilitator:   cfg.Facilitator,
		retry:         cfg.Retry,
		settleOnError: cfg.SettleOnError,
		onSettle:      cfg.OnSettle,
		logger:        logger,
		metrics:       cfg.Metrics,
	}, nil
}

// Challenge is a structured rejection: the HTTP-ish status and the
// payment-challenge body to render.
type Challenge struct {
	Status int
	Body   PaymentRequiredResponse
}

// Operation is the caller-supplied protected operation. A returned error
// is an application-level failure: it skips settlement (by default) and is
// handed back to the caller untouched.
type Operation func(ctx context.Context) (interface{}, error)

// Outcome is the result of processing one gated call.
type Outcome struct {
	// Challenge is non-nil when the call was rejected; nothing else in
	// the outcome is meaningful then, except Payer when known.
	Challenge *Challenge

	// Requirement is the requirement the call was verified against.
	Requirement *PaymentRequirements

	// Payer is the verified payer address.
	Payer string

	// Result and OperationErr are the protected operation's outcome.
	Result       interface{}
	OperationErr error

	// Settlement is nil when settlement was skipped.
	Settlement *SettleResponse

	// SettlementHeader is the encoded X-PAYMENT-RESPONSE value, set only
	// when settlement confirmed.
	SettlementHeader string
}

// Process runs the full gating sequence for one call:
//
//	quote → build requirement → decode header → verify → run operation →
//	settle → attach evidence → fire hooks
//
// Every step before the operation can exit with a Challenge; after the
// operation only settlement failures can. The operation's result is never
// released without settlement having been attempted first (or explicitly
// skipped by the on-error policy).
func (g *Gate) Process(ctx context.Context, call *Call, pricer Pricer, op Operation) *Outcome {
	claimed := call.Payment
	if claimed == nil {
		// Speculative decode: failures here are deliberately swallowed,
		// the authoritative decode below reports them.
		claimed = PeekPayment(call.PaymentHeader)
	}

	quote, err := pricer.Quote(ctx, call, claimed)
	if err != nil {
		return &Outcome{Challenge: g.ChallengeFor(
			NewPaymentError(ErrCodeInvalidConfig, "pricing failed", err), nil, "")}
	}
	if quote.Resource == "" {
		quote.Resource = call.Resource
	}

	requirement, err := BuildRequirements(quote)
	if err != nil {
		return g.challengeOutcome(err, nil, "")
	}
	accepts := []PaymentRequirements{*requirement}

	payload := call.Payment
	if payload == nil {
		payload, err = DecodePaymentHeader(call.PaymentHeader)
		if err != nil {
			return g.challengeOutcome(err, accepts, "")
		}
	} else {
		payload.X402Version = X402Version
	}

	verified, verifyResp, err := g.Verify(ctx, payload, accepts)
	if err != nil {
		payer := ""
		if verifyResp != nil {
			payer = verifyResp.Payer
		}
		return g.challengeOutcome(err, accepts, payer)
	}

	opCtx := context.WithValue(ctx, PaymentContextKey, &PaymentContext{
		Verified: true,
		Payer:    verifyResp.Payer,
		Network:  verified.Network,
		Amount:   verified.MaxAmountRequired,
	})
	result, opErr := runOperation(opCtx, op)

	settlement, err := g.Settle(ctx, payload, verified, opErr != nil)
	if err != nil {
		out := g.challengeOutcome(err, accepts, verifyResp.Payer)
		out.Requirement = verified
		return out
	}

	outcome := &Outcome{
		Requirement:  verified,
		Payer:        verifyResp.Payer,
		Result:       result,
		OperationErr: opErr,
		Settlement:   settlement,
	}

	if settlement != nil {
		if settlement.Payer != "" {
			outcome.Payer = settlement.Payer
		}
		if settlement.Success {
			if header, encErr := EncodeSettlementHeader(settlement); encErr == nil {
				outcome.SettlementHeader = header
			} else {
				g.logger.WarnContext(ctx, "failed to encode settlement header", "error", encErr)
			}
		}
	}

	g.fireHooks(ctx, pricer, SettleEvent{
		Call:         call,
		Requirement:  verified,
		Payer:        outcome.Payer,
		Settlement:   settlement,
		OperationErr: opErr,
	})

	return outcome
}

// runOperation invokes the protected operation, converting panics into an
// application-level failure so the settlement-skip policy observes all
// failures uniformly.
func runOperation(ctx context.Context, op Operation) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protected operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// EmitSettle delivers a settlement event to the pricer (when it listens)
// and the global hook, for transport adapters that drive settlement
// themselves instead of going through Process.
func (g *Gate) EmitSettle(ctx context.Context, pricer Pricer, ev SettleEvent) {
	g.fireHooks(ctx, pricer, ev)
}

// fireHooks delivers the settlement event to the pricer (when it listens)
// and the global hook. Hook failures are logged, never propagated.
func (g *Gate) fireHooks(ctx context.Context, pricer Pricer, ev SettleEvent) {
	if hooker, ok := pricer.(SettleHooker); ok {
		g.safeHook(ctx, hooker.OnSettle, ev)
	}
	if g.onSettle != nil {
		g.safeHook(ctx, g.onSettle, ev)
	}
}

func (g *Gate) safeHook(ctx context.Context, hook SettleHook, ev SettleEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorContext(ctx, "settlement hook panicked", "panic", r)
		}
	}()
	hook(ctx, ev)
}

func (g *Gate) challengeOutcome(err error, accepts []PaymentRequirements, payer string) *Outcome {
	return &Outcome{
		Challenge: g.ChallengeFor(err, accepts, payer),
		Payer:     payer,
	}
}

// ChallengeFor renders an error as a payment challenge. Header-decode
// sentinels map to their payment-error codes; unknown errors are treated as
// terminal settlement failures rather than leaking internals.
func (g *Gate) ChallengeFor(err error, accepts []PaymentRequirements, payer string) *Challenge {
	pe, ok := AsPaymentError(err)
	if !ok {
		switch {
		case errors.Is(err, ErrMissingPayment):
			pe = NewPaymentError(ErrCodeMissingPayment, "payment required", err)
		case errors.Is(err, ErrMalformedHeader):
			pe = NewPaymentError(ErrCodeInvalidPayment, "invalid payment header", err)
		default:
			pe = NewPaymentError(ErrCodeSettlementFailed, "payment processing failed", err)
		}
	}
	g.metrics.Challenge(pe.Code)
	if accepts == nil {
		accepts = []PaymentRequirements{}
	}
	return &Challenge{
		Status: HTTPStatus(pe.Code),
		Body: PaymentRequiredResponse{
			X402Version: X402Version,
			Error:       pe.Message,
			Accepts:     accepts,
			Payer:       payer,
		},
	}
}
