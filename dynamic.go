package x402gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/becomeliminal/x402-gate/ledger"
)

// CostFunc computes the cost of the call that just completed, as a decimal
// USD string. It runs inside the settlement hook, so it may consult the
// operation's outcome (e.g., bill by usage).
type CostFunc func(ctx context.Context, ev SettleEvent) (string, error)

// FixedCost bills the same amount for every completed call.
func FixedCost(amount string) CostFunc {
	return func(ctx context.Context, ev SettleEvent) (string, error) {
		return amount, nil
	}
}

// DeferredPricing is a Pricer that charges each caller, on this call, the
// cost incurred by its previous call ("pay last time's bill").
//
// Quote reads the claimed payer's outstanding amount; an address with no
// record is quoted price zero, a registration call, so a brand-new caller
// is never asked to pay a debt it never agreed to. After settlement the
// cost of the completed call is recorded against the verified payer from
// settlement — deliberately not the unauthenticated claimed address from
// the quote, since only a verified identity may update billing state.
//
// The claimed/verified asymmetry means anyone can probe another address's
// current price by claiming it; whether that leak is acceptable is a
// deployment decision.
type DeferredPricing struct {
	// Ledger holds the per-caller outstanding amounts. Required.
	Ledger ledger.Ledger

	// Base supplies network, payee, and metadata; its Price is ignored in
	// favor of the ledger amount.
	Base RequirementConfig

	// Cost computes the charge for a completed call. Required.
	Cost CostFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// locks serializes the per-address ledger update so concurrent calls
	// from one payer cannot under-record debt.
	locks ledger.KeyedMutex
}

var (
	_ Pricer       = (*DeferredPricing)(nil)
	_ SettleHooker = (*DeferredPricing)(nil)
)

// Quote implements Pricer: the price is the claimed payer's outstanding
// amount, zero for unknown callers or when no credential is readable yet.
func (d *DeferredPricing) Quote(ctx context.Context, call *Call, claimed *PaymentPayload) (RequirementConfig, error) {
	cfg := d.Base

	cfg.Price = "0"
	if claimed != nil {
		owed, err := d.Ledger.Get(ctx, claimed.Payer())
		if err != nil {
			return cfg, fmt.Errorf("ledger read for %s: %w", claimed.Payer(), err)
		}
		cfg.Price = owed
	}
	return cfg, nil
}

// OnSettle implements SettleHooker: after a confirmed settlement, record
// the cost of the completed call as the verified payer's next price.
func (d *DeferredPricing) OnSettle(ctx context.Context, ev SettleEvent) {
	if ev.Settlement == nil || !ev.Settlement.Success {
		return
	}
	payer := ledger.Normalize(ev.Payer)
	if payer == "" {
		return
	}

	cost, err := d.Cost(ctx, ev)
	if err != nil {
		d.logger().ErrorContext(ctx, "cost computation failed, debt not recorded",
			"payer", payer, "error", err)
		return
	}
	if _, err := ParseMoney(cost); err != nil {
		d.logger().ErrorContext(ctx, "cost is not a valid amount, debt not recorded",
			"payer", payer, "cost", cost, "error", err)
		return
	}

	d.locks.Lock(payer)
	defer d.locks.Unlock(payer)

	if err := d.Ledger.Set(ctx, payer, cost); err != nil {
		d.logger().ErrorContext(ctx, "ledger write failed",
			"payer", payer, "cost", cost, "error", err)
		return
	}
	d.logger().DebugContext(ctx, "debt recorded", "payer", payer, "cost", cost)
}

func (d *DeferredPricing) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
