// Package gin provides Gin-compatible middleware for x402 payment gating.
// It is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates all verification and settlement logic to the root package.
package gin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	x402gate "github.com/becomeliminal/x402-gate"
)

// PaymentContextKey is the gin context key for the verified payment.
const PaymentContextKey = "x402_payment"

// PaymentMiddleware creates a Gin-compatible x402 payment middleware.
//
// Unlike the stdlib middleware, the Gin adapter settles BEFORE the handler
// chain runs: Gin handlers stream their response through c.Writer, so there
// is no safe point to interpose settlement afterwards. Settlement hooks
// still fire after the chain completes, with the handler's status code.
func PaymentMiddleware(cfg x402gate.Config) gin.HandlerFunc {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	gate, err := cfg.NewGate()
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		pricer, requiresPayment := cfg.MatchEndpoint(c.Request.URL.Path)
		if !requiresPayment {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		call := &x402gate.Call{
			Resource:      buildResourceURL(c.Request),
			Method:        c.Request.Method,
			PaymentHeader: c.GetHeader(x402gate.HeaderPayment),
		}

		quote, err := pricer.Quote(ctx, call, x402gate.PeekPayment(call.PaymentHeader))
		if err != nil {
			logger.ErrorContext(ctx, "pricing failed", "path", c.Request.URL.Path, "error", err)
			abortChallenge(c, gate.ChallengeFor(
				x402gate.NewPaymentError(x402gate.ErrCodeInvalidConfig, "pricing failed", err), nil, ""))
			return
		}
		if quote.Resource == "" {
			quote.Resource = call.Resource
		}

		requirement, err := x402gate.BuildRequirements(quote)
		if err != nil {
			logger.ErrorContext(ctx, "failed to build payment requirements",
				"path", c.Request.URL.Path, "error", err)
			abortChallenge(c, gate.ChallengeFor(err, nil, ""))
			return
		}
		accepts := []x402gate.PaymentRequirements{*requirement}

		payload, err := x402gate.DecodePaymentHeader(call.PaymentHeader)
		if err != nil {
			if errors.Is(err, x402gate.ErrMissingPayment) && cfg.CustomPaywallHTML != "" && isBrowserRequest(c.Request) {
				c.Data(http.StatusPaymentRequired, "text/html; charset=utf-8", []byte(cfg.CustomPaywallHTML))
				c.Abort()
				return
			}
			abortChallenge(c, gate.ChallengeFor(err, accepts, ""))
			return
		}

		verified, verifyResp, err := gate.Verify(ctx, payload, accepts)
		if err != nil {
			payer := ""
			if verifyResp != nil {
				payer = verifyResp.Payer
			}
			abortChallenge(c, gate.ChallengeFor(err, accepts, payer))
			return
		}

		settlement, err := gate.Settle(ctx, payload, verified, false)
		if err != nil {
			abortChallenge(c, gate.ChallengeFor(err, accepts, verifyResp.Payer))
			return
		}

		payer := verifyResp.Payer
		if settlement != nil && settlement.Payer != "" {
			payer = settlement.Payer
		}
		if settlement != nil && settlement.Success {
			if header, encErr := x402gate.EncodeSettlementHeader(settlement); encErr == nil {
				c.Header(x402gate.HeaderPaymentResponse, header)
			} else {
				logger.WarnContext(ctx, "failed to encode settlement header", "error", encErr)
			}
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

		c.Set(PaymentContextKey, paymentCtx)
		c.Request = c.Request.WithContext(
			context.WithValue(ctx, x402gate.PaymentContextKey, paymentCtx))

		c.Next()

		var opErr error
		if status := c.Writer.Status(); status >= 400 {
			opErr = fmt.Errorf("handler returned status %d", status)
		}
		gate.EmitSettle(c.Request.Context(), pricer, x402gate.SettleEvent{
			Call:         call,
			Requirement:  verified,
			Payer:        payer,
			Settlement:   settlement,
			OperationErr: opErr,
		})
	}
}

// abortChallenge renders a payment challenge and stops the handler chain.
func abortChallenge(c *gin.Context, ch *x402gate.Challenge) {
	c.AbortWithStatusJSON(ch.Status, ch.Body)
}

// GetPaymentFromContext extracts the verified payment from the Gin context.
// Returns nil when no payment was verified.
func GetPaymentFromContext(c *gin.Context) *x402gate.PaymentContext {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	payment, ok := value.(*x402gate.PaymentContext)
	if !ok {
		return nil
	}
	return payment
}

func buildResourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.Path
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}
	for _, indicator := range []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"} {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}
	return false
}
