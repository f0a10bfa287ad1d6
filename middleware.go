package x402gate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment
// requirements. It integrates seamlessly with grpc-gateway and returns
// standard http.Handler middleware.
//
// Settlement happens at the moment the handler commits its response: a
// response writer interceptor runs settlement before the first byte is
// released, so a successful body is never sent for a payment that did not
// settle. Handler responses with status >= 400 skip settlement unless
// SettleOnError is set.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
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

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pricer, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}

			call := &Call{
				Resource:      buildResourceURL(r),
				Method:        r.Method,
				PaymentHeader: r.Header.Get(HeaderPayment),
			}
			claimed := PeekPayment(call.PaymentHeader)

			quote, err := pricer.Quote(r.Context(), call, claimed)
			if err != nil {
				logger.ErrorContext(r.Context(), "pricing failed", "path", r.URL.Path, "error", err)
				writeChallenge(w, gate.ChallengeFor(
					NewPaymentError(ErrCodeInvalidConfig, "pricing failed", err), nil, ""))
				return
			}
			if quote.Resource == "" {
				quote.Resource = call.Resource
			}

			requirement, err := BuildRequirements(quote)
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to build payment requirements",
					"path", r.URL.Path, "error", err)
				writeChallenge(w, gate.ChallengeFor(err, nil, ""))
				return
			}
			accepts := []PaymentRequirements{*requirement}

			payload, err := DecodePaymentHeader(call.PaymentHeader)
			if err != nil {
				if errors.Is(err, ErrMissingPayment) && cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
					w.Header().Set("Content-Type", "text/html; charset=utf-8")
					w.WriteHeader(http.StatusPaymentRequired)
					w.Write([]byte(cfg.CustomPaywallHTML))
					return
				}
				writeChallenge(w, gate.ChallengeFor(err, accepts, ""))
				return
			}

			verified, verifyResp, err := gate.Verify(r.Context(), payload, accepts)
			if err != nil {
				payer := ""
				if verifyResp != nil {
					payer = verifyResp.Payer
				}
				writeChallenge(w, gate.ChallengeFor(err, accepts, payer))
				return
			}

			ctx := context.WithValue(r.Context(), PaymentContextKey, &PaymentContext{
				Verified: true,
				Payer:    verifyResp.Payer,
				Network:  verified.Network,
				Amount:   verified.MaxAmountRequired,
			})
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settle: func(statusCode int) bool {
					operationFailed := statusCode >= 400
					var opErr error
					if operationFailed {
						opErr = fmt.Errorf("handler returned status %d", statusCode)
					}

					settlement, err := gate.Settle(r.Context(), payload, verified, operationFailed)
					if err != nil {
						writeChallenge(w, gate.ChallengeFor(err, accepts, verifyResp.Payer))
						return false
					}

					payer := verifyResp.Payer
					if settlement != nil && settlement.Payer != "" {
						payer = settlement.Payer
					}
					if settlement != nil && settlement.Success {
						if header, encErr := EncodeSettlementHeader(settlement); encErr == nil {
							w.Header().Set(HeaderPaymentResponse, header)
							exposePaymentResponseHeader(w.Header())
						} else {
							logger.WarnContext(r.Context(), "failed to encode settlement header", "error", encErr)
						}
					}

					gate.fireHooks(r.Context(), pricer, SettleEvent{
						Call:         call,
						Requirement:  verified,
						Payer:        payer,
						Settlement:   settlement,
						OperationErr: opErr,
					})
					return true
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of
// commitment: settlement runs when the handler first writes, before any
// bytes reach the client.
type settlementInterceptor struct {
	w http.ResponseWriter

	// settle runs the settlement sequence for the handler's status code.
	// It returns false when it has already written an error response to
	// the underlying writer.
	settle func(statusCode int) bool

	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK; run the settlement check now.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// Settlement failed and an error response was already sent; discard the
	// handler's payload to prevent a mixed response.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	if !i.settle(statusCode) {
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking, settling
// first so upgrades (e.g. WebSockets) cannot bypass payment.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := i.w.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if !i.committed {
		i.committed = true
		if !i.settle(http.StatusOK) {
			i.hijacked = true
			return nil, nil, errors.New("payment settlement failed")
		}
	}
	return hijacker.Hijack()
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// writeChallenge renders a payment challenge as a JSON response.
func writeChallenge(w http.ResponseWriter, ch *Challenge) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ch.Status)
	json.NewEncoder(w).Encode(ch.Body)
}

// exposePaymentResponseHeader appends X-PAYMENT-RESPONSE to the CORS
// expose list so browser clients can read the settlement evidence.
func exposePaymentResponseHeader(h http.Header) {
	const key = "Access-Control-Expose-Headers"
	current := h.Get(key)
	if current == "" {
		h.Set(key, HeaderPaymentResponse)
		return
	}
	if !strings.Contains(strings.ToLower(current), strings.ToLower(HeaderPaymentResponse)) {
		h.Set(key, current+", "+HeaderPaymentResponse)
	}
}

// buildResourceURL reconstructs the canonical URL of the requested resource,
// honoring reverse-proxy forwarding headers.
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

// isBrowserRequest detects if the request is from a web browser based on
// User-Agent, so interactive users can get an HTML paywall instead of JSON.
func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	browserIndicators := []string{
		"Mozilla/",
		"Chrome/",
		"Safari/",
		"Firefox/",
		"Edge/",
		"Opera/",
	}

	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
