package x402gate

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
)

// PaymentError represents an error in payment processing. Code determines
// how the error is rendered to the caller (402 challenge, 500, or 502).
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	// Configuration errors: fatal for the call, never the payer's fault.
	ErrCodeInvalidConfig      = "INVALID_CONFIG"
	ErrCodePriceConversion    = "PRICE_CONVERSION_FAILED"
	ErrCodeUnsupportedNetwork = "NETWORK_NOT_SUPPORTED"

	// Payer errors: rendered as 402 challenges.
	ErrCodeMissingPayment        = "MISSING_PAYMENT"
	ErrCodeInvalidPayment        = "INVALID_PAYMENT"
	ErrCodeNoMatchingRequirement = "NO_MATCHING_REQUIREMENT"
	ErrCodeVerificationRejected  = "VERIFICATION_REJECTED"

	// Settlement errors.
	ErrCodeSettlementFailed   = "SETTLEMENT_FAILED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Sentinel errors for common branches.
var (
	// ErrMissingPayment signals an absent X-PAYMENT header. This is an
	// expected branch, answered with a payment challenge.
	ErrMissingPayment = errors.New("x402: missing payment header")

	// ErrMalformedHeader signals a header that failed structural decode.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrNoMatchingRequirement signals a payload that matches none of the
	// candidate requirements.
	ErrNoMatchingRequirement = errors.New("x402: no matching payment requirement")
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Cause: cause}
}

// AsPaymentError extracts a PaymentError from an error chain.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	ok := errors.As(err, &pe)
	return pe, ok
}

// HTTPStatus maps an error code to the status its challenge response uses:
// 500 for configuration errors, 502 for an unreachable settlement service,
// 402 for everything payer-actionable.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodePriceConversion, ErrCodeUnsupportedNetwork:
		return http.StatusInternalServerError
	case ErrCodeServiceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusPaymentRequired
	}
}

// FacilitatorError reports a failed facilitator RPC together with the
// HTTP status the facilitator answered with (0 when the transport failed
// before a response arrived).
type FacilitatorError struct {
	Op         string // "verify" or "settle"
	StatusCode int
	Message    string
	Err        error
}

func (e *FacilitatorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("facilitator %s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("facilitator %s failed: %s", e.Op, e.Message)
}

func (e *FacilitatorError) Unwrap() error {
	return e.Err
}

// settleStatusPattern matches foreign facilitator errors that embed an
// HTTP status in their message ("... failed to settle payment: 503").
var settleStatusPattern = regexp.MustCompile(`failed to settle payment: (\d{3})`)

// facilitatorStatus extracts the HTTP-like status from a facilitator error,
// preferring the typed FacilitatorError and falling back to message parsing.
// Returns 0 when no status can be determined.
func facilitatorStatus(err error) int {
	var fe *FacilitatorError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		return fe.StatusCode
	}
	if m := settleStatusPattern.FindStringSubmatch(err.Error()); m != nil {
		status, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return status
		}
	}
	return 0
}
