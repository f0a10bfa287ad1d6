package x402gate

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/becomeliminal/x402-gate/metrics"
	"github.com/becomeliminal/x402-gate/retry"
)

// Config holds the middleware configuration.
type Config struct {
	// Facilitator verifies and settles payments. Required.
	Facilitator Facilitator

	// EndpointPricing maps URL patterns to pricing policies. Patterns
	// support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	// Used by the HTTP middleware.
	EndpointPricing map[string]Pricer

	// MethodPricing maps gRPC method names to pricing policies. Methods
	// are full names like "/package.Service/Method"; wildcards work the
	// same way. Used by the gRPC interceptors.
	MethodPricing map[string]Pricer

	// DefaultPricing is used when no pattern matches (optional). If nil,
	// unmatched endpoints don't require payment.
	DefaultPricing Pricer

	// SkipPaths lists paths that bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that bypass payment checks.
	SkipMethods []string

	// Retry is the settlement retry schedule; zero value uses retry.Default.
	Retry retry.Config

	// SettleOnError forces settlement attempts even when the protected
	// operation failed, so deferred pricing can still collect prior debt.
	SettleOnError bool

	// OnSettle is an optional global settlement hook.
	OnSettle SettleHook

	// CustomPaywallHTML is returned to browser requests lacking payment
	// (optional).
	CustomPaywallHTML string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Collector
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return fmt.Errorf("facilitator is required")
	}
	if len(c.EndpointPricing) == 0 && len(c.MethodPricing) == 0 && c.DefaultPricing == nil {
		return fmt.Errorf("at least one pricing rule is required")
	}
	return nil
}

// NewGate builds the protocol gate from this configuration.
func (c *Config) NewGate() (*Gate, error) {
	return NewGate(GateConfig{
		Facilitator:   c.Facilitator,
		Retry:         c.Retry,
		SettleOnError: c.SettleOnError,
		OnSettle:      c.OnSettle,
		Logger:        c.Logger,
		Metrics:       c.Metrics,
	})
}

// MatchEndpoint finds the pricing policy for a given path.
func (c *Config) MatchEndpoint(requestPath string) (Pricer, bool) {
	return c.match(requestPath, c.EndpointPricing, c.SkipPaths)
}

// MatchMethod finds the pricing policy for a given gRPC method.
func (c *Config) MatchMethod(fullMethod string) (Pricer, bool) {
	return c.match(fullMethod, c.MethodPricing, c.SkipMethods)
}

func (c *Config) match(name string, rules map[string]Pricer, skips []string) (Pricer, bool) {
	for _, skip := range skips {
		if matchPath(name, skip) {
			return nil, false
		}
	}

	if pricer, ok := rules[name]; ok {
		return pricer, true
	}

	// Longest matching pattern wins.
	var bestMatch string
	var bestPricer Pricer
	for pattern, pricer := range rules {
		if matchPath(name, pattern) && len(pattern) > len(bestMatch) {
			bestMatch = pattern
			bestPricer = pricer
		}
	}
	if bestPricer != nil {
		return bestPricer, true
	}

	if c.DefaultPricing != nil {
		return c.DefaultPricing, true
	}
	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}
