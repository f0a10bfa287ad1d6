package x402gate

import "fmt"

// DefaultMaxTimeoutSeconds is how long a signed authorization stays
// acceptable when the config does not say otherwise. Advisory metadata for
// the payer's tooling, not an enforced deadline.
const DefaultMaxTimeoutSeconds = 300

// RequirementConfig is the input to BuildRequirements: a price plus routing
// metadata. Zero values fall back to protocol defaults.
type RequirementConfig struct {
	// Price is a decimal USD amount, optionally "$"-prefixed. A price of
	// exactly zero is legal and produces a registration requirement.
	Price string

	// Network is the x402 v1 network identifier (e.g., "base").
	Network string

	// PayTo is the recipient address.
	PayTo string

	// Resource identifies the protected operation; defaults to the call's
	// canonical URL when built through the gate.
	Resource string

	// Description is shown to the payer.
	Description string

	// MimeType of the protected resource.
	MimeType string

	// MaxTimeoutSeconds defaults to DefaultMaxTimeoutSeconds.
	MaxTimeoutSeconds int

	// InputSchema and OutputSchema describe the protected operation for
	// payer tooling; both optional.
	InputSchema  map[string]interface{}
	OutputSchema map[string]interface{}

	// Discoverable marks the requirement as listable by payment tooling.
	// Nil means true.
	Discoverable *bool
}

// Validate checks the fields a requirement cannot be built without.
func (c *RequirementConfig) Validate() error {
	if c.Network == "" {
		return fmt.Errorf("network is required")
	}
	if c.PayTo == "" {
		return fmt.Errorf("payTo is required")
	}
	if c.Price == "" {
		return fmt.Errorf("price is required")
	}
	return nil
}

// BuildRequirements converts a RequirementConfig into a canonical
// PaymentRequirements value. The price is converted to atomic USDC units for
// the configured network; an unknown network or unconvertible price is a
// configuration error (500 class), never a payment challenge.
func BuildRequirements(cfg RequirementConfig) (*PaymentRequirements, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewPaymentError(ErrCodeInvalidConfig, "invalid requirement config", err)
	}

	network, ok := NetworkByName(cfg.Network)
	if !ok {
		return nil, NewPaymentError(ErrCodeUnsupportedNetwork,
			fmt.Sprintf("network %q is not supported", cfg.Network), nil)
	}

	price, err := ParseMoney(cfg.Price)
	if err != nil {
		return nil, NewPaymentError(ErrCodePriceConversion,
			fmt.Sprintf("cannot parse price %q", cfg.Price), err)
	}

	amount, err := MoneyToAtomic(price, network.Decimals)
	if err != nil {
		return nil, NewPaymentError(ErrCodePriceConversion,
			fmt.Sprintf("cannot convert price %q for network %q", cfg.Price, cfg.Network), err)
	}

	timeout := cfg.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	extra := map[string]interface{}{
		"name":    network.EIP712Name,
		"version": network.EIP712Version,
	}
	if cfg.Discoverable != nil && !*cfg.Discoverable {
		extra["discoverable"] = false
	}
	if cfg.InputSchema != nil {
		extra["inputSchema"] = cfg.InputSchema
	}

	return &PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           network.Network,
		MaxAmountRequired: amount.String(),
		Resource:          cfg.Resource,
		Description:       cfg.Description,
		MimeType:          cfg.MimeType,
		PayTo:             cfg.PayTo,
		MaxTimeoutSeconds: timeout,
		Asset:             network.USDCAddress,
		OutputSchema:      cfg.OutputSchema,
		Extra:             extra,
	}, nil
}
