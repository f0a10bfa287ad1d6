package x402gate

import "strings"

// NetworkConfig holds per-network settlement parameters: the USDC contract
// the "exact" scheme pays in and the EIP-712 domain the payer's tooling
// signs against.
type NetworkConfig struct {
	// Network is the x402 v1 network identifier (e.g., "base-sepolia").
	Network string

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the USDC decimal count (6 on every supported network).
	Decimals int

	// EIP712Name is the EIP-712 domain parameter "name".
	EIP712Name string

	// EIP712Version is the EIP-712 domain parameter "version".
	EIP712Version string

	// Testnet marks non-mainnet networks.
	Testnet bool
}

// Supported networks. USDC addresses and domain parameters follow the
// published Circle deployments.
var (
	Base = NetworkConfig{
		Network:       "base",
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	BaseSepolia = NetworkConfig{
		Network:       "base-sepolia",
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
		Testnet:       true,
	}

	Avalanche = NetworkConfig{
		Network:       "avalanche",
		USDCAddress:   "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	AvalancheFuji = NetworkConfig{
		Network:       "avalanche-fuji",
		USDCAddress:   "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
		Testnet:       true,
	}

	Polygon = NetworkConfig{
		Network:       "polygon",
		USDCAddress:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	}

	PolygonAmoy = NetworkConfig{
		Network:       "polygon-amoy",
		USDCAddress:   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
		Testnet:       true,
	}
)

var networkRegistry = map[string]NetworkConfig{
	Base.Network:          Base,
	BaseSepolia.Network:   BaseSepolia,
	Avalanche.Network:     Avalanche,
	AvalancheFuji.Network: AvalancheFuji,
	Polygon.Network:       Polygon,
	PolygonAmoy.Network:   PolygonAmoy,
}

// NetworkByName looks up a supported network by its v1 identifier.
func NetworkByName(name string) (NetworkConfig, bool) {
	cfg, ok := networkRegistry[strings.ToLower(strings.TrimSpace(name))]
	return cfg, ok
}

// SupportedNetworks returns the identifiers of all supported networks.
func SupportedNetworks() []string {
	names := make([]string, 0, len(networkRegistry))
	for name := range networkRegistry {
		names = append(names, name)
	}
	return names
}
