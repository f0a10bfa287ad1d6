package x402gate

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseMoney normalizes a USD price into a canonical decimal string.
// Accepted forms: "0.01", "$0.01", "1", ".5". Negative amounts are
// rejected; zero is legal (a zero-price "registration" requirement is how
// deferred pricing bootstraps an unknown caller).
func ParseMoney(price string) (string, error) {
	trimmed := strings.TrimSpace(price)
	trimmed = strings.TrimPrefix(trimmed, "$")
	if trimmed == "" {
		return "", fmt.Errorf("empty price")
	}

	value := new(big.Rat)
	if _, ok := value.SetString(trimmed); !ok {
		return "", fmt.Errorf("malformed price %q", price)
	}
	if value.Sign() < 0 {
		return "", fmt.Errorf("negative price %q", price)
	}

	return ratToDecimal(value), nil
}

// MoneyToAtomic converts a decimal USD amount to atomic token units.
// For example "0.01" with 6 decimals becomes 10000. Amounts with more
// fractional digits than the token carries are rejected rather than rounded.
func MoneyToAtomic(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d", decimals)
	}

	value := new(big.Rat)
	if _, ok := value.SetString(strings.TrimPrefix(strings.TrimSpace(amount), "$")); !ok {
		return nil, fmt.Errorf("malformed amount %q", amount)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", amount)
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	return new(big.Int).Set(value.Num()), nil
}

// AtomicToMoney converts atomic token units back to a decimal USD string.
func AtomicToMoney(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)
	return ratToDecimal(rat)
}

// AddMoney returns the sum of two decimal USD amounts.
func AddMoney(a, b string) (string, error) {
	left, err := ParseMoney(a)
	if err != nil {
		return "", err
	}
	right, err := ParseMoney(b)
	if err != nil {
		return "", err
	}

	sum := new(big.Rat)
	la, _ := new(big.Rat).SetString(left)
	ra, _ := new(big.Rat).SetString(right)
	sum.Add(la, ra)
	return ratToDecimal(sum), nil
}

// ratToDecimal renders a non-negative rational as a decimal string without
// trailing zeros ("0.02", not "0.020000").
func ratToDecimal(value *big.Rat) string {
	if value.IsInt() {
		return value.Num().String()
	}
	s := value.FloatString(18)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	return s
}
