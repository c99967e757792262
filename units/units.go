// Package units converts token amounts between their native on-chain
// representation and the engine's canonical 18-decimal representation.
//
// Every balance and every route-level figure inside the engine is a canonical
// 18-decimal big integer. Conversion happens at exactly two boundaries: when
// a balance is read in from a chain, and when an amount is handed out to a
// bridge adapter.
package units

import (
	"fmt"
	"math/big"
)

// CanonicalDecimals is the fixed precision used for all internal arithmetic.
const CanonicalDecimals = 18

var ten = big.NewInt(10)

// scale returns 10^(18-decimals). Assets with more than 18 decimals are
// rejected at registry validation, so the exponent is never negative here.
func scale(decimals uint8) (*big.Int, error) {
	if decimals > 18 {
		return nil, fmt.Errorf("units: %d decimals exceeds canonical precision", decimals)
	}
	exp := big.NewInt(int64(18 - decimals))
	return new(big.Int).Exp(ten, exp, nil), nil
}

// ToCanonical widens a native-unit amount to canonical 18-decimal units by
// multiplying with 10^(18-decimals). The input is never mutated.
func ToCanonical(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil {
		return nil, fmt.Errorf("units: amount required")
	}
	s, err := scale(decimals)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(amount, s), nil
}

// FromCanonical narrows a canonical 18-decimal amount to the asset's native
// units by integer division with 10^(18-decimals). Truncation toward zero is
// the only rounding mode.
func FromCanonical(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil {
		return nil, fmt.Errorf("units: amount required")
	}
	s, err := scale(decimals)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Quo(amount, s), nil
}
