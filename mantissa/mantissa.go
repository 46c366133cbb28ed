// Package mantissa converts human decimal strings into the fixed-point
// integers the lending contracts store.
package mantissa

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the scale of a protocol mantissa.
const Decimals = 18

var (
	// ErrInvalid is returned for strings that are not decimal numbers.
	ErrInvalid = errors.New("mantissa: invalid decimal")
	// ErrPrecision is returned when a value has more fractional digits than the target scale.
	ErrPrecision = errors.New("mantissa: too many fractional digits")
	// ErrRange is returned when a scaled value is negative or exceeds 256 bits.
	ErrRange = errors.New("mantissa: value out of uint256 range")
)

// One is 1.0 scaled by 10^18.
func One() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
}

// Max is the largest uint256, used for unlimited capacities.
func Max() *big.Int {
	return new(uint256.Int).SetAllOne().ToBig()
}

// Parse scales a decimal string such as "0.1" by 10^18.
func Parse(raw string) (*big.Int, error) {
	return Scale(raw, Decimals)
}

// Scale converts raw into an integer scaled by 10^decimals. The keyword
// "max" yields the largest uint256. The result must be an exact integer and
// fit in 256 bits.
func Scale(raw string, decimals uint8) (*big.Int, error) {
	value := strings.TrimSpace(strings.ReplaceAll(raw, "_", ""))
	if value == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if strings.EqualFold(value, "max") {
		return Max(), nil
	}
	if !isDecimal(value) {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(factor))
	if !rat.IsInt() {
		return nil, fmt.Errorf("%w: %q at %d decimals", ErrPrecision, raw, decimals)
	}
	out := new(big.Int).Set(rat.Num())
	if err := checkRange(out); err != nil {
		return nil, fmt.Errorf("%w: %q", err, raw)
	}
	return out, nil
}

// Format renders a mantissa back into a trimmed decimal string.
func Format(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	if decimals == 0 {
		return v.String()
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return strings.TrimRight(strings.TrimRight(new(big.Rat).SetFrac(v, factor).FloatString(int(decimals)), "0"), ".")
}

func checkRange(v *big.Int) error {
	if v.Sign() < 0 {
		return ErrRange
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrRange
	}
	return nil
}

// isDecimal accepts an optional sign, digits and at most one decimal point.
func isDecimal(s string) bool {
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	digits, dots := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}
