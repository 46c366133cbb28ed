// Package rates converts annual borrow yields into the per-block rate
// mantissas consumed by fixed-rate interest models.
package rates

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	daysPerYear = 365
	// precision is the big.Float mantissa size used for every step so the
	// result is identical on every platform.
	precision   = 512
	maxNewton   = 256
	scaleDigits = 18
)

var (
	// ErrInvalidAPY is returned for yields below 1 (a shrinking balance) or unparsable input.
	ErrInvalidAPY = errors.New("rates: apy must be a ratio >= 1")
	// ErrInvalidBlocks is returned when blocksPerYear is zero.
	ErrInvalidBlocks = errors.New("rates: blocks per year must be positive")
)

// ParseAPY parses a yield ratio such as "1.03" (3% APY).
func ParseAPY(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.ContainsAny(trimmed, "/eExX") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAPY, raw)
	}
	apy, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAPY, raw)
	}
	return apy, nil
}

// APYToPerBlockRate returns the per-block borrow rate mantissa for the
// annual yield ratio apy:
//
//	dailyRate    = apy^(1/365)
//	perBlockRate = (dailyRate - 1) * 1e18 / (blocksPerYear / 365)
//
// truncated toward zero. An apy of exactly 1 yields 0.
func APYToPerBlockRate(apy *big.Rat, blocksPerYear uint64) (*big.Int, error) {
	if apy == nil || apy.Cmp(big.NewRat(1, 1)) < 0 {
		return nil, ErrInvalidAPY
	}
	if blocksPerYear == 0 {
		return nil, ErrInvalidBlocks
	}
	if apy.Cmp(big.NewRat(1, 1)) == 0 {
		return new(big.Int), nil
	}

	a := newFloat().SetRat(apy)
	daily := nthRoot(a, daysPerYear)

	excess := newFloat().Sub(daily, newFloat().SetInt64(1))
	scale := newFloat().SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(scaleDigits), nil))
	blocksPerDay := newFloat().Quo(newFloat().SetUint64(blocksPerYear), newFloat().SetInt64(daysPerYear))

	rate := newFloat().Mul(excess, scale)
	rate.Quo(rate, blocksPerDay)

	out, _ := rate.Int(nil)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out, nil
}

// nthRoot solves x^n = a for a >= 1 with Newton's method. The start value
// 1 + (a-1)/n is never below the root, so the iterates decrease
// monotonically and the loop stops as soon as they no longer do.
func nthRoot(a *big.Float, n int64) *big.Float {
	bigN := newFloat().SetInt64(n)
	nMinus1 := newFloat().SetInt64(n - 1)

	x := newFloat().Sub(a, newFloat().SetInt64(1))
	x.Quo(x, bigN)
	x.Add(x, newFloat().SetInt64(1))

	for i := 0; i < maxNewton; i++ {
		// next = ((n-1)*x + a / x^(n-1)) / n
		pow := powInt(x, n-1)
		next := newFloat().Quo(a, pow)
		next.Add(next, newFloat().Mul(nMinus1, x))
		next.Quo(next, bigN)
		if next.Cmp(x) >= 0 {
			break
		}
		x = next
	}
	return x
}

func powInt(base *big.Float, exp int64) *big.Float {
	result := newFloat().SetInt64(1)
	b := newFloat().Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			result.Mul(result, b)
		}
		b.Mul(b, b)
		exp >>= 1
	}
	return result
}

func newFloat() *big.Float {
	return new(big.Float).SetPrec(precision).SetMode(big.ToNearestEven)
}
