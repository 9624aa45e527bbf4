// Package units converts token amounts between on-chain precision and the
// ledger's fixed six-decimal representation.
package units

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

const (
	// ChainDecimals is the precision of the claiming token on-chain.
	ChainDecimals = 18
	// LedgerDecimals is the precision every ledger amount is stored in.
	LedgerDecimals = 6
)

var (
	// ErrOverflow is returned when a value cannot be represented in the
	// requested width.
	ErrOverflow = errors.New("units: value overflows")
	// ErrNegative is returned when a signed amount is below zero.
	ErrNegative = errors.New("units: negative amount")
)

var maxInt64 = uint256.NewInt(math.MaxInt64)

// Pow10 returns 10^n as a 256-bit integer.
func Pow10(n uint) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// Rescale converts v from one decimal precision to another. Narrowing
// truncates toward zero; widening fails with ErrOverflow past 2^256.
func Rescale(v *uint256.Int, from, to uint) (*uint256.Int, error) {
	if v == nil {
		return nil, fmt.Errorf("units: nil value")
	}
	switch {
	case from == to:
		return new(uint256.Int).Set(v), nil
	case from > to:
		return new(uint256.Int).Div(v, Pow10(from-to)), nil
	default:
		out, overflow := new(uint256.Int).MulOverflow(v, Pow10(to-from))
		if overflow {
			return nil, ErrOverflow
		}
		return out, nil
	}
}

// ToChain converts a ledger amount back into 18-decimal token precision.
func ToChain(amount int64) (*uint256.Int, error) {
	if amount < 0 {
		return nil, ErrNegative
	}
	return Rescale(uint256.NewInt(uint64(amount)), LedgerDecimals, ChainDecimals)
}

// Narrow returns v as an int64, or ErrOverflow when it does not fit.
func Narrow(v *uint256.Int) (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("units: nil value")
	}
	if v.Gt(maxInt64) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, v.Dec())
	}
	return int64(v.Uint64()), nil
}
