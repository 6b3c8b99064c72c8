package custody

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of decimal places of the native asset.
const NativeDecimals = 9

// ParseAmount converts a human amount such as "1.25" into base units with the
// given number of decimals. Fractions finer than one base unit are rejected.
func ParseAmount(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("custody: parse amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return 0, fmt.Errorf("custody: amount %q is negative", s)
	}
	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("custody: amount %q has more than %d decimals", s, decimals)
	}
	if !units.BigInt().IsUint64() {
		return 0, fmt.Errorf("custody: amount %q out of range", s)
	}
	return units.BigInt().Uint64(), nil
}

// FormatAmount renders base units as a decimal string with the given decimals.
func FormatAmount(units uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals).String()
}
