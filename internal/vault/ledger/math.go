package ledger

import (
	"math/bits"

	"github.com/R3E-Network/yield_vault/internal/errors"
)

// mulDiv returns floor(a*b/c) using a 128-bit intermediate product.
func mulDiv(op string, a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, errors.Internal(op, "division by zero", nil)
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, errors.Overflow(op)
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

func addChecked(op string, a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, errors.Overflow(op)
	}
	return sum, nil
}

func subChecked(op string, a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, errors.Overflow(op)
	}
	return diff, nil
}
