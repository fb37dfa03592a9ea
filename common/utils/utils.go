package utils

import (
	"math"
	"os"

	"github.com/shopspring/decimal"
)

const (
	Epsilon = 1.0e-6
)

var (
	EpsilonDecimal = decimal.NewFromFloat(Epsilon)
)

func GetEnv(name string, def string) string {
	val := os.Getenv(name)
	if len(val) > 0 {
		return val
	} else {
		return def
	}
}

// EqualWithTolerance compares two decimal.Decimal values and returns true if they are equal within
// the tolerance defined by the EpsilonDecimal variable (which is created from the Epsilon constant).
func EqualWithTolerance(d1 decimal.Decimal, d2 decimal.Decimal) bool {
	return d1.Sub(d2).Abs().LessThanOrEqual(EpsilonDecimal)
}

// FloatEqualWithTolerance is EqualWithTolerance for float64 values.
func FloatEqualWithTolerance(f1 float64, f2 float64) bool {
	return math.Abs(f1-f2) <= Epsilon
}

// CeilDiv returns ceil(a / b) for positive b.
func CeilDiv(a, b int) int {
	if b <= 0 {
		panic("CeilDiv called with non-positive divisor")
	}

	return (a + b - 1) / b
}
