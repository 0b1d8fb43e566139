// Package delay provides an immutable duration value that remembers the unit
// it was expressed in.
package delay

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// ErrInvalidUnit is returned when a unit is not set or not positive.
var ErrInvalidUnit = errors.New("invalid delay unit")

// Value is a magnitude paired with its unit of measure.
// The zero Value is not valid, create one with New.
type Value struct {
	magnitude int64
	unit      time.Duration
}

// New returns a new delay value.
func New(magnitude int64, unit time.Duration) (Value, error) {
	if unit <= 0 {
		return Value{}, fmt.Errorf("%w: %d", ErrInvalidUnit, unit)
	}
	return Value{
		magnitude: magnitude,
		unit:      unit,
	}, nil
}

// MustNew is like New, but panics on an invalid unit.
func MustNew(magnitude int64, unit time.Duration) Value {
	v, err := New(magnitude, unit)
	if err != nil {
		panic(err)
	}
	return v
}

// Magnitude returns the magnitude in the source unit.
func (v Value) Magnitude() int64 {
	return v.magnitude
}

// Unit returns the source unit.
func (v Value) Unit() time.Duration {
	return v.unit
}

// IsValid returns whether the value was created with a valid unit.
func (v Value) IsValid() bool {
	return v.unit > 0
}

// Get returns the delay converted to the target unit.
// The result is truncated toward zero and saturates instead of overflowing.
func (v Value) Get(target time.Duration) (int64, error) {
	if target <= 0 {
		return 0, fmt.Errorf("%w: target %d", ErrInvalidUnit, target)
	}
	if !v.IsValid() {
		return 0, fmt.Errorf("%w: source %d", ErrInvalidUnit, v.unit)
	}

	// Fast path for same unit and exact multiples.
	switch {
	case v.unit == target:
		return v.magnitude, nil
	case v.unit > target && v.unit%target == 0:
		return saturatingMul(v.magnitude, int64(v.unit/target)), nil
	case target > v.unit && target%v.unit == 0:
		return v.magnitude / int64(target/v.unit), nil
	}

	// Units are not multiples of each other, eg. 1500ms into seconds.
	n := new(big.Int).Mul(big.NewInt(v.magnitude), big.NewInt(int64(v.unit)))
	n.Quo(n, big.NewInt(int64(target)))
	return clampBig(n), nil
}

// Duration returns the delay as a time.Duration, saturated to its range.
func (v Value) Duration() time.Duration {
	ns, err := v.Get(time.Nanosecond)
	if err != nil {
		return 0
	}
	return time.Duration(ns)
}

// String returns a human readable representation.
func (v Value) String() string {
	if !v.IsValid() {
		return "invalid delay"
	}
	return fmt.Sprintf("%d×%s", v.magnitude, v.unit)
}

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	c := a * b
	if c/b != a {
		if (a < 0) != (b < 0) {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return c
}

var (
	maxInt64 = big.NewInt(math.MaxInt64)
	minInt64 = big.NewInt(math.MinInt64)
)

func clampBig(n *big.Int) int64 {
	switch {
	case n.Cmp(maxInt64) > 0:
		return math.MaxInt64
	case n.Cmp(minInt64) < 0:
		return math.MinInt64
	default:
		return n.Int64()
	}
}
