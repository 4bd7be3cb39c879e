// Package calc provides the deterministic financial formulas used by the
// calculator endpoints and the progression engine. All functions are pure;
// invalid numeric input returns ErrInvalidInput rather than NaN or Inf.
package calc

import (
	"errors"
	"math"
)

// ErrInvalidInput is returned for non-positive rates, durations or amounts,
// and for non-finite inputs.
var ErrInvalidInput = errors.New("invalid calculator input")

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
