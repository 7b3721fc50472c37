package util

import (
	"errors"
	"math"
)

// AddUint64 sums the arguments and reports overflow instead of wrapping around.
func AddUint64(ns ...uint64) (sum uint64, overflow bool, err error) {
	for _, n := range ns {
		if n > math.MaxUint64-sum {
			return sum, true, errors.New("uint64 sum overflow")
		}
		sum += n
	}
	return sum, false, nil
}
