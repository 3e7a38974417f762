package utils // import "github.com/whisthq/whist/backend/control-plane/utils"

import "golang.org/x/exp/constraints"

// Min returns the smaller of the two given values.
func Min[T constraints.Ordered](a T, b T) T {
	if a < b {
		return a
	}
	return b
}
