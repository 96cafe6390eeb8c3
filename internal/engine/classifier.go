package engine

import "math"

// IsLargeTransfer reports whether a source of size bytes should go through the
// chunked pipeline: only when more than two full chunks would result.
func IsLargeTransfer(size, chunk int64) bool {
	if size <= 0 || chunk <= 0 {
		return false
	}
	if chunk > math.MaxInt64/2 {
		return false
	}
	return size > 2*chunk
}
