package custody

import (
	"fmt"
	"math"
)

const (
	// MinSecretLen is the shortest secret New accepts.
	MinSecretLen = 32
	// MinDistinctBytes is the minimum number of distinct byte values.
	MinDistinctBytes = 16
	// MinShannonBits is the minimum estimated entropy per byte.
	MinShannonBits = 3.5
)

// CheckEntropy rejects secrets that are too short or visibly non-random.
// The error never includes secret material.
func CheckEntropy(secret []byte) error {
	if len(secret) < MinSecretLen {
		return fmt.Errorf("%w: secret shorter than %d bytes", ErrInsufficientEntropy, MinSecretLen)
	}
	var counts [256]int
	distinct := 0
	for _, b := range secret {
		if counts[b] == 0 {
			distinct++
		}
		counts[b]++
	}
	switch {
	case distinct == 1 && counts[0] > 0:
		return fmt.Errorf("%w: secret is all zero", ErrInsufficientEntropy)
	case distinct == 1:
		return fmt.Errorf("%w: secret repeats a single byte", ErrInsufficientEntropy)
	case distinct < MinDistinctBytes:
		return fmt.Errorf("%w: only %d distinct byte values", ErrInsufficientEntropy, distinct)
	}
	if bits := shannon(counts[:], len(secret)); bits < MinShannonBits {
		return fmt.Errorf("%w: estimated %.2f bits per byte", ErrInsufficientEntropy, bits)
	}
	return nil
}

func shannon(counts []int, total int) float64 {
	var bits float64
	n := float64(total)
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		bits -= p * math.Log2(p)
	}
	return bits
}
