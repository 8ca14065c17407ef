// Package shamir implements threshold secret sharing over GF(2^8).
//
// Each byte of the secret is the constant term of a random polynomial of
// degree threshold-1. A share is the polynomial evaluated at a distinct
// non-zero x coordinate; the x coordinate is appended as the last byte of
// every share.
package shamir

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
)

const (
	// ShareOverhead is the number of bytes a share adds to the secret.
	ShareOverhead = 1

	// MaxShares is the largest total a split may produce.
	MaxShares = 255
)

var (
	ErrEmptySecret       = errors.New("shamir: secret cannot be empty")
	ErrInvalidThreshold  = errors.New("shamir: threshold must be between 2 and total")
	ErrInvalidTotal      = errors.New("shamir: total must be between threshold and 255")
	ErrTooFewParts       = errors.New("shamir: at least two shares are required")
	ErrShareLength       = errors.New("shamir: shares must have the same length")
	ErrShareTooShort     = errors.New("shamir: share too short")
	ErrDuplicateShare    = errors.New("shamir: duplicate share x coordinate")
	ErrInvalidCoordinate = errors.New("shamir: share x coordinate is zero")
)

// Split divides secret into total shares, any threshold of which recover it.
func Split(secret []byte, total, threshold int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if threshold < 2 || threshold > total {
		return nil, ErrInvalidThreshold
	}
	if total > MaxShares {
		return nil, ErrInvalidTotal
	}

	xs, err := coordinates(total)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, total)
	for i := range out {
		out[i] = make([]byte, len(secret)+ShareOverhead)
		out[i][len(secret)] = xs[i]
	}

	coeffs := make([]byte, threshold)
	defer wipe(coeffs)
	for idx, b := range secret {
		coeffs[0] = b
		if _, err := rand.Read(coeffs[1:]); err != nil {
			return nil, fmt.Errorf("shamir: failed to read random bytes: %w", err)
		}
		for i, x := range xs {
			out[i][idx] = evaluate(coeffs, x)
		}
	}
	return out, nil
}

// Combine recovers the secret from shares produced by Split. It cannot tell
// whether enough shares were supplied: below the threshold it returns a
// wrong value. Callers that need that guarantee must add their own check.
func Combine(parts [][]byte) ([]byte, error) {
	if len(parts) < 2 {
		return nil, ErrTooFewParts
	}
	n := len(parts[0])
	if n < ShareOverhead+1 {
		return nil, ErrShareTooShort
	}

	xs := make([]byte, len(parts))
	seen := make(map[byte]bool, len(parts))
	for i, p := range parts {
		if len(p) != n {
			return nil, ErrShareLength
		}
		x := p[n-1]
		if x == 0 {
			return nil, ErrInvalidCoordinate
		}
		if seen[x] {
			return nil, ErrDuplicateShare
		}
		seen[x] = true
		xs[i] = x
	}

	secret := make([]byte, n-1)
	ys := make([]byte, len(parts))
	for idx := range secret {
		for i, p := range parts {
			ys[i] = p[idx]
		}
		secret[idx] = interpolateAtZero(xs, ys)
	}
	wipe(ys)
	return secret, nil
}

// Equal compares two shares in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// coordinates returns total distinct non-zero x values in random order.
func coordinates(total int) ([]byte, error) {
	perm := make([]byte, 255)
	for i := range perm {
		perm[i] = byte(i + 1)
	}
	for i := len(perm) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, fmt.Errorf("shamir: failed to read random bytes: %w", err)
		}
		perm[i], perm[j.Int64()] = perm[j.Int64()], perm[i]
	}
	return perm[:total], nil
}

// evaluate computes the polynomial at x using Horner's method.
func evaluate(coeffs []byte, x byte) byte {
	out := coeffs[len(coeffs)-1]
	for i := len(coeffs) - 2; i >= 0; i-- {
		out = add(mul(out, x), coeffs[i])
	}
	return out
}

// interpolateAtZero evaluates the Lagrange polynomial through (xs, ys) at 0.
func interpolateAtZero(xs, ys []byte) byte {
	var result byte
	for i := range xs {
		basis := byte(1)
		for j := range xs {
			if i == j {
				continue
			}
			// x_j / (x_j - x_i), subtraction is xor in GF(2^8)
			basis = mul(basis, div(xs[j], add(xs[j], xs[i])))
		}
		result = add(result, mul(ys[i], basis))
	}
	return result
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
