package shamir

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestFieldArithmetic(t *testing.T) {
	for a := 1; a < 256; a++ {
		for b := 1; b < 256; b++ {
			p := mul(byte(a), byte(b))
			if p != mulSlow(byte(a), byte(b)) {
				t.Fatalf("mul(%d,%d) table mismatch", a, b)
			}
			if div(p, byte(b)) != byte(a) {
				t.Fatalf("div(mul(%d,%d),%d) != %d", a, b, b, a)
			}
		}
	}
	if mul(0, 7) != 0 || div(0, 7) != 0 {
		t.Error("zero handling broken")
	}
}

func TestSplitCombine(t *testing.T) {
	secret := []byte("correct horse battery staple")
	parts, err := Split(secret, 5, 3)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(parts) != 5 {
		t.Fatalf("Split() returned %d parts, want 5", len(parts))
	}
	for _, p := range parts {
		if len(p) != len(secret)+ShareOverhead {
			t.Fatalf("share length = %d", len(p))
		}
	}

	subsets := [][]int{{0, 1, 2}, {2, 3, 4}, {0, 2, 4}, {4, 1, 3}, {0, 1, 2, 3, 4}}
	for _, idx := range subsets {
		var sel [][]byte
		for _, i := range idx {
			sel = append(sel, parts[i])
		}
		got, err := Combine(sel)
		if err != nil {
			t.Fatalf("Combine(%v) error = %v", idx, err)
		}
		if !bytes.Equal(got, secret) {
			t.Errorf("Combine(%v) = %q", idx, got)
		}
	}

	got, err := Combine(parts[:2])
	if err != nil {
		t.Fatalf("Combine() below threshold error = %v", err)
	}
	if bytes.Equal(got, secret) {
		t.Error("two shares of a 3-of-5 split recovered the secret")
	}
}

func TestSplitInvalid(t *testing.T) {
	tests := []struct {
		name             string
		secret           []byte
		total, threshold int
		want             error
	}{
		{"empty secret", nil, 3, 2, ErrEmptySecret},
		{"threshold one", []byte("s"), 3, 1, ErrInvalidThreshold},
		{"threshold above total", []byte("s"), 3, 4, ErrInvalidThreshold},
		{"too many shares", []byte("s"), 256, 2, ErrInvalidTotal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Split(tt.secret, tt.total, tt.threshold); !errors.Is(err, tt.want) {
				t.Errorf("Split() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCombineInvalid(t *testing.T) {
	parts, _ := Split([]byte("secret"), 3, 2)

	if _, err := Combine(parts[:1]); !errors.Is(err, ErrTooFewParts) {
		t.Errorf("one part error = %v", err)
	}
	if _, err := Combine([][]byte{parts[0], parts[0]}); !errors.Is(err, ErrDuplicateShare) {
		t.Errorf("duplicate error = %v", err)
	}
	if _, err := Combine([][]byte{parts[0], parts[1][:3]}); !errors.Is(err, ErrShareLength) {
		t.Errorf("length error = %v", err)
	}
	zero := append([]byte(nil), parts[1]...)
	zero[len(zero)-1] = 0
	if _, err := Combine([][]byte{parts[0], zero}); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("zero x error = %v", err)
	}
}

func TestSplitCombineProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "secret")
		total := rapid.IntRange(2, 12).Draw(t, "total")
		threshold := rapid.IntRange(2, total).Draw(t, "threshold")

		parts, err := Split(secret, total, threshold)
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}
		perm := rapid.Permutation(parts).Draw(t, "perm")
		k := rapid.IntRange(threshold, total).Draw(t, "k")

		got, err := Combine(perm[:k])
		if err != nil {
			t.Fatalf("Combine() error = %v", err)
		}
		if !bytes.Equal(got, secret) {
			t.Fatalf("Combine() mismatch with %d of %d (threshold %d)", k, total, threshold)
		}
	})
}
