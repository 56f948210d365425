package sharing

import (
	"math"
	"testing"
)

// TestSplitReconstructRoundTrip verifies the round-trip law from the
// specification: split then reconstruct is the identity modulo 2^32 for
// any value in [0, M).
func TestSplitReconstructRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 42, 100, 1<<31 - 1, 1 << 31, math.MaxUint32, math.MaxUint32 - 1}

	for _, v := range values {
		v := v
		t.Run("", func(t *testing.T) {
			s1, s2, s3, err := Split(v)
			if err != nil {
				t.Fatalf("Split(%d) returned error: %v", v, err)
			}
			got := Reconstruct(s1, s2, s3)
			if got != v {
				t.Errorf("Reconstruct(Split(%d)) = %d, want %d", v, got, v)
			}
		})
	}
}

// TestSplitZeroStillUniform checks the boundary behaviour for raw value 0:
// shares must still be drawn, not trivially zero.
func TestSplitZeroStillUniform(t *testing.T) {
	s1, s2, s3, err := Split(0)
	if err != nil {
		t.Fatalf("Split(0) returned error: %v", err)
	}
	if s1 == 0 && s2 == 0 && s3 == 0 {
		t.Errorf("Split(0) produced all-zero shares; entropy source is not being used")
	}
	if Reconstruct(s1, s2, s3) != 0 {
		t.Errorf("Reconstruct of Split(0) = %d, want 0", Reconstruct(s1, s2, s3))
	}
}

// TestSplitDistinctCalls checks that successive splits of the same value
// don't collapse to the same share triple (sanity check on the entropy
// source, not a statistical proof of uniformity).
func TestSplitDistinctCalls(t *testing.T) {
	s1a, s2a, s3a, err := Split(55)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	s1b, s2b, s3b, err := Split(55)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if s1a == s1b && s2a == s2b && s3a == s3b {
		t.Errorf("two independent splits of the same value produced identical shares")
	}
}

// TestAdditivity exercises the additivity property used by the aggregator:
// column sums of independently generated shares reconstruct the sum of the
// underlying values.
func TestAdditivity(t *testing.T) {
	values := []uint32{11, 20, 72}
	var col1, col2, col3 uint32
	var want uint32
	for _, v := range values {
		s1, s2, s3, err := Split(v)
		if err != nil {
			t.Fatalf("Split(%d) returned error: %v", v, err)
		}
		col1 += s1
		col2 += s2
		col3 += s3
		want += v
	}
	if got := Reconstruct(col1, col2, col3); got != want {
		t.Errorf("Reconstruct(column sums) = %d, want %d", got, want)
	}
}
