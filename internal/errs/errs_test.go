package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewWrapsAndClassifies(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := New(ThresholdNotMet, "aggregator.Reveal", cause)

	if !errors.Is(err, ErrThresholdNotMet) {
		t.Errorf("errors.Is(err, ErrThresholdNotMet) = false, want true")
	}
	if errors.Is(err, ErrLateShare) {
		t.Errorf("errors.Is(err, ErrLateShare) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true (Unwrap should expose cause)")
	}

	kind, ok := KindOf(err)
	if !ok || kind != ThresholdNotMet {
		t.Errorf("KindOf(err) = (%v, %v), want (%v, true)", kind, ok, ThresholdNotMet)
	}
}

func TestKindOfOnPlainError(t *testing.T) {
	if _, ok := KindOf(fmt.Errorf("plain")); ok {
		t.Errorf("KindOf on a plain error reported ok=true")
	}
}
