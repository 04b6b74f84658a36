package stockd

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWithContext(t *testing.T) {
	err := WithContext(ErrInsufficientStock, map[string]interface{}{
		"product_id": int64(7),
		"requested":  int64(3),
	})

	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("wrapped error should match its sentinel")
	}
	if !strings.Contains(err.Error(), "insufficient stock") {
		t.Errorf("message should carry the sentinel text, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "product_id") {
		t.Errorf("message should carry the context, got %q", err.Error())
	}
}

func TestWithContextNil(t *testing.T) {
	if err := WithContext(nil, map[string]interface{}{"k": "v"}); err != nil {
		t.Errorf("wrapping nil should stay nil, got %v", err)
	}
}

func TestWithContextEmptyContext(t *testing.T) {
	err := WithContext(ErrLockHeld, nil)
	if err.Error() != ErrLockHeld.Error() {
		t.Errorf("empty context should not change the message, got %q", err.Error())
	}
}

func TestWithContextDoubleWrap(t *testing.T) {
	inner := WithContext(ErrQuorumNotReached, map[string]interface{}{"quorum": 3})
	outer := fmt.Errorf("purchase failed: %w", inner)

	if !errors.Is(outer, ErrQuorumNotReached) {
		t.Error("sentinel should survive a second wrap")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		permanent bool
		conflict  bool
		notFound  bool
	}{
		{ErrProductNotFound, false, true, false, true},
		{ErrProductExists, false, true, true, false},
		{ErrInsufficientStock, false, true, false, false},
		{ErrUserExists, false, true, true, false},
		{ErrLockHeld, true, false, false, false},
		{ErrLockAcquisition, true, false, true, false},
		{ErrConcurrentCreation, true, false, true, false},
		{ErrQuorumNotReached, true, false, false, false},
		{ErrBackendUnavailable, true, false, false, false},
		{ErrInvalidConfig, false, true, false, false},
	}

	for _, tc := range cases {
		wrapped := WithContext(tc.err, map[string]interface{}{"test": true})
		if got := IsRetryable(wrapped); got != tc.retryable {
			t.Errorf("%v: IsRetryable = %v, want %v", tc.err, got, tc.retryable)
		}
		if got := IsPermanent(wrapped); got != tc.permanent {
			t.Errorf("%v: IsPermanent = %v, want %v", tc.err, got, tc.permanent)
		}
		if got := IsConflict(wrapped); got != tc.conflict {
			t.Errorf("%v: IsConflict = %v, want %v", tc.err, got, tc.conflict)
		}
		if got := IsNotFound(wrapped); got != tc.notFound {
			t.Errorf("%v: IsNotFound = %v, want %v", tc.err, got, tc.notFound)
		}
	}
}
