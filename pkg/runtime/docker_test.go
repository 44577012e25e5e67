package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/cyberlabs/labd/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, apperrors.ErrRuntimeUnavailable},
		{"canceled", context.Canceled, apperrors.ErrRuntimeUnavailable},
		{"port taken", fmt.Errorf("driver failed: Bind for 0.0.0.0:8080 failed: port is already allocated"), apperrors.ErrPortAllocation},
		{"addr in use", fmt.Errorf("listen tcp 0.0.0.0:8080: address already in use"), apperrors.ErrPortAllocation},
	}

	for _, tt := range tests {
		got := classify(tt.err, "create")
		if !stderrors.Is(got, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}

	// Unrecognized errors pass through without a taxonomy sentinel.
	got := classify(fmt.Errorf("something else"), "create")
	if stderrors.Is(got, apperrors.ErrRuntimeUnavailable) || stderrors.Is(got, apperrors.ErrPortAllocation) {
		t.Errorf("unexpected classification: %v", got)
	}
}
