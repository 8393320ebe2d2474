package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ksred/klear-ledger/internal/ledger"
)

func TestRetry(t *testing.T) {
	ctx := context.Background()
	permanent := errors.New("permanent")

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{"first try", 0, nil, nil, 1},
		{"conflict then success", 1, ledger.ErrConcurrentUpdateConflict, nil, 2},
		{"exhausted", 10, ledger.ErrConcurrentUpdateConflict, ledger.ErrContention, 3},
		{"permanent error", 10, permanent, permanent, 1},
		{"insufficient funds is permanent", 10, ledger.ErrInsufficientFunds, ledger.ErrInsufficientFunds, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := ledger.Retry(ctx, 3, func() (int, error) {
				calls++
				if calls <= tt.failures {
					return 0, tt.failWith
				}
				return 42, nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil {
				if err != nil || got != 42 {
					t.Errorf("Retry() = %d, %v", got, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Retry() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
