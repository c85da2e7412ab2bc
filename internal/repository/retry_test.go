package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/idgate/internal/model"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Microsecond, MaxDelay: 10 * time.Microsecond}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"wrapped serialization failure", errors.Join(errors.New("insert"), &pq.Error{Code: "40001"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), IsRetryable, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pq.Error{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustedReturnsPersistenceError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), IsRetryable, func(ctx context.Context) error {
		calls++
		return &pq.Error{Code: "40P01"}
	})
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if !IsRetryable(err) {
		t.Error("the last database error should remain in the chain")
	}
}

func TestRetry_NonRetryableErrorReturnsImmediately(t *testing.T) {
	sentinel := errors.New("constraint violated")
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), IsRetryable, func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := Retry(ctx, policy, IsRetryable, func(ctx context.Context) error {
		calls++
		cancel()
		return &pq.Error{Code: "40001"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_DelayIsBounded(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.delay(attempt)
		if d < 0 || d > p.MaxDelay {
			t.Errorf("delay(%d) = %v, want within [0, %v]", attempt, d, p.MaxDelay)
		}
	}
}

func TestUniqueNames_DeduplicatesAndSorts(t *testing.T) {
	got := uniqueNames([]string{"ops", "dev", "", "ops"})
	want := []string{"dev", "ops"}
	if len(got) != len(want) {
		t.Fatalf("uniqueNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("uniqueNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPostgresStore_ImplementsInterfaces(t *testing.T) {
	var _ Store = (*PostgresStore)(nil)
	var _ Transactor = (*PostgresStore)(nil)
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
	var _ Association = (*PostgresAssociation)(nil)
}
