package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/teamgate/internal/repository"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: codeSerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: codeDeadlockDetected}, true},
		{"wrapped serialization failure", fmt.Errorf("commit transaction: %w", &pgconn.PgError{Code: codeSerializationFailure}), true},
		{"unique violation", &pgconn.PgError{Code: codeUniqueViolation}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.want {
				t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestMapWriteError(t *testing.T) {
	if err := mapWriteError(&pgconn.PgError{Code: codeUniqueViolation}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mapWriteError(&pgconn.PgError{Code: codeForeignKeyViolation}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	other := &pgconn.PgError{Code: "22001"}
	if err := mapWriteError(other); err != other {
		t.Fatalf("expected unrelated error to pass through, got %v", err)
	}
}

func TestRetrySerializableRetriesConflicts(t *testing.T) {
	attempts := 0
	err := retrySerializable(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("commit transaction: %w", &pgconn.PgError{Code: codeSerializationFailure})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetrySerializableStopsOnOtherErrors(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	err := retrySerializable(context.Background(), func(context.Context) error {
		attempts++
		return boom
	})
	if !errors.Is(err, boom) || attempts != 1 {
		t.Fatalf("expected one attempt returning boom, got %d attempts, %v", attempts, err)
	}
}

func TestRetrySerializableGivesUp(t *testing.T) {
	attempts := 0
	err := retrySerializable(context.Background(), func(context.Context) error {
		attempts++
		return &pgconn.PgError{Code: codeDeadlockDetected}
	})
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeDeadlockDetected {
		t.Fatalf("expected deadlock error, got %v", err)
	}
	if attempts != txMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", txMaxRetries+1, attempts)
	}
}
