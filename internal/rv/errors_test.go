package rv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"rv-go/internal/model"
)

func TestCheckEnd(t *testing.T) {
	ended := int64(3)

	tests := []struct {
		name     string
		a        *model.Association
		vremoved int64
		want     error
	}{
		{"ends open association", &model.Association{ContentID: "c1", VAdded: 1}, 2, nil},
		{"already ended", &model.Association{ContentID: "c1", VAdded: 1, VRemoved: &ended}, 4, ErrAlreadyEnded},
		{"same version", &model.Association{ContentID: "c1", VAdded: 2}, 2, ErrInvalidInterval},
		{"earlier version", &model.Association{ContentID: "c1", VAdded: 5}, 4, ErrInvalidInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckEnd(tt.a, tt.vremoved)
			if tt.want == nil {
				if err != nil {
					t.Errorf("CheckEnd() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckEnd() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("adding: %w", ErrDuplicateAssociation), true},
		{fmt.Errorf("advancing: %w", ErrVersionConflict), true},
		{fmt.Errorf("commit: %w", ErrStorageUnavailable), true},
		{ErrUnknownRepository, false},
		{ErrInvalidInterval, false},
		{ErrAlreadyEnded, false},
		{context.Canceled, false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestAbortReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "caller"},
		{fmt.Errorf("x: %w", ErrDuplicateAssociation), "duplicate"},
		{fmt.Errorf("x: %w", ErrInvalidInterval), "invalid_interval"},
		{fmt.Errorf("x: %w", ErrAlreadyEnded), "already_ended"},
		{fmt.Errorf("x: %w", ErrVersionConflict), "conflict"},
		{fmt.Errorf("x: %w", ErrStorageUnavailable), "storage"},
		{fmt.Errorf("x: %w", ErrUnknownRepository), "unknown_repository"},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), "cancelled"},
		{errors.New("disk on fire"), "other"},
	}

	for _, tt := range tests {
		if got := abortReason(tt.err); got != tt.want {
			t.Errorf("abortReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
