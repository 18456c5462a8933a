package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryValidation, CodeBadValue, "time field missing")
	expected := "[VALIDATION:BAD_VALUE] time field missing"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrCategoryStorage, CodeWriteFailed, "bucket write failed", cause)
	expected := "[STORAGE:WRITE_FAILED] bucket write failed: disk full"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryCatalog, CodeWriteConflict, "conflict", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategoryCatalog, CodeBucketCleared, "first")
	err2 := New(ErrCategoryCatalog, CodeBucketCleared, "second")
	err3 := New(ErrCategoryCatalog, CodeWriteConflict, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryCatalog, CodeWriteConflict, true},
		{ErrCategoryCatalog, CodeBucketCleared, false},
		{ErrCategoryStorage, CodeWriteFailed, true},
		{ErrCategoryStorage, CodeBucketNotFound, false},
		{ErrCategoryValidation, CodeBadValue, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable = %v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestHelpers(t *testing.T) {
	cleared := NewBucketClearedError("bucket 01F0 was cleared")
	if !IsBucketCleared(cleared) {
		t.Error("IsBucketCleared should match a BUCKET_CLEARED error")
	}
	if IsWriteConflict(cleared) {
		t.Error("IsWriteConflict should not match a BUCKET_CLEARED error")
	}

	wrapped := fmt.Errorf("outer: %w", NewWriteConflictError("prepared bucket removed"))
	if !IsWriteConflict(wrapped) {
		t.Error("IsWriteConflict should see through wrapping")
	}
	if !IsRetryable(wrapped) {
		t.Error("write conflicts are retryable")
	}
}
