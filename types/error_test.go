package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrPeerUnreachable, "dial failed").
		WithCause(root).
		WithRetryable(true).
		WithNode(NodeID("node-a"))

	if GetErrorCode(err) != ErrPeerUnreachable {
		t.Fatalf("expected code %s, got %s", ErrPeerUnreachable, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedInChain(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrTaskExecution, "handler panicked").WithRetryable(true)
	outer := fmt.Errorf("attempt 2: %w", inner)

	if !IsErrorCode(outer, ErrTaskExecution) {
		t.Fatalf("expected code to survive wrapping")
	}
	if !IsRetryable(outer) {
		t.Fatalf("expected retryable to survive wrapping")
	}
	got, ok := AsError(outer)
	if !ok || got != inner {
		t.Fatalf("expected AsError to recover the structured error")
	}
}

func TestError_PlainErrorHasNoCode(t *testing.T) {
	t.Parallel()

	plain := errors.New("plain")
	if GetErrorCode(plain) != "" {
		t.Fatalf("expected empty code for unstructured error")
	}
	if IsRetryable(plain) {
		t.Fatalf("plain errors are not retryable")
	}
}
