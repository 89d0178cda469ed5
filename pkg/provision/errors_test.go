package provision

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyPassesThroughStageErrors(t *testing.T) {
	orig := NewRejectedError("name already taken", nil)
	got := Classify(orig)
	if got != orig {
		t.Error("expected classified error to pass through unchanged")
	}

	wrapped := fmt.Errorf("provision: %w", NewConfigurationError("missing token", nil))
	if Classify(wrapped).Class != ErrorClassConfiguration {
		t.Error("expected wrapped StageError class to be preserved")
	}
}

func TestClassifyDeadlineIsTimeout(t *testing.T) {
	got := Classify(context.DeadlineExceeded)
	if got.Class != ErrorClassTimeout {
		t.Errorf("expected timeout class, got %s", got.Class)
	}

	wrapped := fmt.Errorf("deploy: %w", context.DeadlineExceeded)
	if Classify(wrapped).Class != ErrorClassTimeout {
		t.Error("expected wrapped deadline to classify as timeout")
	}
}

func TestClassifyUnknownIsTransient(t *testing.T) {
	got := Classify(errors.New("connection reset by peer"))
	if got.Class != ErrorClassTransient {
		t.Errorf("expected transient class, got %s", got.Class)
	}
}

func TestRetryability(t *testing.T) {
	if !IsRetryable(NewTransientError("rate limited", nil)) {
		t.Error("transient should be retryable")
	}
	if !IsRetryable(NewTimeoutError("deploy never ready", nil)) {
		t.Error("timeout should be retryable")
	}
	if IsRetryable(NewRejectedError("name taken", nil)) {
		t.Error("rejected should not be plainly retryable")
	}
	if IsRetryable(NewConfigurationError("missing credential", nil)) {
		t.Error("configuration should not be retryable")
	}
}

func TestPredicatesFollowErrorChains(t *testing.T) {
	err := fmt.Errorf("stage: %w", NewTimeoutError("slow host", context.DeadlineExceeded))
	if !IsTimeout(err) {
		t.Error("expected IsTimeout through wrapping")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected underlying cause to remain reachable")
	}
}

func TestStageErrorMessageIncludesContext(t *testing.T) {
	err := NewTransientError("clone failed", errors.New("dial tcp: refused")).
		WithStage(StageRepository).
		WithAttempt(2)

	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
	if err.Stage != StageRepository || err.Attempt != 2 {
		t.Errorf("context not recorded: %+v", err)
	}
}
