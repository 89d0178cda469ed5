package provision

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// noSleep replaces inter-attempt backoff in tests.
func noSleep(_ context.Context, _ time.Duration) error { return nil }

func discardReport(SubStatus, string) {}

func TestExecutorSucceedsFirstAttempt(t *testing.T) {
	exec := NewStageExecutor(StageRepository, ExecutorConfig{MaxAttempts: 3}, nil, nil, WithSleep(noSleep))

	calls := 0
	out := exec.Run(context.Background(), func(ctx context.Context, report ReportFunc) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"repo_url":"https://git.example.com/demo"}`), nil
	}, discardReport)

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if calls != 1 || out.Attempts != 1 {
		t.Errorf("expected a single attempt, got calls=%d attempts=%d", calls, out.Attempts)
	}
	if out.Result == nil {
		t.Error("expected result payload")
	}
}

func TestExecutorRetriesTransientToBudget(t *testing.T) {
	exec := NewStageExecutor(StageDatabase, ExecutorConfig{MaxAttempts: 3}, nil, nil, WithSleep(noSleep))

	calls := 0
	out := exec.Run(context.Background(), func(ctx context.Context, report ReportFunc) (json.RawMessage, error) {
		calls++
		return nil, NewTransientError("rate limited", nil)
	}, discardReport)

	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
	if out.Err == nil || out.Err.Class != ErrorClassTransient {
		t.Errorf("expected transient terminal error, got %v", out.Err)
	}
	if out.Attempts != 3 {
		t.Errorf("expected attempts=3, got %d", out.Attempts)
	}
}

func TestExecutorConfigurationAbortsImmediately(t *testing.T) {
	exec := NewStageExecutor(StageRepository, ExecutorConfig{MaxAttempts: 5}, nil, nil, WithSleep(noSleep))

	calls := 0
	out := exec.Run(context.Background(), func(ctx context.Context, report ReportFunc) (json.RawMessage, error) {
		calls++
		return nil, NewConfigurationError("missing repository token", nil)
	}, discardReport)

	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
	if out.Err == nil || out.Err.Class != ErrorClassConfiguration {
		t.Errorf("expected configuration error, got %v", out.Err)
	}
}

func TestExecutorRejectionWithoutCorrectiveAborts(t *testing.T) {
	exec := NewStageExecutor(StageDeployment, ExecutorConfig{MaxAttempts: 5}, nil, nil, WithSleep(noSleep))

	calls := 0
	out := exec.Run(context.Background(), func(ctx context.Context, report ReportFunc) (json.RawMessage, error) {
		calls++
		return nil, NewRejectedError("site name already taken", nil)
	}, discardReport)

	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
	if out.Err == nil || out.Err.Class != ErrorClassRejected {
		t.Errorf("expected rejected error, got %v", out.Err)
	}
}

func TestExecutorRejectionCorrectedOnce(t *testing.T) {
	corrections := 0
	exec := NewStageExecutor(StageDeployment, ExecutorConfig{MaxAttempts: 5}, nil, nil,
		WithSleep(noSleep),
		WithCorrective(func(rej *StageError) bool {
			corrections++
			return true
		}))

	calls := 0
	out := exec.Run(context.Background(), func(ctx context.Context, report ReportFunc) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, NewRejectedError("site name already taken", nil)
		}
		return json.RawMessage(`{"site_id":"site-1"}`), nil
	}, discardReport)

	if out.Err != nil {
		t.Fatalf("expected corrected retry to succeed, got %v", out.Err)
	}
	if corrections != 1 || calls != 2 {
		t.Errorf("expected 1 correction and 2 attempts, got corrections=%d calls=%d", corrections, calls)
	}
}

func TestExecutorSecondRejectionAborts(t *testing.T) {
	exec := NewStageExecutor(StageDeployment, ExecutorConfig{MaxAttempts: 5}, nil, nil,
		WithSleep(noSleep),
		WithCorrective(func(*StageError) bool { return true }))

	calls := 0
	out := exec.Run(context.Background(), func(ctx context.Context, report ReportFunc) (json.RawMessage, error) {
		calls++
		return nil, NewRejectedError("site name already taken", nil)
	}, discardReport)

	// One plain attempt, one corrected retry, then abort.
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if out.Err == nil || out.Err.Class != ErrorClassRejected {
		t.Errorf("expected rejected error, got %v", out.Err)
	}
}

func TestExecutorAttemptTimeout(t *testing.T) {
	exec := NewStageExecutor(StageDeployment, ExecutorConfig{
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 2,
	}, nil, nil, WithSleep(noSleep))

	calls := 0
	out := exec.Run(context.Background(), func(ctx context.Context, report ReportFunc) (json.RawMessage, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}, discardReport)

	if calls != 2 {
		t.Errorf("expected timeout to be retried to budget, got %d attempts", calls)
	}
	if out.Err == nil || out.Err.Class != ErrorClassTimeout {
		t.Errorf("expected timeout error, got %v", out.Err)
	}
}

func TestPollUntilStopsOnDone(t *testing.T) {
	checks := 0
	err := PollUntil(context.Background(), time.Millisecond, func(ctx context.Context) (bool, error) {
		checks++
		return checks >= 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checks != 3 {
		t.Errorf("expected 3 checks, got %d", checks)
	}
}

func TestPollUntilPropagatesError(t *testing.T) {
	wantErr := errors.New("deploy vanished")
	err := PollUntil(context.Background(), time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected check error, got %v", err)
	}
}

func TestPollUntilHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := PollUntil(ctx, time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := BackoffPolicy{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond, Factor: 2}

	if d := policy.Delay(1); d != 10*time.Millisecond {
		t.Errorf("unexpected first delay: %s", d)
	}
	if d := policy.Delay(2); d != 20*time.Millisecond {
		t.Errorf("unexpected second delay: %s", d)
	}
	if d := policy.Delay(10); d != 40*time.Millisecond {
		t.Errorf("expected delay capped at max, got %s", d)
	}
}
