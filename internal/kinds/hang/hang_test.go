package hang

import (
	"context"
	"testing"
	"time"

	"github.com/pfixtools/policyd/internal/filter"
)

func TestConstructRequiresTimeout(t *testing.T) {
	if _, _, err := construct(nil, map[string]string{}); err == nil {
		t.Error("expected an error when timeout_ms is missing")
	}
	if _, _, err := construct(nil, map[string]string{"timeout_ms": "0"}); err == nil {
		t.Error("expected an error for a non-positive timeout_ms")
	}
	if _, _, err := construct(nil, map[string]string{"timeout_ms": "nope"}); err == nil {
		t.Error("expected an error for a non-numeric timeout_ms")
	}
}

func TestConstructParsesMilliseconds(t *testing.T) {
	data, _, err := construct(nil, map[string]string{"timeout_ms": "50"})
	if err != nil {
		t.Fatalf("construct() error = %v", err)
	}
	cfg := data.(*config)
	if cfg.timeout != 50*time.Millisecond {
		t.Errorf("timeout = %v, want 50ms", cfg.timeout)
	}
}

func TestRunBlocksThenReturnsTimeout(t *testing.T) {
	f := &filter.Filter{Data: &config{timeout: 10 * time.Millisecond}}
	start := time.Now()
	outcome, err := run(context.Background(), f, nil, nil, nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if outcome != filter.OutcomeTimeout {
		t.Errorf("run() outcome = %v, want OutcomeTimeout", outcome)
	}
	if elapsed < 10*time.Millisecond {
		t.Errorf("run() returned after %v, want at least 10ms", elapsed)
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	f := &filter.Filter{Data: &config{timeout: time.Hour}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := run(ctx, f, nil, nil, nil)
	if err == nil {
		t.Error("expected an error when the context is already cancelled")
	}
	if outcome != filter.OutcomeTimeout {
		t.Errorf("run() outcome = %v, want OutcomeTimeout even on cancellation", outcome)
	}
}
