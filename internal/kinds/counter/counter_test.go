package counter

import (
	"context"
	"testing"

	"github.com/pfixtools/policyd/internal/filter"
)

func TestConstructValidatesCounterRange(t *testing.T) {
	if _, _, err := construct(nil, map[string]string{"counter": "0"}); err != nil {
		t.Errorf("construct() with counter=0 error = %v, want nil", err)
	}
	if _, _, err := construct(nil, map[string]string{"counter": "-1"}); err == nil {
		t.Error("expected an error for a negative counter index")
	}
	if _, _, err := construct(nil, map[string]string{"counter": "9999"}); err == nil {
		t.Error("expected an error for a counter index beyond NumCounters")
	}
	if _, _, err := construct(nil, map[string]string{}); err == nil {
		t.Error("expected an error when counter= is missing")
	}
}

func TestRunThresholds(t *testing.T) {
	cfg := &config{counter: 2, hardThreshold: 10, softThreshold: 5}
	f := &filter.Filter{Data: cfg}

	tests := []struct {
		value int32
		want  filter.Outcome
	}{
		{0, filter.OutcomeFail},
		{4, filter.OutcomeFail},
		{5, filter.OutcomeSoftMatch},
		{9, filter.OutcomeSoftMatch},
		{10, filter.OutcomeHardMatch},
		{50, filter.OutcomeHardMatch},
	}
	for _, tt := range tests {
		fc := filter.NewContext()
		fc.Counters[2] = tt.value
		outcome, err := run(context.Background(), f, nil, fc, nil)
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
		if outcome != tt.want {
			t.Errorf("run() with counter=%d = %v, want %v", tt.value, outcome, tt.want)
		}
	}
}
