package fraud

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

func TestEngine_CountsFlagsByRule(t *testing.T) {
	metrics.FlagsTotal.Reset()
	metrics.TransactionsProcessedTotal.Reset()

	engine := NewEngine(NewMemoryStore())
	ctx := context.Background()
	if _, err := engine.Process(ctx, input("m1", "u1", 10500, t0, "NYC")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Replaying the same transaction must not count a second flag.
	if _, err := engine.Process(ctx, input("m1", "u1", 10500, t0, "NYC")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	m := &dto.Metric{}
	counter, err := metrics.FlagsTotal.GetMetricWithLabelValues("high_amount")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected flag counter 1, got %f", m.Counter.GetValue())
	}
}

func TestEngine_CountsInvalidInput(t *testing.T) {
	metrics.TransactionsProcessedTotal.Reset()

	engine := NewEngine(NewMemoryStore())
	in := input("m2", "", 1, t0, "NYC")
	if _, err := engine.Process(context.Background(), in); err == nil {
		t.Fatal("expected validation error")
	}

	m := &dto.Metric{}
	counter, err := metrics.TransactionsProcessedTotal.GetMetricWithLabelValues("invalid")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)
	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected invalid counter 1, got %f", m.Counter.GetValue())
	}
}
