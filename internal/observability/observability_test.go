package observability

import "testing"

func TestMetricsObserveInvocation(t *testing.T) {
	m := NewMetrics()
	m.ObserveInvocation("ok", 100)
	m.ObserveInvocation("failed", 5)
	// MustRegister above would have panicked on a naming collision; reaching
	// here confirms every collector registered cleanly.
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	lg, err := NewLogger("", "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if lg.GetLevel().String() != "info" {
		t.Fatalf("expected default info level, got %s", lg.GetLevel())
	}
}

func TestNewHotPathLoggerBuilds(t *testing.T) {
	lg, err := NewHotPathLogger("debug")
	if err != nil {
		t.Fatalf("new hot path logger: %v", err)
	}
	defer lg.Sync()
	lg.Debug("engine invocation")
}
