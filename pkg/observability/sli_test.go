package observability

import (
	"testing"
)

func TestSLIRegister(t *testing.T) {
	r := NewSLIRegistry()
	err := r.Register(&SLI{
		SLIID:     "sli-1",
		Name:      "Guardrail Pipeline Latency",
		Operation: "guardrail_pipeline",
		Source:    SLISourceMetric,
		Unit:      "ms",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1, got %d", r.Count())
	}
}

func TestSLIRegisterMissingFields(t *testing.T) {
	r := NewSLIRegistry()
	err := r.Register(&SLI{SLIID: "sli-1"})
	if err == nil {
		t.Fatal("expected error for missing fields")
	}
}

func TestSLIByOperation(t *testing.T) {
	r := NewSLIRegistry()
	r.Register(&SLI{SLIID: "s1", Name: "a", Operation: "guardrail_pipeline", Source: SLISourceMetric})
	r.Register(&SLI{SLIID: "s2", Name: "b", Operation: "guardrail_pipeline", Source: SLISourceTrace})
	r.Register(&SLI{SLIID: "s3", Name: "c", Operation: "escalation", Source: SLISourceLog})

	matches := r.ByOperation("guardrail_pipeline")
	if len(matches) != 2 {
		t.Fatalf("expected 2 guardrail_pipeline SLIs, got %d", len(matches))
	}
}

func TestSLILinkToSLO(t *testing.T) {
	r := NewSLIRegistry()
	r.Register(&SLI{SLIID: "s1", Name: "a", Operation: "guardrail_pipeline"})

	err := r.LinkToSLO("s1", "slo-1")
	if err != nil {
		t.Fatal(err)
	}

	sli, _ := r.Get("s1")
	if sli.LinkedSLOID != "slo-1" {
		t.Fatal("expected linked SLO")
	}
}

func TestSLIGetNotFound(t *testing.T) {
	r := NewSLIRegistry()
	_, err := r.Get("nonexistent")
	if err == nil {
		t.Fatal("expected error")
	}
}
