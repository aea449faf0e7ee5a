package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerDisabledIsNoOp(t *testing.T) {
	tr, err := NewTracer(context.Background(), &TracerConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	ctx, end := tr.Track(context.Background(), "sanitize")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	end(nil)
	end(errors.New("boom")) // must not panic on a disabled tracer

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewTracerDefaultsToDisabled(t *testing.T) {
	cfg := DefaultTracerConfig()
	if cfg.Enabled {
		t.Fatal("DefaultTracerConfig should be disabled by default")
	}
}
