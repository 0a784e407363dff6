package telemetry

import (
	"context"
	"testing"
)

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of a disabled provider must be a no-op: %v", err)
	}
	if m := p.Meter("test"); m == nil {
		t.Fatalf("expected a usable meter even when disabled")
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://localhost:4318":   "localhost:4318",
		"https://collector:4318/": "collector:4318",
		"collector:4318":          "collector:4318",
		" collector:4318 ":        "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}
