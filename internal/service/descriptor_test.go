package service

import "testing"

func TestDescriptor_WithCapabilities(t *testing.T) {
	base := Descriptor{Name: "pool-controller", Layer: LayerBackground}

	got := base.WithCapabilities("reconcile-pool", "reclaim-idle")

	if len(got.Capabilities) != 2 || got.Capabilities[0] != "reconcile-pool" || got.Capabilities[1] != "reclaim-idle" {
		t.Fatalf("unexpected capabilities: %v", got.Capabilities)
	}
	if len(base.Capabilities) != 0 {
		t.Fatalf("expected base descriptor untouched, got %v", base.Capabilities)
	}
}

func TestDescriptor_WithCapabilities_NoArgsReturnsSameDescriptor(t *testing.T) {
	base := Descriptor{Name: "expiry-reaper", Capabilities: []string{"reap-expired"}}

	got := base.WithCapabilities()

	if len(got.Capabilities) != 1 || got.Capabilities[0] != "reap-expired" {
		t.Fatalf("unexpected capabilities: %v", got.Capabilities)
	}
}
