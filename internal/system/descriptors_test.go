package system

import (
	"testing"

	svc "github.com/runnerforge/engine/internal/service"
)

type mockProvider struct{ desc svc.Descriptor }

func (m mockProvider) Descriptor() svc.Descriptor { return m.desc }

func TestCollectDescriptors(t *testing.T) {
	providers := []DescriptorProvider{
		mockProvider{desc: svc.Descriptor{Name: "svc1", Layer: svc.LayerBackground}},
		mockProvider{desc: svc.Descriptor{Name: "svc2", Layer: svc.LayerIngress}},
		mockProvider{desc: svc.Descriptor{Name: "svc3", Layer: svc.LayerBackground}},
		nil,
	}

	descr := CollectDescriptors(providers)

	if len(descr) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descr))
	}
	if descr[0].Name != "svc1" || descr[1].Name != "svc3" || descr[2].Name != "svc2" {
		t.Fatalf("unexpected order: %#v", descr)
	}
}

func TestSummarize(t *testing.T) {
	descr := []svc.Descriptor{
		{Name: "pool-controller", Layer: svc.LayerBackground, Capabilities: []string{"reconcile-pool", "reclaim-idle"}},
		{Name: "expiry-reaper", Layer: svc.LayerBackground, Capabilities: []string{"reap-expired"}},
	}

	got := Summarize(descr)
	want := "pool-controller(background)[reconcile-pool,reclaim-idle] expiry-reaper(background)[reap-expired]"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
