package system

import (
	"fmt"
	"sort"
	"strings"

	svc "github.com/runnerforge/engine/internal/service"
)

// CollectDescriptors extracts service descriptors, skipping nil entries, and
// sorts them for deterministic presentation (layer + name) — used at
// startup to log which background services (Pool Controller, Expiry Reaper)
// are about to run before StartAll launches them.
func CollectDescriptors(providers []DescriptorProvider) []svc.Descriptor {
	var out []svc.Descriptor
	for _, p := range providers {
		if p == nil {
			continue
		}
		out = append(out, p.Descriptor())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Layer == out[j].Layer {
			return out[i].Name < out[j].Name
		}
		return out[i].Layer < out[j].Layer
	})
	return out
}

// Summarize renders descriptors as one space-separated entry per service on
// a single line, suitable for a single startup log entry: "pool-controller(engine)[reconcile-pool,reclaim-idle]".
func Summarize(descriptors []svc.Descriptor) string {
	lines := make([]string, len(descriptors))
	for i, d := range descriptors {
		lines[i] = fmt.Sprintf("%s(%s)[%s]", d.Name, d.Layer, strings.Join(d.Capabilities, ","))
	}
	return strings.Join(lines, " ")
}
