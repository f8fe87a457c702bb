package service

// Layer describes which slice of the engine a service belongs to: the HTTP/WS
// ingress surface, the allocation/readiness/termination pipeline, or a
// fixed-cadence background job (Pool Controller, Expiry Reaper).
type Layer string

const (
	LayerIngress    Layer = "ingress"
	LayerPipeline   Layer = "pipeline"
	LayerBackground Layer = "background"
)

// Descriptor advertises a service's placement and capabilities. It is optional
// and does not change runtime behavior, but lets internal/system log which
// background jobs are about to run and what each one does.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended; used by callers that build a base descriptor once
// and vary only the capability list per instance.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
