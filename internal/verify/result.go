package verify

import "encoding/json"

// Result carries the outcome of every gate for one (detection, patch) pair.
// Computed once, never mutated. Acceptance is derived, not stored: the
// conjunction of the four gates and nothing else.
type Result struct {
	ID       string `json:"id"`
	OKPolicy bool   `json:"ok_policy"`
	OKSafety bool   `json:"ok_safety"`
	OKSchema bool   `json:"ok_schema"`
	OKRescan bool   `json:"ok_rescan"`

	// PatchedManifest is set once the patch applied and the policy and
	// safety gates passed; PatchedYAML additionally requires schema and
	// rescan success.
	PatchedManifest map[string]interface{} `json:"-"`
	PatchedYAML     string                 `json:"patched_yaml,omitempty"`

	// Errors holds one human-readable message per failed gate, in gate
	// order, sufficient to drive a retry-with-feedback loop.
	Errors []string `json:"errors,omitempty"`

	// Wall-clock instrumentation, advisory only.
	LatencyMS int64 `json:"latency_ms"`
	KubectlMS int64 `json:"kubectl_ms"`
}

// Accepted reports whether every gate passed.
func (r *Result) Accepted() bool {
	return r.OKPolicy && r.OKSafety && r.OKSchema && r.OKRescan
}

// MarshalJSON projects the result with the derived accepted field included.
func (r *Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		Accepted bool `json:"accepted"`
		*alias
	}{
		Accepted: r.Accepted(),
		alias:    (*alias)(r),
	})
}

func (r *Result) fail(gate, detail string) {
	r.Errors = append(r.Errors, gate+": "+detail)
}
