package verify

import (
	"context"

	"github.com/kubemend/kubemend/internal/detect"
	"github.com/kubemend/kubemend/internal/policy"
)

// DetectorRescanner adapts an external detector to the rescan gate: only
// regression or non-resolution of the targeted policy fails the gate;
// unrelated findings are tolerated.
type DetectorRescanner struct {
	Detector detect.Detector
}

func (r *DetectorRescanner) StillFires(ctx context.Context, manifestYAML string, kind policy.Kind) (bool, error) {
	return detect.StillFires(ctx, r.Detector, manifestYAML, kind)
}
