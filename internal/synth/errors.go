package synth

import (
	"fmt"
	"strings"

	"github.com/kubemend/kubemend/internal/policy"
)

// PatchError reports that a rule function found no applicable edit: the
// manifest already satisfies the policy, or the policy's precondition does
// not hold for this resource shape.
type PatchError struct {
	Kind   policy.Kind
	Reason string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func noEdit(kind policy.Kind) *PatchError {
	return &PatchError{Kind: kind, Reason: "no applicable edit"}
}

// ExhaustionError reports that no strategy produced a structurally valid
// patch within the attempt bound. No partial PatchRecord accompanies it.
type ExhaustionError struct {
	DetectionID string
	Attempts    int
	Errors      []string
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("synthesis exhausted for %s after %d attempt(s): %s",
		e.DetectionID, e.Attempts, strings.Join(e.Errors, "; "))
}
