package synth

import (
	"errors"

	"github.com/kubemend/kubemend/internal/guard"
	"github.com/kubemend/kubemend/internal/policy"
)

// guardrailOrder is the fixed sequence of secondary hardening rules run
// after a primary fix. Order matters: each guardrail sees the cumulative
// simulated effect of the primary patch and every guardrail before it.
var guardrailOrder = []policy.Kind{
	policy.DropCapabilities,
	policy.RunAsNonRoot,
	policy.SetRequestsLimits,
	policy.NoLatestTag,
	policy.DenyPrivilegeEscalation,
	policy.ReadOnlyRootFS,
	policy.NoSecretEnv,
}

// Harden folds the guardrail rules over the simulated result of applying
// primaryOps to base. The guardrail matching the primary policy is skipped
// so the primary fix is never duplicated. Each contribution is validated
// against the current simulated state before it is kept; a guardrail whose
// edit no longer applies is dropped, never fatal. The returned operations
// are primary ∪ secondary, deduplicated by structural equality.
func (t *RuleTable) Harden(primary policy.Kind, base map[string]interface{}, primaryOps []guard.Op) ([]guard.Op, bool, error) {
	sim, err := guard.Apply(base, primaryOps)
	if err != nil {
		return nil, false, err
	}

	all := append([]guard.Op{}, primaryOps...)
	contributed := false

	for _, kind := range guardrailOrder {
		if kind == primary {
			continue
		}
		ops, err := t.Propose(kind, sim)
		if err != nil {
			var pe *PatchError
			if errors.As(err, &pe) {
				continue // already satisfied, or rule precondition absent
			}
			return nil, false, err
		}
		next, err := guard.Apply(sim, ops)
		if err != nil {
			continue
		}
		sim = next
		all = append(all, ops...)
		contributed = true
	}

	return guard.Dedupe(all), contributed, nil
}
