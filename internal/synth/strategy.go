package synth

import (
	"context"

	"github.com/kubemend/kubemend/internal/detect"
	"github.com/kubemend/kubemend/internal/guard"
	"github.com/kubemend/kubemend/internal/policy"
)

// Input is everything a strategy may use to propose a fix. Feedback carries
// the most recent synthesis failure messages so a feedback-aware strategy
// can self-correct on retry.
type Input struct {
	Detection detect.Detection
	Kind      policy.Kind
	Doc       map[string]interface{}
	Feedback  []string
}

// Strategy proposes a candidate patch for a detection. Proposals are not
// trusted: the engine validates them structurally before accepting.
type Strategy interface {
	Name() string
	// Deterministic strategies produce the same output for the same input,
	// so retrying them is pointless.
	Deterministic() bool
	Propose(ctx context.Context, in Input) ([]guard.Op, error)
}

// RuleStrategy is the default deterministic strategy backed by the policy
// rule table.
type RuleStrategy struct {
	Table *RuleTable
}

func (s *RuleStrategy) Name() string        { return "rules" }
func (s *RuleStrategy) Deterministic() bool { return true }

func (s *RuleStrategy) Propose(ctx context.Context, in Input) ([]guard.Op, error) {
	return s.Table.Propose(in.Kind, in.Doc)
}
