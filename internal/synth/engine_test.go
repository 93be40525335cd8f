package synth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubemend/kubemend/internal/detect"
	"github.com/kubemend/kubemend/internal/guard"
)

// scriptedStrategy replays canned responses and records the inputs it was
// given, so tests can observe the feedback the engine threads through.
type scriptedStrategy struct {
	name      string
	responses []func(in Input) ([]guard.Op, error)
	inputs    []Input
}

func (s *scriptedStrategy) Name() string        { return s.name }
func (s *scriptedStrategy) Deterministic() bool { return false }

func (s *scriptedStrategy) Propose(ctx context.Context, in Input) ([]guard.Op, error) {
	s.inputs = append(s.inputs, in)
	idx := len(s.inputs) - 1
	if idx >= len(s.responses) {
		return nil, fmt.Errorf("unscripted call %d", idx)
	}
	return s.responses[idx](in)
}

const privilegedYAML = `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:1.25
    securityContext:
      privileged: true
`

func privilegedDetection() detect.Detection {
	return detect.Detection{
		ID:            "det-1",
		PolicyID:      "privileged-container",
		ViolationText: "container app runs privileged",
		ManifestYAML:  privilegedYAML,
	}
}

func validFix() []guard.Op {
	return []guard.Op{{Op: "replace", Path: "/spec/containers/0/securityContext/privileged", Value: false}}
}

func TestSynthesize_RuleEngine(t *testing.T) {
	engine := NewEngine(NewRuleTable(), nil, Config{}, zerolog.Nop())

	rec, err := engine.Synthesize(context.Background(), privilegedDetection())
	require.NoError(t, err)

	assert.Equal(t, "det-1", rec.ID)
	assert.Equal(t, "no_privileged", rec.PolicyID)
	assert.Equal(t, "rules", rec.Source)
	assert.True(t, rec.Hardened, "rule-engine records are hardened by definition")
	assert.Empty(t, rec.AttemptErrors)
	assert.NoError(t, guard.Validate(mustDoc(t, privilegedYAML), rec.Patch))
}

func TestSynthesize_UnknownPolicyRejected(t *testing.T) {
	engine := NewEngine(NewRuleTable(), nil, Config{}, zerolog.Nop())

	det := privilegedDetection()
	det.PolicyID = "nobody-knows-this-one"
	_, err := engine.Synthesize(context.Background(), det)
	require.Error(t, err)
}

func TestSynthesize_RetryFeedbackAccumulates(t *testing.T) {
	vendor := &scriptedStrategy{
		name: "openai",
		responses: []func(Input) ([]guard.Op, error){
			func(Input) ([]guard.Op, error) { return nil, fmt.Errorf("no JSON patch array found in response") },
			// Structurally broken: wrong container index.
			func(Input) ([]guard.Op, error) {
				return []guard.Op{{Op: "replace", Path: "/spec/containers/3/securityContext/privileged", Value: false}}, nil
			},
			func(Input) ([]guard.Op, error) { return validFix(), nil },
		},
	}
	engine := NewEngine(NewRuleTable(), vendor, Config{MaxAttempts: 3}, zerolog.Nop())

	rec, err := engine.Synthesize(context.Background(), privilegedDetection())
	require.NoError(t, err)

	assert.Equal(t, "openai", rec.Source)
	assert.Len(t, rec.AttemptErrors, 2, "both failures recorded")

	// The third attempt saw both prior failure messages as feedback.
	require.Len(t, vendor.inputs, 3)
	assert.Empty(t, vendor.inputs[0].Feedback)
	assert.Len(t, vendor.inputs[1].Feedback, 1)
	assert.Len(t, vendor.inputs[2].Feedback, 2)
	assert.Contains(t, vendor.inputs[2].Feedback[1], "/spec/containers/3")
}

func TestSynthesize_VendorExhaustedFallsBackToRules(t *testing.T) {
	fail := func(Input) ([]guard.Op, error) { return nil, fmt.Errorf("gibberish") }
	vendor := &scriptedStrategy{
		name:      "openai",
		responses: []func(Input) ([]guard.Op, error){fail, fail},
	}
	engine := NewEngine(NewRuleTable(), vendor, Config{MaxAttempts: 2}, zerolog.Nop())

	rec, err := engine.Synthesize(context.Background(), privilegedDetection())
	require.NoError(t, err)

	assert.Equal(t, "rules", rec.Source)
	assert.Len(t, rec.AttemptErrors, 2, "vendor failures carried on the record")
}

func TestSynthesize_ExhaustionIsFatal(t *testing.T) {
	fail := func(Input) ([]guard.Op, error) { return nil, fmt.Errorf("gibberish") }
	vendor := &scriptedStrategy{
		name:      "openai",
		responses: []func(Input) ([]guard.Op, error){fail, fail},
	}
	engine := NewEngine(NewRuleTable(), vendor, Config{MaxAttempts: 2}, zerolog.Nop())

	// A Service detection: the rule fallback for no_privileged has no
	// applicable edit either, so synthesis must fail outright.
	det := detect.Detection{
		ID:       "det-2",
		PolicyID: "no-privileged",
		ManifestYAML: `
apiVersion: v1
kind: Service
metadata:
  name: svc
spec:
  type: ClusterIP
`,
	}
	rec, err := engine.Synthesize(context.Background(), det)
	require.Error(t, err)
	assert.Nil(t, rec, "no partial record on exhaustion")

	var ex *ExhaustionError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, "det-2", ex.DetectionID)
	assert.Equal(t, 3, ex.Attempts, "two vendor attempts plus the rule fallback")
	assert.Len(t, ex.Errors, 3)
}

func TestSynthesize_HardenedFlagFromGuardrails(t *testing.T) {
	// Vendor proposes only the minimal fix; guardrails contribute the rest,
	// which must flip the hardened flag even for a vendor record.
	vendor := &scriptedStrategy{
		name:      "openai",
		responses: []func(Input) ([]guard.Op, error){func(Input) ([]guard.Op, error) { return validFix(), nil }},
	}
	engine := NewEngine(NewRuleTable(), vendor, Config{}, zerolog.Nop())

	rec, err := engine.Synthesize(context.Background(), privilegedDetection())
	require.NoError(t, err)
	assert.Equal(t, "openai", rec.Source)
	assert.True(t, rec.Hardened)
	assert.Greater(t, len(rec.Patch), 1, "guardrails extended the vendor patch")
}
