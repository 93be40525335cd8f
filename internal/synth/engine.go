// Package synth maps detections to patch records: a policy-keyed rule
// dispatch selects a primary edit, an optional vendor strategy can propose
// one instead, and a guardrail composer pushes every accepted patch toward a
// hardened baseline beyond the single flagged violation.
package synth

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kubemend/kubemend/internal/detect"
	"github.com/kubemend/kubemend/internal/guard"
	"github.com/kubemend/kubemend/internal/manifest"
	"github.com/kubemend/kubemend/internal/policy"
)

// PatchRecord is the finalized synthesis output for one detection. It is
// immutable once returned; the verifier re-validates rather than trusting
// the synthesis-time structural check.
type PatchRecord struct {
	ID            string     `json:"id"`
	PolicyID      string     `json:"policy_id"`
	Source        string     `json:"source"`
	Hardened      bool       `json:"hardened"`
	Patch         []guard.Op `json:"patch"`
	AttemptErrors []string   `json:"attempt_errors,omitempty"`
	SynthesizedAt time.Time  `json:"-"`
}

// Config bounds the synthesis retry loop.
type Config struct {
	// MaxAttempts bounds strategy invocations per detection. Default 3.
	MaxAttempts int
	// FeedbackWindow is how many recent failure messages are embedded into
	// a retry's input. Default 3.
	FeedbackWindow int
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FeedbackWindow <= 0 {
		c.FeedbackWindow = 3
	}
}

// Engine synthesizes patch records. All lookup tables are injected at
// construction; the engine holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	rules  *RuleTable
	vendor Strategy // nil when the rule engine is the primary strategy
	cfg    Config
	logger zerolog.Logger
}

// NewEngine builds a synthesis engine. vendor may be nil, in which case the
// deterministic rule strategy is primary.
func NewEngine(rules *RuleTable, vendor Strategy, cfg Config, logger zerolog.Logger) *Engine {
	cfg.normalize()
	return &Engine{
		rules:  rules,
		vendor: vendor,
		cfg:    cfg,
		logger: logger.With().Str("component", "synth").Logger(),
	}
}

// attemptState is the retry loop's explicit state: attempting carries the
// accumulated failure feedback, and the loop moves to success or exhaustion
// within the configured bound.
type attemptState struct {
	n      int
	errors []string
}

func (a *attemptState) feedback(window int) []string {
	if len(a.errors) <= window {
		return a.errors
	}
	return a.errors[len(a.errors)-window:]
}

// Synthesize maps one detection to a patch record. Failure is fatal for the
// detection: either a record with a structurally valid patch is returned, or
// an error, never a partial record.
func (e *Engine) Synthesize(ctx context.Context, det detect.Detection) (*PatchRecord, error) {
	kind, err := policy.Normalize(det.PolicyID)
	if err != nil {
		return nil, err
	}
	doc, err := manifest.FirstDocument(det.ManifestYAML)
	if err != nil {
		return nil, err
	}

	primary := e.primaryStrategy()
	ops, source, state := e.attempt(ctx, primary, det, kind, doc)

	// When the vendor strategy exhausts its attempts, the rule engine's
	// deterministic proposal is the fallback before giving up.
	if ops == nil && !primary.Deterministic() {
		fallback := &RuleStrategy{Table: e.rules}
		fbOps, fbSource, fbState := e.attempt(ctx, fallback, det, kind, doc)
		state.errors = append(state.errors, fbState.errors...)
		state.n += fbState.n
		if fbOps != nil {
			ops, source = fbOps, fbSource
		}
	}

	if ops == nil {
		return nil, &ExhaustionError{
			DetectionID: det.ID,
			Attempts:    state.n,
			Errors:      state.errors,
		}
	}

	final, contributed, err := e.rules.Harden(kind, doc, ops)
	if err != nil {
		return nil, err
	}
	if err := guard.Validate(doc, final); err != nil {
		return nil, err
	}

	rec := &PatchRecord{
		ID:            det.ID,
		PolicyID:      string(kind),
		Source:        source,
		Hardened:      contributed || source == "rules",
		Patch:         final,
		AttemptErrors: state.errors,
		SynthesizedAt: time.Now(),
	}

	e.logger.Debug().
		Str("id", det.ID).
		Str("policy", string(kind)).
		Str("source", source).
		Bool("hardened", rec.Hardened).
		Int("ops", len(final)).
		Int("attempts", state.n).
		Msg("Synthesized patch")

	return rec, nil
}

func (e *Engine) primaryStrategy() Strategy {
	if e.vendor != nil {
		return e.vendor
	}
	return &RuleStrategy{Table: e.rules}
}

// attempt runs the bounded retry loop for one strategy. It returns the
// first structurally valid proposal, or nil ops with the accumulated
// failure state. Deterministic strategies get a single attempt.
func (e *Engine) attempt(ctx context.Context, strat Strategy, det detect.Detection, kind policy.Kind, doc map[string]interface{}) ([]guard.Op, string, attemptState) {
	bound := e.cfg.MaxAttempts
	if strat.Deterministic() {
		bound = 1
	}

	var state attemptState
	for state.n < bound {
		state.n++
		in := Input{
			Detection: det,
			Kind:      kind,
			Doc:       doc,
			Feedback:  state.feedback(e.cfg.FeedbackWindow),
		}
		ops, err := strat.Propose(ctx, in)
		if err != nil {
			state.errors = append(state.errors, err.Error())
			continue
		}
		if err := guard.Validate(doc, ops); err != nil {
			state.errors = append(state.errors, err.Error())
			continue
		}
		return ops, strat.Name(), state
	}
	return nil, "", state
}
