// Package pipeline runs the detection → synthesis → verification flow over
// a batch. Each detection's pipeline is independent; failures surface as
// per-item records and never abort the rest of the batch.
package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kubemend/kubemend/internal/detect"
	"github.com/kubemend/kubemend/internal/policy"
	"github.com/kubemend/kubemend/internal/queue"
	"github.com/kubemend/kubemend/internal/synth"
	"github.com/kubemend/kubemend/internal/verify"
)

// ItemResult is the per-detection outcome. Error is set when synthesis
// failed fatally; Result is present whenever a patch record reached the
// verifier.
type ItemResult struct {
	ID     string             `json:"id"`
	Record *synth.PatchRecord `json:"record,omitempty"`
	Result *verify.Result     `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Report is a completed batch run, keyed by detection id. Workers complete
// out of submission order; callers re-key by id.
type Report struct {
	RunID   string                 `json:"run_id"`
	Results map[string]*ItemResult `json:"results"`
}

// Accepted returns the results whose verification accepted the patch, in no
// particular order.
func (r *Report) Accepted() []*ItemResult {
	var out []*ItemResult
	for _, item := range r.Results {
		if item.Result != nil && item.Result.Accepted() {
			out = append(out, item)
		}
	}
	return out
}

// Runner wires the synthesis engine and verifier into a bounded worker
// pool.
type Runner struct {
	engine   *synth.Engine
	verifier *verify.Verifier
	workers  int
	logger   zerolog.Logger
}

// NewRunner builds a runner. workers <= 0 defaults to 4.
func NewRunner(engine *synth.Engine, verifier *verify.Verifier, workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		engine:   engine,
		verifier: verifier,
		workers:  workers,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run processes every detection through synthesize-then-verify with a
// bounded number of concurrent workers. The only shared mutable state is
// the output accumulator.
func (r *Runner) Run(ctx context.Context, detections []detect.Detection) *Report {
	report := &Report{
		RunID:   uuid.NewString(),
		Results: make(map[string]*ItemResult, len(detections)),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, det := range detections {
		det := det
		g.Go(func() error {
			item := r.process(ctx, det)
			mu.Lock()
			report.Results[det.ID] = item
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; per-item failures live in the report.
	_ = g.Wait()

	r.logger.Info().
		Str("run_id", report.RunID).
		Int("detections", len(detections)).
		Int("accepted", len(report.Accepted())).
		Msg("Batch run complete")

	return report
}

func (r *Runner) process(ctx context.Context, det detect.Detection) *ItemResult {
	item := &ItemResult{ID: det.ID}

	rec, err := r.engine.Synthesize(ctx, det)
	if err != nil {
		item.Error = err.Error()
		r.logger.Warn().Str("id", det.ID).Err(err).Msg("Synthesis failed")
		return item
	}
	item.Record = rec
	item.Result = r.verifier.Verify(ctx, det, rec)
	return item
}

// RiskMeta overrides the scheduling inputs for one policy kind.
type RiskMeta struct {
	Risk         float64
	Probability  float64
	ExpectedTime float64
}

// Default scheduling inputs when no per-policy metadata is supplied.
const (
	defaultProbability  = 0.9
	defaultExpectedTime = 5 // minutes
)

// Candidates converts a report's accepted results into queue items, pulling
// risk and KEV classification from the policy tables unless overridden.
func Candidates(report *Report, overrides map[policy.Kind]RiskMeta) []queue.Item {
	var items []queue.Item
	for _, res := range report.Accepted() {
		kind, err := policy.Normalize(res.Record.PolicyID)
		if err != nil {
			continue // record carries a canonical id; cannot happen in practice
		}
		meta, ok := overrides[kind]
		if !ok {
			meta = RiskMeta{
				Risk:         float64(policy.DefaultRisk(kind)),
				Probability:  defaultProbability,
				ExpectedTime: defaultExpectedTime,
			}
		}
		item := queue.Item{
			PolicyID: res.Record.PolicyID,
			State:    queue.StateQueued,
		}
		item.ID = res.ID
		item.Risk = meta.Risk
		item.Probability = meta.Probability
		item.ExpectedTime = meta.ExpectedTime
		item.KEV = policy.IsKEV(kind)
		items = append(items, item)
	}
	return items
}
