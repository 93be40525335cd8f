// Package sched is the pure priority scoring discipline for accepted patch
// candidates: expected risk resolved per unit rollout time, plus an aging
// term against starvation and a flat boost for known-exploited classes.
package sched

import (
	"fmt"
	"sort"
)

// Candidate is the scheduler's view of one accepted patch.
type Candidate struct {
	ID string `json:"id"`
	// Risk is the 0-100 severity estimate attached per policy.
	Risk float64 `json:"risk"`
	// Probability is the expected acceptance likelihood, an efficiency
	// multiplier on risk.
	Probability float64 `json:"probability"`
	// ExpectedTime is the estimated rollout time in minutes.
	ExpectedTime float64 `json:"expected_time"`
	// Wait is elapsed queue time in hours, recomputed at selection time.
	Wait float64 `json:"wait"`
	// KEV marks a known-exploited-vulnerability-class policy.
	KEV bool `json:"kev"`
	// Explore is a reserved perturbation hook for bandit-style sweeps;
	// every current caller leaves it zero.
	Explore float64 `json:"explore"`
}

// Params are the scoring weights.
type Params struct {
	// Alpha weights the aging term.
	Alpha float64
	// KEVWeight is the flat boost for KEV-class candidates.
	KEVWeight float64
	// Epsilon floors the expected-time denominator so near-zero-latency
	// items cannot blow the ratio up.
	Epsilon float64
}

// DefaultParams returns the production weights.
func DefaultParams() Params {
	return Params{Alpha: 0.5, KEVWeight: 25, Epsilon: 0.1}
}

// Score computes (risk × probability) / max(expected_time, ε) + explore +
// α × wait + kev_weight × 1[kev].
func Score(c Candidate, p Params) float64 {
	et := c.ExpectedTime
	if et < p.Epsilon {
		et = p.Epsilon
	}
	s := c.Risk*c.Probability/et + c.Explore + p.Alpha*c.Wait
	if c.KEV {
		s += p.KEVWeight
	}
	return s
}

// Rank orders candidates by descending score. The sort is stable, so ties
// keep their original insertion order and the ordering is reproducible for
// a fixed input. The input slice is not mutated.
func Rank(candidates []Candidate, p Params) []Candidate {
	out := append([]Candidate{}, candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return Score(out[i], p) > Score(out[j], p)
	})
	return out
}

// FromMap decodes a candidate from a generic mapping, validating required
// fields. A missing expected_time is an error, never a silent default.
func FromMap(m map[string]interface{}) (Candidate, error) {
	var c Candidate

	id, _ := m["id"].(string)
	if id == "" {
		return c, fmt.Errorf("candidate has no id")
	}
	c.ID = id

	risk, ok := number(m["risk"])
	if !ok {
		return c, fmt.Errorf("candidate %s: risk is required", id)
	}
	c.Risk = risk

	prob, ok := number(m["probability"])
	if !ok {
		return c, fmt.Errorf("candidate %s: probability is required", id)
	}
	c.Probability = prob

	et, ok := number(m["expected_time"])
	if !ok {
		return c, fmt.Errorf("candidate %s: expected_time is required", id)
	}
	c.ExpectedTime = et

	if w, ok := number(m["wait"]); ok {
		c.Wait = w
	}
	if e, ok := number(m["explore"]); ok {
		c.Explore = e
	}
	if kev, ok := m["kev"].(bool); ok {
		c.KEV = kev
	}
	return c, nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
