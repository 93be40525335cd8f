// Package verify runs accepted-candidate screening: a four-gate acceptance
// pipeline (policy, safety, schema, rescan) over the patched copy of a
// manifest. Gate failures are recorded, never retried here; retrying with a
// different patch is the caller's job.
package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kubemend/kubemend/internal/detect"
	"github.com/kubemend/kubemend/internal/guard"
	"github.com/kubemend/kubemend/internal/manifest"
	"github.com/kubemend/kubemend/internal/policy"
	"github.com/kubemend/kubemend/internal/synth"
)

// SchemaChecker submits a patched manifest for server-side validation.
// ok=false carries the rejection detail verbatim; a non-nil error means the
// collaborator itself was unavailable.
type SchemaChecker interface {
	Check(ctx context.Context, manifestYAML string) (ok bool, detail string, err error)
}

// Rescanner re-runs the external detector against the patched manifest.
type Rescanner interface {
	StillFires(ctx context.Context, manifestYAML string, kind policy.Kind) (bool, error)
}

// Config selects optional gates and the collaborator-unavailable policy.
type Config struct {
	// RequireSchema makes an unavailable schema collaborator a gate
	// failure (strict mode). When false, unavailability passes the gate
	// with a recorded note (permissive mode). Never a silent success: the
	// detail string always says what happened.
	RequireSchema bool
	// Rescan enables the rescan gate when a rescanner is configured.
	Rescan bool
}

// Verifier evaluates candidate patches. Stateless apart from injected
// collaborators; safe for concurrent use.
type Verifier struct {
	schema SchemaChecker
	rescan Rescanner
	cfg    Config
	logger zerolog.Logger
}

// New builds a verifier. schema may be nil (treated as unavailable and
// resolved by the strict/permissive policy); rescan may be nil, which
// disables the rescan gate regardless of Config.Rescan.
func New(schema SchemaChecker, rescan Rescanner, cfg Config, logger zerolog.Logger) *Verifier {
	return &Verifier{
		schema: schema,
		rescan: rescan,
		cfg:    cfg,
		logger: logger.With().Str("component", "verify").Logger(),
	}
}

// Verify applies the candidate patch to an isolated copy of the detection's
// manifest and runs all four gates. Load and apply failures short-circuit as
// rejected with a single structural error; once the patch applies, every
// gate always runs so the result carries the complete diagnostic picture.
func (v *Verifier) Verify(ctx context.Context, det detect.Detection, rec *synth.PatchRecord) *Result {
	start := time.Now()
	res := &Result{ID: det.ID}
	defer func() {
		res.LatencyMS = time.Since(start).Milliseconds()
		v.logger.Debug().
			Str("id", det.ID).
			Bool("accepted", res.Accepted()).
			Bool("ok_policy", res.OKPolicy).
			Bool("ok_safety", res.OKSafety).
			Bool("ok_schema", res.OKSchema).
			Bool("ok_rescan", res.OKRescan).
			Msg("Verified patch")
	}()

	kind, err := policy.Normalize(rec.PolicyID)
	if err != nil {
		res.fail("policy", err.Error())
		return res
	}

	base, err := manifest.FirstDocument(det.ManifestYAML)
	if err != nil {
		res.fail("structural", err.Error())
		return res
	}

	patched, err := guard.Apply(base, rec.Patch)
	if err != nil {
		res.fail("structural", err.Error())
		return res
	}

	// Policy gate: the flagged condition must be resolved in the patched
	// object. Policies without a predicate pass on structural success.
	res.OKPolicy = true
	if pred, ok := predicates[kind]; ok {
		if ok, reason := pred(patched); !ok {
			res.OKPolicy = false
			res.fail("policy", reason)
		}
	}

	// Safety gate: policy-agnostic invariants that must never regress.
	res.OKSafety = true
	if ok, reason := safetyInvariants(patched, kind); !ok {
		res.OKSafety = false
		res.fail("safety", reason)
	}

	if res.OKPolicy && res.OKSafety {
		res.PatchedManifest = patched
	}

	patchedYAML, yamlErr := manifest.ToYAML(patched)
	if yamlErr != nil {
		res.fail("structural", yamlErr.Error())
		return res
	}

	res.OKSchema = v.schemaGate(ctx, res, patchedYAML)
	res.OKRescan = v.rescanGate(ctx, res, patchedYAML, kind)

	if res.Accepted() {
		res.PatchedYAML = patchedYAML
	}
	return res
}

func (v *Verifier) schemaGate(ctx context.Context, res *Result, patchedYAML string) bool {
	if v.schema == nil {
		if v.cfg.RequireSchema {
			res.fail("schema", "schema checker required but not configured")
			return false
		}
		return true
	}

	kubectlStart := time.Now()
	ok, detail, err := v.schema.Check(ctx, patchedYAML)
	res.KubectlMS = time.Since(kubectlStart).Milliseconds()

	if err != nil {
		if v.cfg.RequireSchema {
			res.fail("schema", "checker unavailable: "+err.Error())
			return false
		}
		v.logger.Warn().Err(err).Msg("Schema checker unavailable, passing gate in permissive mode")
		return true
	}
	if !ok {
		res.fail("schema", detail)
		return false
	}
	return true
}

func (v *Verifier) rescanGate(ctx context.Context, res *Result, patchedYAML string, kind policy.Kind) bool {
	// Defaults to pass when rescanning is disabled.
	if v.rescan == nil || !v.cfg.Rescan {
		return true
	}
	fires, err := v.rescan.StillFires(ctx, patchedYAML, kind)
	if err != nil {
		res.fail("rescan", "detector unavailable: "+err.Error())
		return false
	}
	if fires {
		res.fail("rescan", "policy "+string(kind)+" still fires against the patched manifest")
		return false
	}
	return true
}

// safetyInvariants checks the policy-agnostic hard floor: every container
// keeps a non-empty image and none may end up privileged. Resource-shaped
// policies whose targets carry no containers are exempt via the allow-list.
func safetyInvariants(doc map[string]interface{}, kind policy.Kind) (bool, string) {
	if policy.SafetyExempt(kind) {
		return true, ""
	}
	containers := manifest.Containers(doc)
	if len(containers) == 0 {
		return false, "manifest has no containers and the policy is not resource-shaped"
	}
	for _, ref := range containers {
		image, _ := ref.Container["image"].(string)
		if image == "" {
			return false, "container " + ref.Name + " lost its image"
		}
		if priv, _ := containerSC(ref.Container)["privileged"].(bool); priv {
			return false, "container " + ref.Name + " ended up privileged"
		}
	}
	return true, ""
}
