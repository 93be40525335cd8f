// Package detect defines the Detection input record and the external
// detector collaborator used by the rescan gate.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kubemend/kubemend/internal/policy"
)

// Detection is one reported policy violation against one manifest document.
// Produced by an external detector; read-only thereafter.
type Detection struct {
	ID            string `json:"id"`
	PolicyID      string `json:"policy_id"`
	ViolationText string `json:"violation_text"`
	ManifestYAML  string `json:"manifest_yaml,omitempty"`
	// ManifestPath is accepted as an alternative to inline YAML; LoadBatch
	// resolves it against a base directory.
	ManifestPath string `json:"manifest_path,omitempty"`
}

// LoadBatch reads a JSON array of detections from path. Records carrying
// only a manifest_path have the manifest read from baseDir.
func LoadBatch(path, baseDir string) ([]Detection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read detections file: %w", err)
	}

	var dets []Detection
	if err := json.Unmarshal(raw, &dets); err != nil {
		return nil, fmt.Errorf("parse detections file %s: %w", path, err)
	}

	for i := range dets {
		d := &dets[i]
		if d.ID == "" {
			return nil, fmt.Errorf("detection %d has no id", i)
		}
		if d.ManifestYAML != "" {
			continue
		}
		if d.ManifestPath == "" {
			return nil, fmt.Errorf("detection %s has neither manifest_yaml nor manifest_path", d.ID)
		}
		mp := d.ManifestPath
		if !filepath.IsAbs(mp) {
			mp = filepath.Join(baseDir, mp)
		}
		content, err := os.ReadFile(mp)
		if err != nil {
			return nil, fmt.Errorf("detection %s: read manifest: %w", d.ID, err)
		}
		d.ManifestYAML = string(content)
	}
	return dets, nil
}

// Finding is one violation reported by a detector run.
type Finding struct {
	PolicyID string `json:"policy_id"`
}

// Detector scans a manifest and reports which policies fire against it.
type Detector interface {
	Scan(ctx context.Context, manifestYAML string) ([]Finding, error)
}

// CommandDetector shells out to an external scanner binary that accepts a
// manifest file path and prints a JSON array of findings on stdout.
type CommandDetector struct {
	Bin     string
	Args    []string
	Timeout time.Duration
}

// Scan writes the manifest to a temp file and invokes the scanner with a
// fixed timeout. A missing binary surfaces as an error for the caller's
// strict/permissive policy to resolve; it is never a silent pass.
func (d *CommandDetector) Scan(ctx context.Context, manifestYAML string) ([]Finding, error) {
	if d.Bin == "" {
		return nil, fmt.Errorf("detector binary not configured")
	}
	if _, err := exec.LookPath(d.Bin); err != nil {
		return nil, fmt.Errorf("detector binary %q not found: %w", d.Bin, err)
	}

	tmp, err := os.CreateTemp("", "kubemend-rescan-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("create scan temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(manifestYAML); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write scan temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close scan temp file: %w", err)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, d.Args...), tmp.Name())
	out, err := exec.CommandContext(runCtx, d.Bin, args...).Output()
	if err != nil {
		// Scanners conventionally exit non-zero when findings exist; only
		// treat it as a failure when stdout carries no parseable report.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || len(strings.TrimSpace(string(out))) == 0 {
			return nil, fmt.Errorf("run detector %s: %w", d.Bin, err)
		}
	}

	var findings []Finding
	if err := json.Unmarshal(out, &findings); err != nil {
		return nil, fmt.Errorf("parse detector output: %w", err)
	}
	return findings, nil
}

// StillFires reports whether kind remains among the detector's findings for
// the patched manifest. Unrelated findings are tolerated; only the targeted
// policy matters.
func StillFires(ctx context.Context, d Detector, manifestYAML string, kind policy.Kind) (bool, error) {
	findings, err := d.Scan(ctx, manifestYAML)
	if err != nil {
		return false, err
	}
	for _, f := range findings {
		k, err := policy.Normalize(f.PolicyID)
		if err != nil {
			continue // findings for policies we do not remediate
		}
		if k == kind {
			return true, nil
		}
	}
	return false, nil
}
