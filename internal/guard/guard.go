// Package guard is the structural patch validator: it decides whether a
// JSON Patch applies cleanly to a manifest document, and applies it to an
// isolated copy when it does. Both synthesis and verification go through it;
// verification re-applies rather than trusting the synthesis-time check,
// because guardrail composition can extend a patch after that check ran.
package guard

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/kubemend/kubemend/internal/manifest"
)

// Op is a single RFC 6902 patch operation.
type Op struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// StructuralError reports a patch that does not apply: malformed operation,
// conflicting path, index out of range, or a failed test op. It names the
// offending operation.
type StructuralError struct {
	Index int
	Op    Op
	Err   error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("patch op %d (%s %s) does not apply: %v", e.Index, e.Op.Op, e.Op.Path, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Apply applies ops to an isolated copy of doc and returns the patched
// object. The input document is never mutated. Any failure is a
// *StructuralError naming the first operation that did not apply.
func Apply(doc map[string]interface{}, ops []Op) (map[string]interface{}, error) {
	raw, err := json.Marshal(manifest.DeepCopy(doc))
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	// Ops apply one at a time so a failure can be pinned to its operation;
	// RFC 6902 evaluation is sequential, so the result is identical to a
	// single DecodePatch over the whole list.
	for i, op := range ops {
		if err := checkShape(op); err != nil {
			return nil, &StructuralError{Index: i, Op: op, Err: err}
		}
		encoded, err := json.Marshal([]Op{op})
		if err != nil {
			return nil, &StructuralError{Index: i, Op: op, Err: err}
		}
		patch, err := jsonpatch.DecodePatch(encoded)
		if err != nil {
			return nil, &StructuralError{Index: i, Op: op, Err: err}
		}
		raw, err = patch.Apply(raw)
		if err != nil {
			return nil, &StructuralError{Index: i, Op: op, Err: err}
		}
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode patched manifest: %w", err)
	}
	return out, nil
}

// Validate reports whether ops apply cleanly to doc, discarding the result.
func Validate(doc map[string]interface{}, ops []Op) error {
	_, err := Apply(doc, ops)
	return err
}

func checkShape(op Op) error {
	switch op.Op {
	case "add", "replace", "test":
		// Value may legitimately be nil (JSON null), nothing to check.
	case "remove":
	case "move", "copy":
		if op.From == "" {
			return fmt.Errorf("%s op requires a from pointer", op.Op)
		}
	default:
		return fmt.Errorf("unknown patch op %q", op.Op)
	}
	if op.Path == "" && op.Op != "add" && op.Op != "replace" && op.Op != "test" {
		return fmt.Errorf("empty path")
	}
	return nil
}

// Equal compares two operations by structural equality of their canonical
// JSON encoding.
func Equal(a, b Op) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// Dedupe removes structurally equal duplicate operations, preserving first
// occurrence order.
func Dedupe(ops []Op) []Op {
	var out []Op
	for _, op := range ops {
		dup := false
		for _, kept := range out {
			if Equal(op, kept) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, op)
		}
	}
	return out
}
