package synth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kubemend/kubemend/internal/guard"
	"github.com/kubemend/kubemend/internal/manifest"
	"github.com/kubemend/kubemend/internal/policy"
)

// RuleFunc is a pure policy fix: given a manifest object it returns the
// ordered operations that resolve the policy, or a *PatchError when the
// manifest already satisfies it or the rule's precondition does not hold.
// Rules never mutate their input.
type RuleFunc func(doc map[string]interface{}) ([]guard.Op, error)

// RuleTable maps every canonical policy kind to its rule function. It is
// constructed once at process start and injected into the engine; there is
// no lazily initialized global.
type RuleTable struct {
	rules map[policy.Kind]RuleFunc
}

// NewRuleTable builds the dispatch table covering every policy kind.
func NewRuleTable() *RuleTable {
	return &RuleTable{rules: map[policy.Kind]RuleFunc{
		policy.NoPrivileged:            noPrivilegedRule,
		policy.RunAsNonRoot:            runAsNonRootRule,
		policy.DropCapabilities:        dropCapabilitiesRule,
		policy.SetRequestsLimits:       setRequestsLimitsRule,
		policy.NoLatestTag:             noLatestTagRule,
		policy.DenyPrivilegeEscalation: denyPrivilegeEscalationRule,
		policy.ReadOnlyRootFS:          readOnlyRootFSRule,
		policy.NoSecretEnv:             noSecretEnvRule,
		policy.DanglingService:         danglingServiceRule,
		policy.HostNetwork:             hostNetworkRule,
		policy.HostPID:                 hostPIDRule,
	}}
}

// Propose runs the rule for kind against doc.
func (t *RuleTable) Propose(kind policy.Kind, doc map[string]interface{}) ([]guard.Op, error) {
	rule, ok := t.rules[kind]
	if !ok {
		return nil, fmt.Errorf("no rule registered for policy %s", kind)
	}
	return rule(doc)
}

// DangerousCapabilities is the fixed capability set every container must
// drop and never add.
var DangerousCapabilities = []string{"NET_ADMIN", "NET_RAW", "SYS_ADMIN", "SYS_PTRACE"}

// Default resource literals for the requests/limits hygiene rule.
const (
	defaultRequestCPU    = "100m"
	defaultRequestMemory = "128Mi"
	defaultLimitCPU      = "500m"
	defaultLimitMemory   = "256Mi"
)

func securityContext(c map[string]interface{}) (map[string]interface{}, bool) {
	sc, ok := c["securityContext"].(map[string]interface{})
	return sc, ok
}

func noPrivilegedRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		sc, ok := securityContext(ref.Container)
		if !ok {
			continue
		}
		if priv, _ := sc["privileged"].(bool); priv {
			ops = append(ops, guard.Op{
				Op:    "replace",
				Path:  ref.Pointer + "/securityContext/privileged",
				Value: false,
			})
		}
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.NoPrivileged)
	}
	return ops, nil
}

func runAsNonRootRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		sc, hasSC := securityContext(ref.Container)
		if hasSC {
			if nonRoot, _ := sc["runAsNonRoot"].(bool); nonRoot {
				continue
			}
			if uid, ok := numberValue(sc["runAsUser"]); ok && uid > 0 {
				continue
			}
			op := "add"
			if _, exists := sc["runAsNonRoot"]; exists {
				op = "replace"
			}
			ops = append(ops, guard.Op{
				Op:    op,
				Path:  ref.Pointer + "/securityContext/runAsNonRoot",
				Value: true,
			})
			continue
		}
		ops = append(ops, guard.Op{
			Op:    "add",
			Path:  ref.Pointer + "/securityContext",
			Value: map[string]interface{}{"runAsNonRoot": true},
		})
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.RunAsNonRoot)
	}
	return ops, nil
}

func dropCapabilitiesRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		sc, hasSC := securityContext(ref.Container)
		var caps map[string]interface{}
		hasCaps := false
		if hasSC {
			caps, hasCaps = sc["capabilities"].(map[string]interface{})
		}

		drop := stringSlice(caps["drop"])
		add := stringSlice(caps["add"])

		newDrop := drop
		if !containsString(drop, "ALL") {
			for _, dc := range DangerousCapabilities {
				if !containsString(newDrop, dc) {
					newDrop = append(append([]string{}, newDrop...), dc)
				}
			}
		}
		var newAdd []string
		for _, a := range add {
			if !containsString(DangerousCapabilities, a) {
				newAdd = append(newAdd, a)
			}
		}

		dropChanged := len(newDrop) != len(drop)
		addChanged := len(newAdd) != len(add)
		if !dropChanged && !addChanged {
			continue
		}

		switch {
		case !hasSC:
			ops = append(ops, guard.Op{
				Op:   "add",
				Path: ref.Pointer + "/securityContext",
				Value: map[string]interface{}{
					"capabilities": capabilitiesValue(newDrop, newAdd),
				},
			})
		case !hasCaps:
			ops = append(ops, guard.Op{
				Op:    "add",
				Path:  ref.Pointer + "/securityContext/capabilities",
				Value: capabilitiesValue(newDrop, newAdd),
			})
		default:
			if dropChanged {
				op := "add"
				if _, exists := caps["drop"]; exists {
					op = "replace"
				}
				ops = append(ops, guard.Op{
					Op:    op,
					Path:  ref.Pointer + "/securityContext/capabilities/drop",
					Value: toInterfaceSlice(newDrop),
				})
			}
			if addChanged {
				if len(newAdd) == 0 {
					ops = append(ops, guard.Op{
						Op:   "remove",
						Path: ref.Pointer + "/securityContext/capabilities/add",
					})
				} else {
					ops = append(ops, guard.Op{
						Op:    "replace",
						Path:  ref.Pointer + "/securityContext/capabilities/add",
						Value: toInterfaceSlice(newAdd),
					})
				}
			}
		}
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.DropCapabilities)
	}
	return ops, nil
}

func capabilitiesValue(drop, add []string) map[string]interface{} {
	v := map[string]interface{}{"drop": toInterfaceSlice(drop)}
	if len(add) > 0 {
		v["add"] = toInterfaceSlice(add)
	}
	return v
}

func setRequestsLimitsRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		res, hasRes := ref.Container["resources"].(map[string]interface{})
		if !hasRes {
			ops = append(ops, guard.Op{
				Op:   "add",
				Path: ref.Pointer + "/resources",
				Value: map[string]interface{}{
					"requests": map[string]interface{}{"cpu": defaultRequestCPU, "memory": defaultRequestMemory},
					"limits":   map[string]interface{}{"cpu": defaultLimitCPU, "memory": defaultLimitMemory},
				},
			})
			continue
		}
		ops = append(ops, fillQuantities(ref.Pointer, res, "requests", defaultRequestCPU, defaultRequestMemory)...)
		ops = append(ops, fillQuantities(ref.Pointer, res, "limits", defaultLimitCPU, defaultLimitMemory)...)
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.SetRequestsLimits)
	}
	return ops, nil
}

func fillQuantities(pointer string, res map[string]interface{}, section, cpu, memory string) []guard.Op {
	sec, hasSec := res[section].(map[string]interface{})
	if !hasSec {
		if _, exists := res[section]; exists {
			// present but not a mapping; leave it for the schema gate
			return nil
		}
		return []guard.Op{{
			Op:    "add",
			Path:  pointer + "/resources/" + section,
			Value: map[string]interface{}{"cpu": cpu, "memory": memory},
		}}
	}
	var ops []guard.Op
	if _, ok := sec["cpu"]; !ok {
		ops = append(ops, guard.Op{Op: "add", Path: pointer + "/resources/" + section + "/cpu", Value: cpu})
	}
	if _, ok := sec["memory"]; !ok {
		ops = append(ops, guard.Op{Op: "add", Path: pointer + "/resources/" + section + "/memory", Value: memory})
	}
	return ops
}

func noLatestTagRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		image, _ := ref.Container["image"].(string)
		if image == "" {
			continue
		}
		fixed, changed := pinImageTag(image)
		if changed {
			ops = append(ops, guard.Op{Op: "replace", Path: ref.Pointer + "/image", Value: fixed})
		}
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.NoLatestTag)
	}
	return ops, nil
}

// pinImageTag rewrites an image with a latest or missing tag to ":stable".
// Digest references are already pinned and left alone.
func pinImageTag(image string) (string, bool) {
	if strings.Contains(image, "@") {
		return image, false
	}
	// A colon after the final slash is a tag; earlier colons belong to a
	// registry port.
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon <= slash {
		return image + ":stable", true
	}
	if image[colon+1:] == "latest" {
		return image[:colon] + ":stable", true
	}
	return image, false
}

func denyPrivilegeEscalationRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		sc, hasSC := securityContext(ref.Container)
		if hasSC {
			if v, exists := sc["allowPrivilegeEscalation"]; exists {
				if b, _ := v.(bool); !b {
					continue
				}
				ops = append(ops, guard.Op{
					Op:    "replace",
					Path:  ref.Pointer + "/securityContext/allowPrivilegeEscalation",
					Value: false,
				})
				continue
			}
			ops = append(ops, guard.Op{
				Op:    "add",
				Path:  ref.Pointer + "/securityContext/allowPrivilegeEscalation",
				Value: false,
			})
			continue
		}
		ops = append(ops, guard.Op{
			Op:    "add",
			Path:  ref.Pointer + "/securityContext",
			Value: map[string]interface{}{"allowPrivilegeEscalation": false},
		})
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.DenyPrivilegeEscalation)
	}
	return ops, nil
}

func readOnlyRootFSRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		sc, hasSC := securityContext(ref.Container)
		if hasSC {
			if ro, _ := sc["readOnlyRootFilesystem"].(bool); ro {
				continue
			}
			op := "add"
			if _, exists := sc["readOnlyRootFilesystem"]; exists {
				op = "replace"
			}
			ops = append(ops, guard.Op{
				Op:    op,
				Path:  ref.Pointer + "/securityContext/readOnlyRootFilesystem",
				Value: true,
			})
			continue
		}
		ops = append(ops, guard.Op{
			Op:    "add",
			Path:  ref.Pointer + "/securityContext",
			Value: map[string]interface{}{"readOnlyRootFilesystem": true},
		})
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.ReadOnlyRootFS)
	}
	return ops, nil
}

var secretEnvName = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|private[_-]?key|credential)`)

// SecretEnvName reports whether an env var name looks like it carries a
// secret. Shared with the verifier's policy predicate.
func SecretEnvName(name string) bool {
	return secretEnvName.MatchString(name)
}

// noSecretEnvRule removes env entries that carry secret-looking names with
// literal values. Entries wired through valueFrom references are the
// sanctioned pattern and stay.
func noSecretEnvRule(doc map[string]interface{}) ([]guard.Op, error) {
	var ops []guard.Op
	for _, ref := range manifest.Containers(doc) {
		env, _ := ref.Container["env"].([]interface{})
		// Remove back to front so earlier indices stay valid.
		for i := len(env) - 1; i >= 0; i-- {
			entry, ok := env[i].(map[string]interface{})
			if !ok {
				continue
			}
			name, _ := entry["name"].(string)
			_, literal := entry["value"]
			if literal && secretEnvName.MatchString(name) {
				ops = append(ops, guard.Op{
					Op:   "remove",
					Path: fmt.Sprintf("%s/env/%d", ref.Pointer, i),
				})
			}
		}
	}
	if len(ops) == 0 {
		return nil, noEdit(policy.NoSecretEnv)
	}
	return ops, nil
}

// danglingServiceRule converts a Service whose selector matches nothing into
// an ExternalName service: a whole-resource topology change, not a field
// tweak.
func danglingServiceRule(doc map[string]interface{}) ([]guard.Op, error) {
	if manifest.ResourceKind(doc) != "Service" {
		return nil, &PatchError{Kind: policy.DanglingService, Reason: "resource is not a Service"}
	}
	spec, ok := doc["spec"].(map[string]interface{})
	if !ok {
		return nil, &PatchError{Kind: policy.DanglingService, Reason: "service has no spec"}
	}
	if t, _ := spec["type"].(string); t == "ExternalName" {
		return nil, noEdit(policy.DanglingService)
	}

	var ops []guard.Op
	if _, exists := spec["type"]; exists {
		ops = append(ops, guard.Op{Op: "replace", Path: "/spec/type", Value: "ExternalName"})
	} else {
		ops = append(ops, guard.Op{Op: "add", Path: "/spec/type", Value: "ExternalName"})
	}
	for _, field := range []string{"selector", "ports", "clusterIP"} {
		if _, exists := spec[field]; exists {
			ops = append(ops, guard.Op{Op: "remove", Path: "/spec/" + field})
		}
	}
	name, _ := mapValue(doc, "metadata")["name"].(string)
	if name == "" {
		name = "service"
	}
	ops = append(ops, guard.Op{
		Op:    "add",
		Path:  "/spec/externalName",
		Value: name + ".external.invalid",
	})
	return ops, nil
}

func hostNetworkRule(doc map[string]interface{}) ([]guard.Op, error) {
	return podFlagRule(doc, policy.HostNetwork, "hostNetwork")
}

func hostPIDRule(doc map[string]interface{}) ([]guard.Op, error) {
	return podFlagRule(doc, policy.HostPID, "hostPID")
}

func podFlagRule(doc map[string]interface{}, kind policy.Kind, field string) ([]guard.Op, error) {
	spec, prefix, ok := manifest.PodSpec(doc)
	if !ok {
		return nil, &PatchError{Kind: kind, Reason: "resource has no pod spec"}
	}
	if set, _ := spec[field].(bool); !set {
		return nil, noEdit(kind)
	}
	return []guard.Op{{Op: "replace", Path: prefix + "/" + field, Value: false}}, nil
}

func mapValue(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func stringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
