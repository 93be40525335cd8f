package verify

import (
	"fmt"
	"strings"

	"github.com/kubemend/kubemend/internal/manifest"
	"github.com/kubemend/kubemend/internal/policy"
	"github.com/kubemend/kubemend/internal/synth"
)

// predicate confirms the originally flagged condition is resolved in the
// patched object. Returns ok=false with a reason naming the first offender.
type predicate func(doc map[string]interface{}) (bool, string)

// predicates is the verifier-side counterpart of the rule table. Policies
// absent from it default to pass: structural application success is
// sufficient.
var predicates = map[policy.Kind]predicate{
	policy.NoPrivileged:            noPrivilegedResolved,
	policy.RunAsNonRoot:            runAsNonRootResolved,
	policy.DropCapabilities:        dropCapabilitiesResolved,
	policy.SetRequestsLimits:       requestsLimitsResolved,
	policy.NoLatestTag:             noLatestTagResolved,
	policy.DenyPrivilegeEscalation: privilegeEscalationResolved,
	policy.ReadOnlyRootFS:          readOnlyRootFSResolved,
	policy.NoSecretEnv:             noSecretEnvResolved,
	policy.DanglingService:         danglingServiceResolved,
	policy.HostNetwork:             hostFlagResolved("hostNetwork"),
	policy.HostPID:                 hostFlagResolved("hostPID"),
}

func containerSC(c map[string]interface{}) map[string]interface{} {
	sc, _ := c["securityContext"].(map[string]interface{})
	return sc
}

func noPrivilegedResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		if priv, _ := containerSC(ref.Container)["privileged"].(bool); priv {
			return false, fmt.Sprintf("container %q is still privileged", ref.Name)
		}
	}
	return true, ""
}

func runAsNonRootResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		sc := containerSC(ref.Container)
		if nonRoot, _ := sc["runAsNonRoot"].(bool); nonRoot {
			continue
		}
		if uid, ok := numeric(sc["runAsUser"]); ok && uid > 0 {
			continue
		}
		return false, fmt.Sprintf("container %q may still run as root", ref.Name)
	}
	return true, ""
}

func dropCapabilitiesResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		caps, _ := containerSC(ref.Container)["capabilities"].(map[string]interface{})
		drop := stringValues(caps["drop"])
		add := stringValues(caps["add"])

		if !hasString(drop, "ALL") {
			for _, dc := range synth.DangerousCapabilities {
				if !hasString(drop, dc) {
					return false, fmt.Sprintf("container %q does not drop %s", ref.Name, dc)
				}
			}
		}
		for _, a := range add {
			if hasString(synth.DangerousCapabilities, a) {
				return false, fmt.Sprintf("container %q still adds %s", ref.Name, a)
			}
		}
	}
	return true, ""
}

func requestsLimitsResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		res, _ := ref.Container["resources"].(map[string]interface{})
		for _, section := range []string{"requests", "limits"} {
			sec, _ := res[section].(map[string]interface{})
			for _, key := range []string{"cpu", "memory"} {
				if _, ok := sec[key]; !ok {
					return false, fmt.Sprintf("container %q missing %s.%s", ref.Name, section, key)
				}
			}
		}
	}
	return true, ""
}

func noLatestTagResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		image, _ := ref.Container["image"].(string)
		if image == "" || strings.Contains(image, "@") {
			continue
		}
		slash := strings.LastIndex(image, "/")
		colon := strings.LastIndex(image, ":")
		if colon <= slash {
			return false, fmt.Sprintf("container %q image %q has no tag", ref.Name, image)
		}
		if image[colon+1:] == "latest" {
			return false, fmt.Sprintf("container %q still uses the latest tag", ref.Name)
		}
	}
	return true, ""
}

func privilegeEscalationResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		sc := containerSC(ref.Container)
		v, exists := sc["allowPrivilegeEscalation"]
		if !exists {
			return false, fmt.Sprintf("container %q does not deny privilege escalation", ref.Name)
		}
		if allowed, _ := v.(bool); allowed {
			return false, fmt.Sprintf("container %q still allows privilege escalation", ref.Name)
		}
	}
	return true, ""
}

func readOnlyRootFSResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		if ro, _ := containerSC(ref.Container)["readOnlyRootFilesystem"].(bool); !ro {
			return false, fmt.Sprintf("container %q root filesystem is writable", ref.Name)
		}
	}
	return true, ""
}

func noSecretEnvResolved(doc map[string]interface{}) (bool, string) {
	for _, ref := range manifest.Containers(doc) {
		env, _ := ref.Container["env"].([]interface{})
		for _, entry := range env {
			m, _ := entry.(map[string]interface{})
			name, _ := m["name"].(string)
			if _, literal := m["value"]; literal && synth.SecretEnvName(name) {
				return false, fmt.Sprintf("container %q still carries secret env %q", ref.Name, name)
			}
		}
	}
	return true, ""
}

func danglingServiceResolved(doc map[string]interface{}) (bool, string) {
	if manifest.ResourceKind(doc) != "Service" {
		return false, "resource is not a Service"
	}
	spec, _ := doc["spec"].(map[string]interface{})
	if t, _ := spec["type"].(string); t != "ExternalName" {
		return false, "service type is not ExternalName"
	}
	if _, exists := spec["selector"]; exists {
		return false, "service still has a selector"
	}
	return true, ""
}

func hostFlagResolved(field string) predicate {
	return func(doc map[string]interface{}) (bool, string) {
		spec, _, ok := manifest.PodSpec(doc)
		if !ok {
			return false, "resource has no pod spec"
		}
		if set, _ := spec[field].(bool); set {
			return false, field + " is still enabled"
		}
		return true, ""
	}
}

func stringValues(v interface{}) []string {
	list, _ := v.([]interface{})
	var out []string
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func hasString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func numeric(v interface{}) (float64, bool) {
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
