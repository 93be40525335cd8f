// Package policy defines the closed set of remediable policy kinds and the
// normalisation of raw scanner rule ids onto it.
package policy

import (
	"fmt"
	"strings"
	"sync"
)

// Kind is a canonical policy identifier. Scanners report the same violation
// under many raw names; everything downstream keys off Kind, never off the
// raw string.
type Kind string

const (
	NoPrivileged            Kind = "no_privileged"
	RunAsNonRoot            Kind = "run_as_non_root"
	DropCapabilities        Kind = "drop_capabilities"
	SetRequestsLimits       Kind = "set_requests_limits"
	NoLatestTag             Kind = "no_latest_tag"
	DenyPrivilegeEscalation Kind = "deny_privilege_escalation"
	ReadOnlyRootFS          Kind = "read_only_root_fs"
	NoSecretEnv             Kind = "no_secret_env"
	DanglingService         Kind = "dangling_service"
	HostNetwork             Kind = "host_network"
	HostPID                 Kind = "host_pid"
)

// Kinds lists every canonical policy kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		NoPrivileged,
		RunAsNonRoot,
		DropCapabilities,
		SetRequestsLimits,
		NoLatestTag,
		DenyPrivilegeEscalation,
		ReadOnlyRootFS,
		NoSecretEnv,
		DanglingService,
		HostNetwork,
		HostPID,
	}
}

// UnknownPolicyError reports a raw policy id with no canonical mapping.
// Unknown ids are rejected at normalisation time; nothing downstream should
// ever see one.
type UnknownPolicyError struct {
	Raw string
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("unknown policy id: %q", e.Raw)
}

// synonyms maps folded raw ids (lowercase, separators collapsed to '-') to
// canonical kinds. Covers the rule names emitted by kube-linter, kubescape,
// checkov and trivy for the policies we can fix.
var synonyms = map[string]Kind{
	"no-privileged":               NoPrivileged,
	"privileged-container":        NoPrivileged,
	"privileged-containers":       NoPrivileged,
	"privileged":                  NoPrivileged,
	"privilege":                   NoPrivileged,
	"run-as-non-root":             RunAsNonRoot,
	"runasnonroot":                RunAsNonRoot,
	"non-root-containers":         RunAsNonRoot,
	"run-as-root":                 RunAsNonRoot,
	"container-runs-as-root":      RunAsNonRoot,
	"drop-capabilities":           DropCapabilities,
	"drop-net-raw-capability":     DropCapabilities,
	"dangerous-capabilities":      DropCapabilities,
	"linux-hardening":             DropCapabilities,
	"minimize-added-capabilities": DropCapabilities,
	"set-requests-limits":         SetRequestsLimits,
	"unset-cpu-requirements":      SetRequestsLimits,
	"unset-memory-requirements":   SetRequestsLimits,
	"resource-limits":             SetRequestsLimits,
	"resources-limits":            SetRequestsLimits,
	"missing-resource-limits":     SetRequestsLimits,
	"no-latest-tag":               NoLatestTag,
	"latest-tag":                  NoLatestTag,
	"image-tag-latest":            NoLatestTag,
	"deny-privilege-escalation":   DenyPrivilegeEscalation,
	"privilege-escalation":        DenyPrivilegeEscalation,
	"allow-privilege-escalation":  DenyPrivilegeEscalation,
	"no-allow-privilege-escalation": DenyPrivilegeEscalation,
	"read-only-root-fs":             ReadOnlyRootFS,
	"readonly-rootfs":               ReadOnlyRootFS,
	"no-read-only-root-fs":          ReadOnlyRootFS,
	"immutable-container-filesystem": ReadOnlyRootFS,
	"no-secret-env":                  NoSecretEnv,
	"secret-in-env":                  NoSecretEnv,
	"secrets-in-env-vars":            NoSecretEnv,
	"env-var-secret":                 NoSecretEnv,
	"dangling-service":               DanglingService,
	"dangling-services":              DanglingService,
	"service-without-selector-match": DanglingService,
	"host-network":                   HostNetwork,
	"hostnetwork":                    HostNetwork,
	"host-pid":                       HostPID,
	"hostpid":                        HostPID,
}

// normalizeCache memoizes fold+lookup results. Normalisation is called once
// per detection and once per rescan finding, often with the same raw ids.
var normalizeCache sync.Map // string -> Kind

// Normalize maps a raw scanner policy id to its canonical Kind. Canonical
// ids map to themselves. The mapping is pure and memoized.
func Normalize(raw string) (Kind, error) {
	if v, ok := normalizeCache.Load(raw); ok {
		return v.(Kind), nil
	}

	folded := fold(raw)
	kind, ok := synonyms[folded]
	if !ok {
		// Canonical ids use underscores; accept them directly.
		for _, k := range Kinds() {
			if folded == fold(string(k)) {
				kind, ok = k, true
				break
			}
		}
	}
	if !ok {
		return "", &UnknownPolicyError{Raw: raw}
	}

	normalizeCache.Store(raw, kind)
	return kind, nil
}

func fold(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

// defaultRisk is the 0-100 severity estimate attached to each policy when
// the caller supplies no per-detection override.
var defaultRisk = map[Kind]int{
	NoPrivileged:            90,
	RunAsNonRoot:            70,
	DropCapabilities:        75,
	SetRequestsLimits:       40,
	NoLatestTag:             35,
	DenyPrivilegeEscalation: 80,
	ReadOnlyRootFS:          55,
	NoSecretEnv:             65,
	DanglingService:         25,
	HostNetwork:             85,
	HostPID:                 85,
}

// DefaultRisk returns the default severity estimate for a policy kind.
func DefaultRisk(k Kind) int {
	if r, ok := defaultRisk[k]; ok {
		return r
	}
	return 50
}

// kevKinds marks policy classes tied to known-exploited-vulnerability
// patterns. Candidates in these classes get a flat scheduling boost.
var kevKinds = map[Kind]bool{
	NoPrivileged:            true,
	DenyPrivilegeEscalation: true,
	HostPID:                 true,
}

// IsKEV reports whether the policy belongs to a known-exploited-vulnerability
// class.
func IsKEV(k Kind) bool {
	return kevKinds[k]
}

// safetyExempt lists policies whose target resources carry no containers
// (bare Services and the like), exempting them from the container safety
// invariants.
var safetyExempt = map[Kind]bool{
	DanglingService: true,
}

// SafetyExempt reports whether the policy targets a resource shape without
// containers.
func SafetyExempt(k Kind) bool {
	return safetyExempt[k]
}
