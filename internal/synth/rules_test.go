package synth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/kubemend/kubemend/internal/guard"
	"github.com/kubemend/kubemend/internal/manifest"
	"github.com/kubemend/kubemend/internal/policy"
)

func boolPtr(b bool) *bool { return &b }

// privilegedPodDoc builds a Pod with a privileged container and no resource
// requirements, going through the real API types and YAML round-trip.
func privilegedPodDoc(t *testing.T) map[string]interface{} {
	t.Helper()
	pod := corev1.Pod{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{Name: "web"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:            "app",
				Image:           "nginx:1.25",
				SecurityContext: &corev1.SecurityContext{Privileged: boolPtr(true)},
			}},
		},
	}
	raw, err := yaml.Marshal(pod)
	require.NoError(t, err)
	doc, err := manifest.FirstDocument(string(raw))
	require.NoError(t, err)
	return doc
}

func mustDoc(t *testing.T, text string) map[string]interface{} {
	t.Helper()
	doc, err := manifest.FirstDocument(text)
	require.NoError(t, err)
	return doc
}

func TestNoPrivilegedRule(t *testing.T) {
	doc := privilegedPodDoc(t)

	ops, err := noPrivilegedRule(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "replace", ops[0].Op)
	assert.Equal(t, "/spec/containers/0/securityContext/privileged", ops[0].Path)
	assert.Equal(t, false, ops[0].Value)

	patched, err := guard.Apply(doc, ops)
	require.NoError(t, err)

	// The rule against the patched manifest must find nothing left to fix.
	_, err = noPrivilegedRule(patched)
	var pe *PatchError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "no applicable edit", pe.Reason)
}

func TestNoLatestTagRule_AndAlreadySatisfied(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:latest
`)

	ops, err := noLatestTagRule(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "nginx:stable", ops[0].Value)

	patched, err := guard.Apply(doc, ops)
	require.NoError(t, err)

	_, err = noLatestTagRule(patched)
	var pe *PatchError
	require.True(t, errors.As(err, &pe), "patched manifest satisfies the policy")
}

func TestNoLatestTagRule_UntaggedAndRegistryPort(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: a
    image: registry.local:5000/team/app
  - name: b
    image: registry.local:5000/team/app:v1.2
`)
	ops, err := noLatestTagRule(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1, "only the untagged image needs pinning")
	assert.Equal(t, "/spec/containers/0/image", ops[0].Path)
	assert.Equal(t, "registry.local:5000/team/app:stable", ops[0].Value)
}

func TestDanglingServiceRule(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Service
metadata:
  name: orphan
spec:
  type: ClusterIP
  clusterIP: 10.0.0.12
  selector:
    app: missing
  ports:
  - port: 80
`)

	ops, err := danglingServiceRule(doc)
	require.NoError(t, err)

	patched, err := guard.Apply(doc, ops)
	require.NoError(t, err)

	spec := patched["spec"].(map[string]interface{})
	assert.Equal(t, "ExternalName", spec["type"])
	assert.NotContains(t, spec, "selector")
	assert.NotContains(t, spec, "ports")
	assert.NotContains(t, spec, "clusterIP")
	assert.Equal(t, "orphan.external.invalid", spec["externalName"])
}

func TestDanglingServiceRule_Precondition(t *testing.T) {
	doc := privilegedPodDoc(t)
	_, err := danglingServiceRule(doc)
	var pe *PatchError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "resource is not a Service", pe.Reason)
}

func TestSetRequestsLimitsRule_PartialResources(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:1.25
    resources:
      requests:
        memory: 64Mi
`)

	ops, err := setRequestsLimitsRule(doc)
	require.NoError(t, err)

	patched, err := guard.Apply(doc, ops)
	require.NoError(t, err)

	res := manifest.Containers(patched)[0].Container["resources"].(map[string]interface{})
	requests := res["requests"].(map[string]interface{})
	limits := res["limits"].(map[string]interface{})
	assert.Equal(t, "100m", requests["cpu"])
	assert.Equal(t, "64Mi", requests["memory"], "existing values are preserved")
	assert.Equal(t, "500m", limits["cpu"])
	assert.Equal(t, "256Mi", limits["memory"])
}

func TestDropCapabilitiesRule(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:1.25
    securityContext:
      capabilities:
        add: ["SYS_ADMIN", "CHOWN"]
        drop: ["MKNOD"]
`)

	ops, err := dropCapabilitiesRule(doc)
	require.NoError(t, err)

	patched, err := guard.Apply(doc, ops)
	require.NoError(t, err)

	caps := manifest.Containers(patched)[0].Container["securityContext"].(map[string]interface{})["capabilities"].(map[string]interface{})
	drop := caps["drop"].([]interface{})
	add := caps["add"].([]interface{})
	for _, dc := range DangerousCapabilities {
		assert.Contains(t, drop, dc)
	}
	assert.Contains(t, drop, "MKNOD", "existing drops stay")
	assert.Equal(t, []interface{}{"CHOWN"}, add, "dangerous adds are stripped")
}

func TestDropCapabilitiesRule_DropAllSatisfies(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:1.25
    securityContext:
      capabilities:
        drop: ["ALL"]
`)
	_, err := dropCapabilitiesRule(doc)
	var pe *PatchError
	require.True(t, errors.As(err, &pe))
}

func TestNoSecretEnvRule_RemovesLiteralSecrets(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:1.25
    env:
    - name: LOG_LEVEL
      value: debug
    - name: DB_PASSWORD
      value: hunter2
    - name: API_TOKEN
      valueFrom:
        secretKeyRef:
          name: creds
          key: token
`)

	ops, err := noSecretEnvRule(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1, "valueFrom references are the sanctioned pattern")
	assert.Equal(t, "remove", ops[0].Op)
	assert.Equal(t, "/spec/containers/0/env/1", ops[0].Path)

	patched, err := guard.Apply(doc, ops)
	require.NoError(t, err)
	env := manifest.Containers(patched)[0].Container["env"].([]interface{})
	assert.Len(t, env, 2)
}

func TestHostNetworkRule(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  hostNetwork: true
  containers:
  - name: app
    image: nginx:1.25
`)
	ops, err := hostNetworkRule(doc)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "/spec/hostNetwork", ops[0].Path)
	assert.Equal(t, false, ops[0].Value)
}

// Single-field policies must stay within a small operation bound before
// guardrail composition.
func TestRules_MinimalityBound(t *testing.T) {
	doc := privilegedPodDoc(t)
	table := NewRuleTable()

	for _, kind := range []policy.Kind{policy.NoPrivileged, policy.NoLatestTag, policy.DenyPrivilegeEscalation} {
		ops, err := table.Propose(kind, doc)
		if err != nil {
			continue // not applicable to this fixture
		}
		assert.LessOrEqual(t, len(ops), 5, "policy %s", kind)
	}
}

func TestRules_DoNotMutateInput(t *testing.T) {
	doc := privilegedPodDoc(t)
	before, err := manifest.ToYAML(doc)
	require.NoError(t, err)

	table := NewRuleTable()
	for _, kind := range policy.Kinds() {
		_, _ = table.Propose(kind, doc)
	}

	after, err := manifest.ToYAML(doc)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHarden_ComposesGuardrails(t *testing.T) {
	doc := privilegedPodDoc(t)
	table := NewRuleTable()

	primary, err := table.Propose(policy.NoPrivileged, doc)
	require.NoError(t, err)

	all, contributed, err := table.Harden(policy.NoPrivileged, doc, primary)
	require.NoError(t, err)
	assert.True(t, contributed)
	assert.Greater(t, len(all), len(primary))

	// The cumulative patch must still apply cleanly to the base manifest.
	patched, err := guard.Apply(doc, all)
	require.NoError(t, err)

	// Guardrails hardened beyond the flagged violation: resource limits
	// appeared even though the detected violation was privilege.
	c := manifest.Containers(patched)[0].Container
	res, ok := c["resources"].(map[string]interface{})
	require.True(t, ok, "resource-limit guardrail contributed")
	assert.Contains(t, res, "requests")
	assert.Contains(t, res, "limits")

	// Each added operation satisfied its own guardrail: re-proposing any
	// guardrail against the final state finds nothing.
	for _, kind := range guardrailOrder {
		if kind == policy.NoPrivileged {
			continue
		}
		_, err := table.Propose(kind, patched)
		var pe *PatchError
		assert.True(t, errors.As(err, &pe), "guardrail %s satisfied after composition", kind)
	}
}

func TestHarden_SkipsPrimaryPolicy(t *testing.T) {
	doc := mustDoc(t, `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:latest
`)
	table := NewRuleTable()

	primary, err := table.Propose(policy.NoLatestTag, doc)
	require.NoError(t, err)

	all, _, err := table.Harden(policy.NoLatestTag, doc, primary)
	require.NoError(t, err)

	// Exactly one image edit: the primary one. The latest-tag guardrail
	// skipped itself.
	imageOps := 0
	for _, op := range all {
		if op.Path == "/spec/containers/0/image" {
			imageOps++
		}
	}
	assert.Equal(t, 1, imageOps)
}

// Accepted add/replace patches are idempotent: re-applying to the patched
// manifest changes nothing.
func TestHarden_IdempotentReapply(t *testing.T) {
	doc := privilegedPodDoc(t)
	table := NewRuleTable()

	primary, err := table.Propose(policy.NoPrivileged, doc)
	require.NoError(t, err)
	all, _, err := table.Harden(policy.NoPrivileged, doc, primary)
	require.NoError(t, err)

	once, err := guard.Apply(doc, all)
	require.NoError(t, err)
	twice, err := guard.Apply(once, all)
	require.NoError(t, err)

	onceYAML, err := manifest.ToYAML(once)
	require.NoError(t, err)
	twiceYAML, err := manifest.ToYAML(twice)
	require.NoError(t, err)
	assert.Equal(t, onceYAML, twiceYAML)
}
