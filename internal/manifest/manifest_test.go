package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const podYAML = `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: app
    image: nginx:1.25
  initContainers:
  - name: setup
    image: busybox:1.36
`

const deploymentYAML = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  template:
    spec:
      containers:
      - name: app
        image: nginx:1.25
`

func TestFirstDocument(t *testing.T) {
	doc, err := FirstDocument(podYAML)
	require.NoError(t, err)
	assert.Equal(t, "Pod", ResourceKind(doc))
}

func TestFirstDocument_MultiDoc(t *testing.T) {
	multi := "---\n" + podYAML + "\n---\n" + deploymentYAML
	doc, err := FirstDocument(multi)
	require.NoError(t, err)
	assert.Equal(t, "Pod", ResourceKind(doc))
}

func TestFirstDocument_SkipsEmptyLeadingDocs(t *testing.T) {
	doc, err := FirstDocument("---\n# just a comment\n---\n" + deploymentYAML)
	require.NoError(t, err)
	assert.Equal(t, "Deployment", ResourceKind(doc))
}

func TestFirstDocument_Empty(t *testing.T) {
	_, err := FirstDocument("")
	assert.Error(t, err)
}

func TestFirstDocument_NotAMapping(t *testing.T) {
	_, err := FirstDocument("- just\n- a\n- list\n")
	assert.Error(t, err)
}

func TestPodSpec_Pointers(t *testing.T) {
	pod, err := FirstDocument(podYAML)
	require.NoError(t, err)
	_, pointer, ok := PodSpec(pod)
	require.True(t, ok)
	assert.Equal(t, "/spec", pointer)

	dep, err := FirstDocument(deploymentYAML)
	require.NoError(t, err)
	_, pointer, ok = PodSpec(dep)
	require.True(t, ok)
	assert.Equal(t, "/spec/template/spec", pointer)
}

func TestPodSpec_NonWorkload(t *testing.T) {
	doc, err := FirstDocument("apiVersion: v1\nkind: Service\nmetadata:\n  name: svc\nspec:\n  type: ClusterIP\n")
	require.NoError(t, err)
	_, _, ok := PodSpec(doc)
	assert.False(t, ok)
}

func TestContainers_IncludesInitContainers(t *testing.T) {
	doc, err := FirstDocument(podYAML)
	require.NoError(t, err)

	refs := Containers(doc)
	require.Len(t, refs, 2)
	assert.Equal(t, "/spec/containers/0", refs[0].Pointer)
	assert.Equal(t, "app", refs[0].Name)
	assert.False(t, refs[0].Init)
	assert.Equal(t, "/spec/initContainers/0", refs[1].Pointer)
	assert.True(t, refs[1].Init)
}

func TestDeepCopy_Isolated(t *testing.T) {
	doc, err := FirstDocument(podYAML)
	require.NoError(t, err)

	cp := DeepCopy(doc)
	cp["kind"] = "Mutated"
	assert.Equal(t, "Pod", ResourceKind(doc))
}
