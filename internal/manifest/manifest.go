// Package manifest parses Kubernetes manifest documents and locates the pod
// spec and containers inside arbitrary workload shapes.
package manifest

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/yaml"
)

// FirstDocument parses the first non-empty YAML document in text into a
// generic mapping. It fails on empty input and on documents that are not
// mappings (scalars, sequences).
func FirstDocument(text string) (map[string]interface{}, error) {
	for _, doc := range splitDocuments(text) {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		var obj map[string]interface{}
		if err := yaml.Unmarshal([]byte(doc), &obj); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		if obj == nil {
			continue
		}
		return obj, nil
	}
	return nil, fmt.Errorf("manifest contains no document mapping")
}

func splitDocuments(text string) []string {
	// YAML document separators only count at the start of a line.
	lines := strings.Split(text, "\n")
	var docs []string
	var cur []string
	for _, line := range lines {
		if line == "---" || strings.HasPrefix(line, "--- ") {
			docs = append(docs, strings.Join(cur, "\n"))
			cur = cur[:0]
			continue
		}
		cur = append(cur, line)
	}
	docs = append(docs, strings.Join(cur, "\n"))
	return docs
}

// ToYAML renders a manifest object back to YAML.
func ToYAML(doc map[string]interface{}) (string, error) {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render manifest: %w", err)
	}
	return string(out), nil
}

// DeepCopy returns an isolated copy of a manifest object. All mutation in
// the pipeline happens on copies; the base document is never touched.
func DeepCopy(doc map[string]interface{}) map[string]interface{} {
	return runtime.DeepCopyJSON(doc)
}

// ResourceKind returns the manifest's kind field, or "" when absent.
func ResourceKind(doc map[string]interface{}) string {
	kind, _ := doc["kind"].(string)
	return kind
}

// podSpecPointer maps workload kinds to the JSON Pointer prefix of their pod
// spec.
var podSpecPointer = map[string]string{
	"Pod":                   "/spec",
	"Deployment":            "/spec/template/spec",
	"StatefulSet":           "/spec/template/spec",
	"DaemonSet":             "/spec/template/spec",
	"ReplicaSet":            "/spec/template/spec",
	"ReplicationController": "/spec/template/spec",
	"Job":                   "/spec/template/spec",
	"CronJob":               "/spec/jobTemplate/spec/template/spec",
}

// PodSpec locates the pod spec within a workload manifest. It returns the
// spec mapping and its JSON Pointer prefix, or ok=false when the resource
// kind carries no pod spec or the path is absent.
func PodSpec(doc map[string]interface{}) (spec map[string]interface{}, pointer string, ok bool) {
	prefix, known := podSpecPointer[ResourceKind(doc)]
	if !known {
		return nil, "", false
	}
	cur := interface{}(doc)
	for _, seg := range strings.Split(strings.TrimPrefix(prefix, "/"), "/") {
		m, isMap := cur.(map[string]interface{})
		if !isMap {
			return nil, "", false
		}
		cur = m[seg]
	}
	spec, ok = cur.(map[string]interface{})
	return spec, prefix, ok
}

// ContainerRef is one container inside a pod spec, addressed by the JSON
// Pointer prefix of its entry.
type ContainerRef struct {
	// Pointer is the JSON Pointer to this container entry, e.g.
	// "/spec/template/spec/containers/0".
	Pointer string
	// Name is the container name, "" when unset.
	Name string
	// Init marks entries from initContainers.
	Init bool
	// Container is the live mapping inside the document; callers that need
	// isolation must DeepCopy the whole document first.
	Container map[string]interface{}
}

// Containers enumerates containers and initContainers of a workload
// manifest in document order. Resources without a pod spec yield nil.
func Containers(doc map[string]interface{}) []ContainerRef {
	spec, prefix, ok := PodSpec(doc)
	if !ok {
		return nil
	}

	var refs []ContainerRef
	for _, field := range []struct {
		key  string
		init bool
	}{{"containers", false}, {"initContainers", true}} {
		list, _ := spec[field.key].([]interface{})
		for i, entry := range list {
			c, isMap := entry.(map[string]interface{})
			if !isMap {
				continue
			}
			name, _ := c["name"].(string)
			refs = append(refs, ContainerRef{
				Pointer:   fmt.Sprintf("%s/%s/%d", prefix, field.key, i),
				Name:      name,
				Init:      field.init,
				Container: c,
			})
		}
	}
	return refs
}
