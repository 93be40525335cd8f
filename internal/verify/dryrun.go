package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kubemend/kubemend/internal/manifest"
)

const dryRunFieldManager = "kubemend"

// DryRunChecker implements the schema gate with a server-side dry-run
// submission (server-side apply with DryRun=All) against the target
// cluster's API.
type DryRunChecker struct {
	dyn     dynamic.Interface
	mapper  *restmapper.DeferredDiscoveryRESTMapper
	timeout time.Duration
}

// NewDryRunChecker connects to the cluster named by kubeconfigPath and
// kubeContext. An empty path falls back to the default loading rules and
// then to in-cluster config.
func NewDryRunChecker(kubeconfigPath, kubeContext string, timeout time.Duration) (*DryRunChecker, error) {
	restCfg, err := buildRESTConfig(kubeconfigPath, kubeContext)
	if err != nil {
		return nil, err
	}

	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	disco, err := discovery.NewDiscoveryClientForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create discovery client: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DryRunChecker{
		dyn:     dyn,
		mapper:  restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco)),
		timeout: timeout,
	}, nil
}

// Check submits the manifest with DryRun=All. A rejection response is
// reported as ok=false with the server's message verbatim; transport-level
// failures surface as errors for the verifier's strict/permissive policy.
func (c *DryRunChecker) Check(ctx context.Context, manifestYAML string) (bool, string, error) {
	doc, err := manifest.FirstDocument(manifestYAML)
	if err != nil {
		return false, err.Error(), nil
	}
	obj := &unstructured.Unstructured{Object: doc}

	gvk := obj.GroupVersionKind()
	if gvk.Kind == "" {
		return false, "manifest has no kind", nil
	}
	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return false, "", fmt.Errorf("resolve %s: %w", gvk, err)
	}

	name := obj.GetName()
	if name == "" {
		return false, "manifest has no metadata.name", nil
	}

	ri := c.dyn.Resource(mapping.Resource)
	var target dynamic.ResourceInterface = ri
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		ns := obj.GetNamespace()
		if ns == "" {
			ns = "default"
		}
		target = ri.Namespace(ns)
	}

	data, err := json.Marshal(obj.Object)
	if err != nil {
		return false, "", fmt.Errorf("encode manifest: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	force := true
	_, err = target.Patch(callCtx, name, types.ApplyPatchType, data, metav1.PatchOptions{
		DryRun:       []string{metav1.DryRunAll},
		FieldManager: dryRunFieldManager,
		Force:        &force,
	})
	if err != nil {
		if callCtx.Err() != nil {
			return false, "", fmt.Errorf("dry-run timed out: %w", err)
		}
		// API rejections carry the admission/validation message; pass it
		// through untouched.
		return false, err.Error(), nil
	}
	return true, "", nil
}

// buildRESTConfig prefers an explicit kubeconfig, then the default loading
// rules, then in-cluster config.
func buildRESTConfig(kubeconfigPath, kubeContext string) (*rest.Config, error) {
	kubeconfigPath = strings.TrimSpace(kubeconfigPath)
	kubeContext = strings.TrimSpace(kubeContext)

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules = &clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}
	}
	overrides := &clientcmd.ConfigOverrides{}
	if kubeContext != "" {
		overrides.CurrentContext = kubeContext
	}

	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
	restCfg, err := cc.ClientConfig()
	if err == nil {
		return restCfg, nil
	}

	if inCluster, icErr := rest.InClusterConfig(); icErr == nil {
		return inCluster, nil
	}
	return nil, fmt.Errorf("load kubeconfig: %w", err)
}

// PassthroughChecker accepts every manifest. Used when the schema check is
// not required and no cluster is reachable; the detail string makes the
// pass-through explicit rather than disguising it as a real validation.
type PassthroughChecker struct{}

func (PassthroughChecker) Check(ctx context.Context, manifestYAML string) (bool, string, error) {
	return true, "schema check skipped (no cluster configured)", nil
}
