package k8s

import (
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"
)

// LoadPodTemplate reads a PodTemplateSpec from a YAML or JSON file. Job pods start from it, so
// cluster-specific settings (runtimeClassName, tolerations, imagePullSecrets, extra labels)
// live outside the manager. The manager owns the containers, so the template must not set any.
func LoadPodTemplate(path string) (*corev1.PodTemplateSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pod template: %w", err)
	}
	return ParsePodTemplate(raw)
}

// ParsePodTemplate decodes a PodTemplateSpec document.
func ParsePodTemplate(raw []byte) (*corev1.PodTemplateSpec, error) {
	var tmpl corev1.PodTemplateSpec
	if err := yaml.UnmarshalStrict(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("invalid pod template: %w", err)
	}
	if len(tmpl.Spec.Containers) > 0 || len(tmpl.Spec.InitContainers) > 0 {
		return nil, fmt.Errorf("invalid pod template: containers are set by the manager")
	}
	return &tmpl, nil
}
