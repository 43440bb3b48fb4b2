// Package cluster applies declarative resource state to the target
// namespace and drives deployments to a converged state. It is the only
// part of the pipeline permitted to mutate live cluster resources.
package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"
)

// Resource is one declarative resource specification parsed from a
// manifest document.
type Resource struct {
	APIVersion string
	Kind       string
	Name       string
	Namespace  string

	// doc is the original YAML document, re-serialized verbatim.
	doc []byte
}

// String identifies the resource for logs and apply results.
func (r Resource) String() string {
	if r.Namespace != "" {
		return fmt.Sprintf("%s/%s (%s)", r.Kind, r.Name, r.Namespace)
	}
	return fmt.Sprintf("%s/%s", r.Kind, r.Name)
}

// Doc returns the serialized YAML document for this resource.
func (r Resource) Doc() []byte { return r.doc }

// kindWeight orders resources so that scoping and configuration resources
// are applied before the workloads that reference them.
var kindWeight = map[string]int{
	"Namespace":      0,
	"ResourceQuota":  5,
	"LimitRange":     5,
	"ConfigMap":      10,
	"Secret":         10,
	"ServiceAccount": 20,
	"Role":           25,
	"RoleBinding":    26,
	"Deployment":     30,
	"StatefulSet":    30,
	"DaemonSet":      30,
	"Service":        40,
	"Ingress":        50,
}

func weightOf(kind string) int {
	if w, ok := kindWeight[kind]; ok {
		return w
	}
	return 60
}

// ParseResources decodes a multi-document YAML manifest into an ordered
// resource set. Documents keep their relative order within equal weights,
// so manifests that are already correctly ordered stay that way.
func ParseResources(data []byte) ([]Resource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var resources []Resource
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode manifest document: %w", err)
		}

		// Skip empty documents such as trailing separators.
		if node.Kind == 0 || (node.Kind == yaml.DocumentNode && len(node.Content) == 0) {
			continue
		}

		var meta struct {
			APIVersion string `yaml:"apiVersion"`
			Kind       string `yaml:"kind"`
			Metadata   struct {
				Name      string `yaml:"name"`
				Namespace string `yaml:"namespace"`
			} `yaml:"metadata"`
		}
		if err := node.Decode(&meta); err != nil {
			return nil, fmt.Errorf("failed to read resource metadata: %w", err)
		}
		if meta.Kind == "" || meta.Metadata.Name == "" {
			return nil, fmt.Errorf("manifest document missing kind or metadata.name")
		}

		doc, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("failed to re-serialize manifest document: %w", err)
		}

		resources = append(resources, Resource{
			APIVersion: meta.APIVersion,
			Kind:       meta.Kind,
			Name:       meta.Metadata.Name,
			Namespace:  meta.Metadata.Namespace,
			doc:        doc,
		})
	}

	if len(resources) == 0 {
		return nil, fmt.Errorf("manifest contains no resources")
	}

	sort.SliceStable(resources, func(i, j int) bool {
		return weightOf(resources[i].Kind) < weightOf(resources[j].Kind)
	})

	return resources, nil
}
