package cluster

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
)

// RenderData is the value set available to manifest templates.
type RenderData struct {
	AppName      string
	Namespace    string
	Image        string
	ReplicaCount int
	Requests     config.ResourceSpec
	Limits       config.ResourceSpec
}

// NewRenderData assembles template data from the pipeline configuration
// and the image reference being deployed.
func NewRenderData(cfg *config.PipelineConfig, image string) RenderData {
	return RenderData{
		AppName:      cfg.AppName,
		Namespace:    cfg.Namespace,
		Image:        image,
		ReplicaCount: cfg.ReplicaCount,
		Requests:     cfg.ResourceRequests,
		Limits:       cfg.ResourceLimits,
	}
}

// RenderManifests renders each manifest template file and parses the
// combined output into an ordered resource set. Unknown template fields
// fail rendering rather than producing an empty value in live state.
func RenderManifests(paths []string, data RenderData) ([]Resource, error) {
	var combined bytes.Buffer

	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
		}

		tmpl, err := template.New(filepath.Base(path)).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest template %s: %w", path, err)
		}

		if combined.Len() > 0 {
			combined.WriteString("\n---\n")
		}
		if err := tmpl.Execute(&combined, data); err != nil {
			return nil, fmt.Errorf("failed to render manifest %s: %w", path, err)
		}
	}

	resources, err := ParseResources(combined.Bytes())
	if err != nil {
		return nil, fmt.Errorf("rendered manifests are invalid: %w", err)
	}

	return resources, nil
}
