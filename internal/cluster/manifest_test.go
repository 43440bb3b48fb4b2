package cluster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
)

const multiDocManifest = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: notes-app
  namespace: notes
spec:
  replicas: 2
---
apiVersion: v1
kind: Namespace
metadata:
  name: notes
---
apiVersion: v1
kind: ConfigMap
metadata:
  name: notes-config
  namespace: notes
data:
  SPRING_PROFILES_ACTIVE: prod
---
apiVersion: v1
kind: Service
metadata:
  name: notes-app
  namespace: notes
`

func TestParseResources_OrdersByKind(t *testing.T) {
	resources, err := ParseResources([]byte(multiDocManifest))
	if err != nil {
		t.Fatalf("ParseResources failed: %v", err)
	}

	if len(resources) != 4 {
		t.Fatalf("Expected 4 resources, got %d", len(resources))
	}

	gotKinds := make([]string, len(resources))
	for i, r := range resources {
		gotKinds[i] = r.Kind
	}
	wantKinds := []string{"Namespace", "ConfigMap", "Deployment", "Service"}
	for i := range wantKinds {
		if gotKinds[i] != wantKinds[i] {
			t.Fatalf("Expected kind order %v, got %v", wantKinds, gotKinds)
		}
	}
}

func TestParseResources_PreservesDocumentContent(t *testing.T) {
	resources, err := ParseResources([]byte(multiDocManifest))
	if err != nil {
		t.Fatalf("ParseResources failed: %v", err)
	}

	for _, r := range resources {
		if r.Kind == "ConfigMap" {
			if !strings.Contains(string(r.Doc()), "SPRING_PROFILES_ACTIVE") {
				t.Errorf("ConfigMap document lost its data: %s", r.Doc())
			}
			if r.Namespace != "notes" {
				t.Errorf("Expected namespace 'notes', got %q", r.Namespace)
			}
		}
	}
}

func TestParseResources_SkipsEmptyDocuments(t *testing.T) {
	manifest := "---\napiVersion: v1\nkind: Namespace\nmetadata:\n  name: notes\n---\n"
	resources, err := ParseResources([]byte(manifest))
	if err != nil {
		t.Fatalf("ParseResources failed: %v", err)
	}
	if len(resources) != 1 {
		t.Errorf("Expected 1 resource, got %d", len(resources))
	}
}

func TestParseResources_Errors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"empty", ""},
		{"missing kind", "apiVersion: v1\nmetadata:\n  name: x\n"},
		{"missing name", "apiVersion: v1\nkind: ConfigMap\nmetadata: {}\n"},
		{"invalid yaml", "kind: [unclosed\n"},
	}
	for _, tt := range tests {
		if _, err := ParseResources([]byte(tt.manifest)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestResource_String(t *testing.T) {
	r := Resource{Kind: "Deployment", Name: "notes-app", Namespace: "notes"}
	if got := r.String(); got != "Deployment/notes-app (notes)" {
		t.Errorf("Unexpected resource string %q", got)
	}

	ns := Resource{Kind: "Namespace", Name: "notes"}
	if got := ns.String(); got != "Namespace/notes" {
		t.Errorf("Unexpected resource string %q", got)
	}
}

func TestRenderManifests(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "app.yaml.tmpl")
	tmpl := `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .AppName }}
  namespace: {{ .Namespace }}
spec:
  replicas: {{ .ReplicaCount }}
  template:
    spec:
      containers:
        - name: {{ .AppName }}
          image: {{ .Image }}
          resources:
            requests:
              cpu: {{ .Requests.CPU }}
              memory: {{ .Requests.Memory }}
`
	if err := os.WriteFile(tmplPath, []byte(tmpl), 0o644); err != nil {
		t.Fatalf("Failed to write template: %v", err)
	}

	data := RenderData{
		AppName:      "notes-app",
		Namespace:    "notes",
		Image:        "registry.example.com/notes/notes-app:42",
		ReplicaCount: 3,
		Requests:     config.ResourceSpec{CPU: "250m", Memory: "512Mi"},
	}

	resources, err := RenderManifests([]string{tmplPath}, data)
	if err != nil {
		t.Fatalf("RenderManifests failed: %v", err)
	}

	if len(resources) != 1 {
		t.Fatalf("Expected 1 resource, got %d", len(resources))
	}

	doc := string(resources[0].Doc())
	for _, want := range []string{"replicas: 3", "registry.example.com/notes/notes-app:42", "cpu: 250m"} {
		if !strings.Contains(doc, want) {
			t.Errorf("Rendered manifest missing %q:\n%s", want, doc)
		}
	}
}

func TestRenderManifests_MissingField(t *testing.T) {
	dir := t.TempDir()
	tmplPath := filepath.Join(dir, "bad.yaml.tmpl")
	if err := os.WriteFile(tmplPath, []byte("kind: {{ .NoSuchField }}\n"), 0o644); err != nil {
		t.Fatalf("Failed to write template: %v", err)
	}

	if _, err := RenderManifests([]string{tmplPath}, RenderData{}); err == nil {
		t.Fatal("Expected error for unknown template field")
	}
}
