package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tooldock/tooldock/internal/catalog"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
	"github.com/tooldock/tooldock/internal/orchestrator/runtime"
)

// GenerateCompose renders a docker compose document for the instance. The
// same document serves the hosted path (stored on the record, survives a
// queued daemon) and the exported bundle.
func GenerateCompose(entry *catalog.Entry, inst *model.Instance) string {
	service := map[string]any{
		"image":          entry.Image,
		"container_name": runtime.ContainerName(inst),
		"restart":        "unless-stopped",
	}

	var portMappings []string
	for i, cp := range entry.Ports {
		portMappings = append(portMappings, fmt.Sprintf("%d:%d", inst.Port+i, cp))
	}
	if len(portMappings) > 0 {
		service["ports"] = portMappings
	}

	if len(inst.Env) > 0 {
		keys := make([]string, 0, len(inst.Env))
		for k := range inst.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+inst.Env[k])
		}
		service["environment"] = env
	}

	if len(entry.Volumes) > 0 {
		service["volumes"] = entry.Volumes
	}
	if entry.CPULimit != "" {
		service["cpus"] = runtime.ParseCPUs(entry.CPULimit)
	}
	if entry.MemoryLimit != "" {
		service["mem_limit"] = strings.ToLower(entry.MemoryLimit)
	}
	if entry.HealthPath != "" && len(entry.Ports) > 0 {
		service["healthcheck"] = map[string]any{
			"test":     []string{"CMD-SHELL", fmt.Sprintf("curl -fsS http://localhost:%d%s || exit 1", entry.Ports[0], entry.HealthPath)},
			"interval": runtime.ParseInterval(entry.HealthInterval).String(),
			"retries":  3,
		}
	}
	if entry.NetworkPolicy == "isolated" {
		service["network_mode"] = "none"
	}

	doc := map[string]any{
		"services": map[string]any{
			serviceName(entry): service,
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(out)
}

func serviceName(entry *catalog.Entry) string {
	name := strings.ToLower(entry.ID)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}

// generateBundle builds the self-hosting bundle and, when an export directory
// is configured, writes it to disk under <dir>/<instance-id>/.
func (e *Engine) generateBundle(entry *catalog.Entry, inst *model.Instance, format string) (*model.ExportBundle, error) {
	bundle := &model.ExportBundle{
		Format:      format,
		Files:       map[string]string{},
		GeneratedAt: time.Now(),
	}

	switch format {
	case "compose", "":
		bundle.Format = "compose"
		bundle.Files["docker-compose.yml"] = GenerateCompose(entry, inst)
		bundle.Files[".env"] = renderEnvFile(inst.Env)
		bundle.Instructions = fmt.Sprintf(
			"Run `docker compose up -d` in this directory. %s will listen on port %d.",
			entry.Name, inst.Port)
	case "kubernetes":
		manifest, err := renderKubernetesManifests(entry, inst)
		if err != nil {
			return nil, err
		}
		bundle.Files["manifests.yaml"] = manifest
		bundle.Instructions = "Run `kubectl apply -f manifests.yaml`."
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}

	if e.cfg.ExportDir != "" {
		dir := filepath.Join(e.cfg.ExportDir, inst.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create export directory: %w", err)
		}
		for name, content := range bundle.Files {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("failed to write export file %s: %w", name, err)
			}
		}
	}
	return bundle, nil
}

// Export generates (or regenerates) a self-hosting bundle for an existing
// instance and records it.
func (e *Engine) Export(ctx context.Context, id, format string) (*model.ExportBundle, error) {
	unlock := e.lockInstance(id)
	defer unlock()
	inst, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	entry, err := e.catalog.Lookup(inst.CatalogID)
	if err != nil {
		return nil, err
	}
	bundle, err := e.generateBundle(entry, inst, format)
	if err != nil {
		return nil, err
	}
	inst.Export = bundle
	e.persist(ctx, inst)
	return bundle, nil
}

func renderEnvFile(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	return b.String()
}

func renderKubernetesManifests(entry *catalog.Entry, inst *model.Instance) (string, error) {
	name := serviceName(entry)
	labels := map[string]string{"app": name, "tooldock.instance": inst.ID}

	container := map[string]any{
		"name":  name,
		"image": entry.Image,
	}
	var containerPorts []map[string]any
	for _, cp := range entry.Ports {
		containerPorts = append(containerPorts, map[string]any{"containerPort": cp})
	}
	if len(containerPorts) > 0 {
		container["ports"] = containerPorts
	}
	if len(inst.Env) > 0 {
		keys := make([]string, 0, len(inst.Env))
		for k := range inst.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var envList []map[string]any
		for _, k := range keys {
			envList = append(envList, map[string]any{"name": k, "value": inst.Env[k]})
		}
		container["env"] = envList
	}

	deployment := map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]any{"name": name, "labels": labels},
		"spec": map[string]any{
			"replicas": inst.Replicas,
			"selector": map[string]any{"matchLabels": map[string]string{"app": name}},
			"template": map[string]any{
				"metadata": map[string]any{"labels": labels},
				"spec":     map[string]any{"containers": []any{container}},
			},
		},
	}

	var servicePorts []map[string]any
	for _, cp := range entry.Ports {
		servicePorts = append(servicePorts, map[string]any{"port": cp, "targetPort": cp})
	}
	svc := map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]any{"name": name, "labels": labels},
		"spec": map[string]any{
			"selector": map[string]string{"app": name},
			"ports":    servicePorts,
		},
	}

	dep, err := yaml.Marshal(deployment)
	if err != nil {
		return "", err
	}
	sv, err := yaml.Marshal(svc)
	if err != nil {
		return "", err
	}
	return string(dep) + "---\n" + string(sv), nil
}
