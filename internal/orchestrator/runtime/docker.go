package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tooldock/tooldock/internal/catalog"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

const (
	managedLabel  = "tooldock.managed"
	instanceLabel = "tooldock.instance"
	tenantLabel   = "tooldock.tenant"
)

// ContainerState is the subset of docker inspect the orchestrator cares about.
type ContainerState struct {
	Running     bool
	Healthy     bool
	StartedAt   time.Time
	Uptime      time.Duration
	MemoryBytes int64
}

// ManagedContainer is one entry from listing containers tagged as managed by
// this system.
type ManagedContainer struct {
	ContainerID string
	Name        string
	InstanceID  string
	Running     bool
}

// DockerRuntime drives a single-node docker daemon through the docker CLI.
// It holds no business rules: every operation is idempotent with respect to
// "already stopped" / "already removed" / "no such container" outcomes so the
// decommission cascade stays safely retryable.
type DockerRuntime struct {
	callTimeout time.Duration
	httpClient  *http.Client
	proxyDir    string
}

// NewDockerRuntime returns a runtime adapter with the given per-call daemon
// timeout and reverse-proxy config directory.
func NewDockerRuntime(callTimeout time.Duration, proxyDir string) *DockerRuntime {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &DockerRuntime{
		callTimeout: callTimeout,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		proxyDir:    proxyDir,
	}
}

// CheckAvailability ensures the docker CLI and daemon are reachable.
func (d *DockerRuntime) CheckAvailability(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker command not found in PATH")
	}
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return fmt.Errorf("docker daemon is not running or not accessible: %w", err)
	}
	return nil
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("docker %s: %w: %s", args[0], err, out)
	}
	return out, nil
}

// isAbsentError reports whether a docker error means the container is already
// gone or already stopped. Those outcomes are success for our callers.
func isAbsentError(out string) bool {
	low := strings.ToLower(out)
	return strings.Contains(low, "no such container") ||
		strings.Contains(low, "is not running") ||
		strings.Contains(low, "already stopped")
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// ContainerName derives a deterministic container name from the instance's
// sanitized name so repeated operations target the same container without
// remembering an opaque id.
func ContainerName(inst *model.Instance) string {
	name := strings.ToLower(inst.Name)
	name = nameSanitizer.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "instance"
	}
	short := inst.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("tooldock-%s-%s", name, short)
}

// PullImage pulls the catalog entry's image.
func (d *DockerRuntime) PullImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "pull", image); err != nil {
		return fmt.Errorf("image pull failed: %w", err)
	}
	return nil
}

// StartContainer creates and starts the container for an instance and returns
// the container id. Port publishing maps the instance's block onto the
// entry's declared container ports in order.
func (d *DockerRuntime) StartContainer(ctx context.Context, entry *catalog.Entry, inst *model.Instance) (string, error) {
	name := ContainerName(inst)
	args := []string{
		"run", "-d",
		"--name", name,
		"--restart", "unless-stopped",
		"--label", managedLabel + "=true",
		"--label", instanceLabel + "=" + inst.ID,
		"--label", tenantLabel + "=" + inst.TenantID,
	}

	cpus := ParseCPUs(entry.CPULimit)
	memBytes := ParseMemoryBytes(entry.MemoryLimit)
	args = append(args,
		"--cpus", fmt.Sprintf("%g", cpus),
		"--memory", fmt.Sprintf("%db", memBytes),
	)

	containerPorts := entry.Ports
	if len(containerPorts) == 0 {
		containerPorts = []int{8080}
	}
	for i, cp := range containerPorts {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", inst.Port+i, cp))
	}
	for k, v := range inst.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, vol := range entry.Volumes {
		args = append(args, "-v", vol)
	}
	if entry.NetworkPolicy == "isolated" {
		args = append(args, "--network", "none")
	}
	args = append(args, entry.Image)

	out, err := d.run(ctx, args...)
	if err != nil {
		// a stale container with the same name blocks the run; remove and retry once
		if strings.Contains(strings.ToLower(out), "is already in use") {
			if rmErr := d.RemoveContainer(ctx, name); rmErr == nil {
				out, err = d.run(ctx, args...)
			}
		}
		if err != nil {
			return "", fmt.Errorf("container start failed: %w", err)
		}
	}
	containerID := strings.TrimSpace(out)
	if containerID == "" {
		return "", fmt.Errorf("docker run returned empty container id")
	}
	return containerID, nil
}

// StopContainer stops by name. Already-stopped and absent containers are
// treated as success.
func (d *DockerRuntime) StopContainer(ctx context.Context, name string) error {
	out, err := d.run(ctx, "stop", name)
	if err != nil && !isAbsentError(out) {
		return fmt.Errorf("container stop failed: %w", err)
	}
	return nil
}

// RestartContainer restarts by name.
func (d *DockerRuntime) RestartContainer(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "restart", name); err != nil {
		return fmt.Errorf("container restart failed: %w", err)
	}
	return nil
}

// RemoveContainer force-removes by name. Absent containers are success.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, name string) error {
	out, err := d.run(ctx, "rm", "-f", name)
	if err != nil && !isAbsentError(out) {
		return fmt.Errorf("container remove failed: %w", err)
	}
	return nil
}

// dockerInspect is the subset of docker inspect JSON we decode.
type dockerInspect struct {
	State struct {
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
		Health    *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
	HostConfig struct {
		Memory int64 `json:"Memory"`
	} `json:"HostConfig"`
}

// Inspect returns the container's running/health/uptime/memory view. An
// absent container inspects as not running, not an error.
func (d *DockerRuntime) Inspect(ctx context.Context, name string) (ContainerState, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{json .}}", name)
	if err != nil {
		if isAbsentError(out) {
			return ContainerState{}, nil
		}
		return ContainerState{}, fmt.Errorf("container inspect failed: %w", err)
	}
	var raw dockerInspect
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return ContainerState{}, fmt.Errorf("failed to decode inspect output: %w", err)
	}
	st := ContainerState{
		Running:     raw.State.Running,
		MemoryBytes: raw.HostConfig.Memory,
	}
	if raw.State.Health != nil {
		st.Healthy = raw.State.Health.Status == "healthy"
	} else {
		st.Healthy = raw.State.Running
	}
	if t, err := time.Parse(time.RFC3339Nano, raw.State.StartedAt); err == nil {
		st.StartedAt = t
		if st.Running {
			st.Uptime = time.Since(t)
		}
	}
	return st, nil
}

// ListManaged lists all containers tagged as managed by this system,
// including stopped ones.
func (d *DockerRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	out, err := d.run(ctx, "ps", "-a",
		"--filter", "label="+managedLabel+"=true",
		"--format", "{{.ID}}\t{{.Names}}\t{{.State}}\t{{.Label \""+instanceLabel+"\"}}")
	if err != nil {
		return nil, fmt.Errorf("container list failed: %w", err)
	}
	var list []ManagedContainer
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 4 {
			log.Warn().Str("line", line).Msg("unexpected docker ps output line")
			continue
		}
		list = append(list, ManagedContainer{
			ContainerID: parts[0],
			Name:        parts[1],
			Running:     parts[2] == "running",
			InstanceID:  parts[3],
		})
	}
	return list, nil
}

// ProbeHealth issues one HTTP GET against the instance's health endpoint over
// loopback. Any 2xx/3xx is healthy.
func (d *DockerRuntime) ProbeHealth(ctx context.Context, port int, path string) error {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health probe status %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls the health endpoint with bounded retries and a fixed
// interval. It reports whether the endpoint ever turned healthy.
func (d *DockerRuntime) WaitHealthy(ctx context.Context, port int, path string, attempts int, interval time.Duration) bool {
	if attempts <= 0 {
		attempts = 10
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	for i := 0; i < attempts; i++ {
		if err := d.ProbeHealth(ctx, port, path); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}
