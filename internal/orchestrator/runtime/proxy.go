package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

// GenerateProxyConfig renders the per-instance nginx server block routing the
// instance's domain (or a path-based fallback) to its host port.
func GenerateProxyConfig(inst *model.Instance) string {
	serverName := inst.Domain
	if serverName == "" {
		serverName = fmt.Sprintf("%s.localhost", ContainerName(inst))
	}
	return fmt.Sprintf(`server {
    listen 80;
    server_name %s;

    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
    }
}
`, serverName, inst.Port)
}

func (d *DockerRuntime) proxyConfPath(instanceID string) string {
	return filepath.Join(d.proxyDir, instanceID+".conf")
}

// DeployProxyConfig writes the instance's reverse-proxy configuration file.
func (d *DockerRuntime) DeployProxyConfig(inst *model.Instance) error {
	if d.proxyDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.proxyDir, 0o755); err != nil {
		return fmt.Errorf("failed to create proxy conf dir: %w", err)
	}
	conf := inst.ProxyConfig
	if conf == "" {
		conf = GenerateProxyConfig(inst)
	}
	if err := os.WriteFile(d.proxyConfPath(inst.ID), []byte(conf), 0o644); err != nil {
		return fmt.Errorf("failed to write proxy config: %w", err)
	}
	return nil
}

// RemoveProxyConfig deletes the instance's reverse-proxy configuration file.
// A missing file is success.
func (d *DockerRuntime) RemoveProxyConfig(instanceID string) error {
	if d.proxyDir == "" {
		return nil
	}
	if err := os.Remove(d.proxyConfPath(instanceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove proxy config: %w", err)
	}
	return nil
}
