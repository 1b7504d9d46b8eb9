package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
entries:
  - id: pdf-tool
    name: PDF Tool
    image: example/pdf-tool:1.0
    ports: [8080]
    env_defaults:
      MODE: standard
    env_mappings:
      theme: UI_THEME
    health_path: /health
    health_interval: 30s
    cpu_limit: "2"
    memory_limit: 4G
    tier: premium
    requires_gpu: true
    network_policy: isolated
    delivery_modes: [hosted, exported]
  - id: img-tool
    name: Image Tool
    image: example/img-tool:2.1
    ports: [9000, 9001]
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	r, err := LoadFile(writeCatalog(t, sampleCatalog))
	require.NoError(t, err)
	assert.Len(t, r.List(), 2)

	entry, err := r.Lookup("pdf-tool")
	require.NoError(t, err)
	assert.Equal(t, "example/pdf-tool:1.0", entry.Image)
	assert.Equal(t, []int{8080}, entry.Ports)
	assert.Equal(t, "UI_THEME", entry.EnvMappings["theme"])
	assert.Equal(t, "premium", entry.Tier)
	assert.True(t, entry.RequiresGPU)
	assert.Equal(t, "isolated", entry.NetworkPolicy)

	_, err = r.Lookup("missing")
	assert.Error(t, err)
}

func TestLoadFileErrors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		_, err := LoadFile(writeCatalog(t, "entries: [\n"))
		assert.Error(t, err)
	})

	t.Run("EntryWithoutID", func(t *testing.T) {
		_, err := LoadFile(writeCatalog(t, "entries:\n  - name: anonymous\n"))
		assert.Error(t, err)
	})
}

func TestSupportsDelivery(t *testing.T) {
	// 未声明交付方式时只支持托管
	bare := &Entry{ID: "bare"}
	assert.True(t, bare.SupportsDelivery("hosted"))
	assert.False(t, bare.SupportsDelivery("exported"))

	both := &Entry{ID: "both", DeliveryModes: []string{"hosted", "exported"}}
	assert.True(t, both.SupportsDelivery("exported"))
	assert.False(t, both.SupportsDelivery("carrier-pigeon"))
}
