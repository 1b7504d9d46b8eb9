package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tooldock/tooldock/internal/catalog"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
	"github.com/tooldock/tooldock/internal/orchestrator/ports"
	"github.com/tooldock/tooldock/internal/store"
)

func TestGenerateCompose(t *testing.T) {
	entry := testEntry()
	entry.Volumes = []string{"pdfdata:/data"}
	entry.CPULimit = "2"
	entry.NetworkPolicy = "isolated"
	inst := &model.Instance{
		ID:   "abcdef1234567890",
		Name: "my tool",
		Port: 20000,
		Env:  map[string]string{"MODE": "standard", "UI_THEME": "dark"},
	}

	raw := GenerateCompose(entry, inst)
	require.NotEmpty(t, raw)

	// 输出必须是合法的 YAML 并包含关键字段
	var doc struct {
		Services map[string]map[string]any `yaml:"services"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(raw), &doc))
	svc, ok := doc.Services["pdf-tool"]
	require.True(t, ok)
	assert.Equal(t, "example/pdf-tool:1.0", svc["image"])
	assert.Contains(t, svc["ports"], "20000:8080")
	assert.Contains(t, svc["environment"], "UI_THEME=dark")
	assert.Equal(t, "none", svc["network_mode"])
	assert.NotNil(t, svc["healthcheck"])
}

func TestExportFormats(t *testing.T) {
	newEngine := func(t *testing.T, exportDir string) *Engine {
		st, err := store.NewFileStore(t.TempDir(), t.TempDir())
		require.NoError(t, err)
		alloc, err := ports.NewAllocator(20000, 20099, 10, st)
		require.NoError(t, err)
		cat := catalog.NewRegistry()
		cat.Add(testEntry())
		eng, err := New(Config{
			HealthPollAttempts: 1,
			HealthPollInterval: time.Millisecond,
			ExportDir:          exportDir,
		}, cat, alloc, &fakeRuntime{healthy: true}, st, nil, nil, nil, nil)
		require.NoError(t, err)
		return eng
	}

	t.Run("KubernetesFormat", func(t *testing.T) {
		eng := newEngine(t, "")
		result, err := eng.SpinUp(context.Background(), SpinUpRequest{
			CatalogID: "pdf-tool", TenantID: "t", Name: "x",
		})
		require.NoError(t, err)

		bundle, err := eng.Export(context.Background(), result.Instance.ID, "kubernetes")
		require.NoError(t, err)
		assert.Equal(t, "kubernetes", bundle.Format)
		manifest := bundle.Files["manifests.yaml"]
		assert.Contains(t, manifest, "kind: Deployment")
		assert.Contains(t, manifest, "kind: Service")
		assert.Contains(t, manifest, "example/pdf-tool:1.0")
	})

	t.Run("UnsupportedFormat", func(t *testing.T) {
		eng := newEngine(t, "")
		result, err := eng.SpinUp(context.Background(), SpinUpRequest{
			CatalogID: "pdf-tool", TenantID: "t", Name: "x",
		})
		require.NoError(t, err)

		_, err = eng.Export(context.Background(), result.Instance.ID, "floppy-disk")
		assert.Error(t, err)
	})

	t.Run("BundleWrittenToDisk", func(t *testing.T) {
		exportDir := t.TempDir()
		eng := newEngine(t, exportDir)
		result, err := eng.SpinUp(context.Background(), SpinUpRequest{
			CatalogID: "pdf-tool", TenantID: "t", Name: "x",
			DeliveryMode: model.DeliveryExported,
		})
		require.NoError(t, err)

		dir := filepath.Join(exportDir, result.Instance.ID)
		for _, name := range []string{"docker-compose.yml", ".env"} {
			_, err := os.Stat(filepath.Join(dir, name))
			assert.NoErrorf(t, err, "expected %s in export dir", name)
		}
	})
}
