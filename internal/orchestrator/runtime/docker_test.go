package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tooldock/tooldock/internal/orchestrator/model"
)

func TestContainerName(t *testing.T) {
	inst := &model.Instance{ID: "abcdef1234567890", Name: "My PDF Tool!"}
	assert.Equal(t, "tooldock-my-pdf-tool-abcdef12", ContainerName(inst))

	// 相同输入必须产生相同名称
	assert.Equal(t, ContainerName(inst), ContainerName(inst))

	empty := &model.Instance{ID: "short", Name: "!!!"}
	assert.Equal(t, "tooldock-instance-short", ContainerName(empty))
}

func TestIsAbsentError(t *testing.T) {
	assert.True(t, isAbsentError("Error response from daemon: No such container: x"))
	assert.True(t, isAbsentError("container x is not running"))
	assert.True(t, isAbsentError("container already stopped"))
	assert.False(t, isAbsentError("permission denied"))
}

func TestProxyConfig(t *testing.T) {
	t.Run("GenerateUsesDomainWhenSet", func(t *testing.T) {
		inst := &model.Instance{ID: "abc", Name: "tool", Port: 20000, Domain: "tool.example.com"}
		conf := GenerateProxyConfig(inst)
		assert.Contains(t, conf, "server_name tool.example.com;")
		assert.Contains(t, conf, "proxy_pass http://127.0.0.1:20000;")
	})

	t.Run("GenerateFallsBackToLocalhostName", func(t *testing.T) {
		inst := &model.Instance{ID: "abcdef1234", Name: "tool", Port: 20010}
		conf := GenerateProxyConfig(inst)
		assert.Contains(t, conf, "server_name tooldock-tool-abcdef12.localhost;")
	})

	t.Run("DeployAndRemove", func(t *testing.T) {
		dir := t.TempDir()
		d := NewDockerRuntime(time.Second, dir)
		inst := &model.Instance{ID: "inst-1", Name: "tool", Port: 20000}

		require.NoError(t, d.DeployProxyConfig(inst))
		path := filepath.Join(dir, "inst-1.conf")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "proxy_pass")

		require.NoError(t, d.RemoveProxyConfig("inst-1"))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))

		// 文件不存在时删除也视为成功
		require.NoError(t, d.RemoveProxyConfig("inst-1"))
	})

	t.Run("NoopWithoutProxyDir", func(t *testing.T) {
		d := NewDockerRuntime(time.Second, "")
		inst := &model.Instance{ID: "inst-1", Name: "tool", Port: 20000}
		assert.NoError(t, d.DeployProxyConfig(inst))
		assert.NoError(t, d.RemoveProxyConfig("inst-1"))
	})
}
