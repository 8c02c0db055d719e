package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

const testConfig = `
relay:
  proxy:
    id: proxy-west
    role: coordinator
    port: 4000
    baseUrl: http://proxy-west:4000
  bus:
    namespace: mybus
    maxRetryCount: 5
  groups:
    - name: blog-agents
      messageTtl: 30m
  agents:
    - id: writer
      group: blog-agents
      host: http://localhost:3211
      proxyId: proxy-west
    - id: critic
      group: blog-agents
      proxyId: proxy-east
  hostedAgents:
    blog-agents:
      - writer
  timeouts:
    request: 10s
`

func loadTestConfig(t *testing.T, yml string) (*Config, error) {
	t.Helper()

	v := viper.New()
	v.SetConfigType("yml")
	if err := v.ReadConfig(strings.NewReader(yml)); err != nil {
		t.Fatalf("read config: %v", err)
	}
	return Load(v)
}

func TestLoad(t *testing.T) {
	cfg, err := loadTestConfig(t, testConfig)
	assert.NoError(t, err)

	assert.Equal(t, "proxy-west", cfg.Proxy.ID)
	assert.Equal(t, RoleCoordinator, cfg.Proxy.Role)
	assert.Equal(t, "0.0.0.0:4000", cfg.Proxy.Addr())
	assert.Equal(t, "http://proxy-west:4000", cfg.Proxy.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Request)
	assert.Equal(t, 5, cfg.Bus.MaxRetryCount)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadTestConfig(t, `
relay:
  proxy:
    id: p1
  groups:
    - name: g
`)
	assert.NoError(t, err)

	assert.Equal(t, RoleFollower, cfg.Proxy.Role)
	assert.Equal(t, 3210, cfg.Proxy.Port)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Request)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.StreamIdle)
	assert.Equal(t, 64, cfg.Limits.StreamBuffer)
	assert.Equal(t, 64, cfg.Limits.ReorderWindow)
	assert.Equal(t, int32(10), cfg.Bus.MaxDeliveryCount)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	_, err := loadTestConfig(t, `
relay:
  groups:
    - name: g
`)
	assert.Error(t, err, "missing proxy id")

	_, err = loadTestConfig(t, `
relay:
  proxy:
    id: p1
    role: emperor
  groups:
    - name: g
`)
	assert.Error(t, err, "unknown role")

	_, err = loadTestConfig(t, `
relay:
  proxy:
    id: p1
`)
	assert.Error(t, err, "no groups")

	_, err = loadTestConfig(t, `
relay:
  proxy:
    id: p1
  groups:
    - name: g
    - name: g
`)
	assert.Error(t, err, "duplicate group")

	_, err = loadTestConfig(t, `
relay:
  proxy:
    id: p1
  groups:
    - name: g
  agents:
    - id: a
      group: other
      proxyId: p1
`)
	assert.Error(t, err, "agent in unknown group")
}

func TestDirectoryAndGroupSpecs(t *testing.T) {
	cfg, err := loadTestConfig(t, testConfig)
	assert.NoError(t, err)

	dir, err := cfg.Directory()
	assert.NoError(t, err)
	assert.True(t, dir.IsLocal("writer"))
	assert.False(t, dir.IsLocal("critic"))

	specs := cfg.GroupSpecs()
	assert.Len(t, specs, 1)
	assert.Equal(t, "blog-agents", specs[0].Name)
	assert.Equal(t, 30*time.Minute, specs[0].MessageTTL)
	assert.Equal(t, int32(1024), specs[0].MaxSizeMB, "defaults applied")
}

func TestAzureConfig(t *testing.T) {
	cfg, err := loadTestConfig(t, testConfig)
	assert.NoError(t, err)

	azure := cfg.AzureConfig()
	assert.Equal(t, "mybus", azure.Namespace)
	assert.Equal(t, 5, azure.Retry.MaxAttempts)
	assert.Equal(t, time.Second, azure.Retry.InitialDelay)
}
