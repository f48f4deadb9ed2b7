package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/agent-conductor/conductor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		_ = os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), 30, cfg.Compaction.Threshold)
	assert.Equal(suite.T(), 5, cfg.Compaction.Retain)
	assert.Equal(suite.T(), "deterministic", cfg.Compaction.Summarizer)

	assert.Equal(suite.T(), 5, cfg.Router.MaxRounds)
	assert.Equal(suite.T(), 45*time.Second, cfg.Router.ReasoningTimeout)
	assert.Equal(suite.T(), 1, cfg.Router.RetryCount)
	assert.Equal(suite.T(), 8, cfg.Router.MaxInflight)
	assert.Equal(suite.T(), uint32(3), cfg.Router.BreakerFailures)

	assert.Equal(suite.T(), 300*time.Second, cfg.Workflow.Timeout)

	assert.Equal(suite.T(), 30*time.Second, cfg.Cache.Tool.TTL)
	assert.Equal(suite.T(), 30*time.Minute, cfg.Cache.Context.TTL)
	assert.Equal(suite.T(), 512, cfg.Cache.Context.Capacity)

	assert.Equal(suite.T(), internal.DefaultStoreBackend, cfg.Store.Backend)
	assert.Equal(suite.T(), internal.DefaultDatabasePath, cfg.Store.LibSQLPath)

	assert.Equal(suite.T(), "none", cfg.Provider.Kind)
	assert.Empty(suite.T(), cfg.Provider.APIKey)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configContent := `
compaction:
  threshold: 12
  retain: 3
router:
  max_rounds: 2
  reasoning_timeout: 50s
  allowed_paths:
    - "/tmp/**"
cache:
  tool:
    capacity: 8
    ttl: 5s
store:
  backend: libsql
  libsql_path: "./test.db"
`
	configFile := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte(configContent), 0o644))

	cfg, err := LoadConfig(configFile)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 12, cfg.Compaction.Threshold)
	assert.Equal(suite.T(), 3, cfg.Compaction.Retain)
	assert.Equal(suite.T(), 2, cfg.Router.MaxRounds)
	assert.Equal(suite.T(), 50*time.Second, cfg.Router.ReasoningTimeout)
	assert.Equal(suite.T(), []string{"/tmp/**"}, cfg.Router.AllowedPaths)
	assert.Equal(suite.T(), 8, cfg.Cache.Tool.Capacity)
	assert.Equal(suite.T(), 5*time.Second, cfg.Cache.Tool.TTL)
	assert.Equal(suite.T(), "libsql", cfg.Store.Backend)
	assert.Equal(suite.T(), "./test.db", cfg.Store.LibSQLPath)

	// untouched sections keep defaults
	assert.Equal(suite.T(), 300*time.Second, cfg.Workflow.Timeout)
}

func (suite *ConfigTestSuite) TestLoadConfigFromEnvironment() {
	suite.T().Setenv("CONDUCTOR_COMPACTION_THRESHOLD", "40")
	suite.T().Setenv("CONDUCTOR_STORE_BACKEND", "redis")
	suite.T().Setenv("CONDUCTOR_PROVIDER_API_KEY", "sk-test")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 40, cfg.Compaction.Threshold)
	assert.Equal(suite.T(), "redis", cfg.Store.Backend)
	assert.Equal(suite.T(), "sk-test", cfg.Provider.APIKey)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	malformedContent := `
compaction:
  threshold: 12
  invalid_yaml: [unclosed bracket
`
	configFile := filepath.Join(suite.tempDir, "malformed.yaml")
	require.NoError(suite.T(), os.WriteFile(configFile, []byte(malformedContent), 0o644))

	cfg, err := LoadConfig(configFile)

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestWatchRequiresPath() {
	err := Watch("", func(*Config, error) {})
	assert.Error(suite.T(), err)
}

func BenchmarkLoadConfig(b *testing.B) {
	for b.Loop() {
		if _, err := LoadConfig(""); err != nil {
			b.Fatal(err)
		}
	}
}
