package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colligohq/colligo/internal/models"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewDefaultConfigCoversAllClasses(t *testing.T) {
	cfg := NewDefaultConfig()

	for _, class := range []models.WorkerClass{
		models.WorkerClassCrawl,
		models.WorkerClassDB,
		models.WorkerClassGateway,
	} {
		cc, ok := cfg.ClassConfig(class)
		require.True(t, ok, "missing provisioning for %s", class)
		assert.Greater(t, cc.Count, 0)
		assert.GreaterOrEqual(t, cc.SpawnLimit(), cc.Count)
	}

	gw, _ := cfg.ClassConfig(models.WorkerClassGateway)
	assert.Equal(t, 1, gw.MaxCount, "one broker session at a time")

	_, ok := cfg.ClassConfig(models.WorkerClass("Ghost"))
	assert.False(t, ok)
}

func TestLoadFromFilesMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, "colligo.toml", `
environment = "production"

[redis]
url = "redis://lock-store:6379/1"

[broker]
project_queue = "pt_staging"

[supervisor]
mailbox_size = 128
`)

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "redis://lock-store:6379/1", cfg.Redis.URL)
	assert.Equal(t, "pt_staging", cfg.Broker.ProjectQueue)
	assert.Equal(t, 128, cfg.Supervisor.MailboxSize)

	// Sections the file never mentions keep their defaults.
	assert.Equal(t, "colligo", cfg.Database.Name)
	assert.Equal(t, "data_gathering_queue", cfg.Broker.DataGatheringQueue)
}

func TestLoadFromFilesLaterFileWins(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[broker]
project_queue = "pt_base"
prefetch = 4
`)
	local := writeConfig(t, "local.toml", `
[broker]
project_queue = "pt_local"
`)

	cfg, err := LoadFromFiles(base, local)
	require.NoError(t, err)

	assert.Equal(t, "pt_local", cfg.Broker.ProjectQueue)
	assert.Equal(t, 4, cfg.Broker.Prefetch, "fields absent from the later file survive")
}

func TestLoadFromFilesSkipsEmptyPaths(t *testing.T) {
	path := writeConfig(t, "colligo.toml", `environment = "staging"`)

	cfg, err := LoadFromFiles("", path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadFromFilesRejectsMalformedTOML(t *testing.T) {
	path := writeConfig(t, "broken.toml", `[broker`)

	_, err := LoadFromFiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLIGO_ENV", "production")
	t.Setenv("REDIS_URL", "redis://override:6380/0")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("DATABASE_NAME", "colligo_test")
	t.Setenv("RABBITMQ_URL", "amqp://user:pw@broker:5672/")
	t.Setenv("COLLIGO_LOG_OUTPUT", "stdout, file ,")
	t.Setenv("COLLIGO_LOCK_TTL", "90m")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "redis://override:6380/0", cfg.Redis.URL)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "colligo_test", cfg.Database.Name)
	assert.Equal(t, "amqp://user:pw@broker:5672/", cfg.Broker.URL)
	assert.Equal(t, []string{"stdout", "file"}, cfg.Logging.Output)
	assert.Equal(t, "90m", cfg.Locks.TTL)
}

func TestEnvOverridesBeatConfigFile(t *testing.T) {
	path := writeConfig(t, "colligo.toml", `
[database]
name = "from_file"
`)
	t.Setenv("DATABASE_NAME", "from_env")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.Database.Name)
}

func TestEnvOverridesIgnoreUnparseableValues(t *testing.T) {
	t.Setenv("COLLIGO_LOCK_TTL", "ninety minutes")
	t.Setenv("COLLIGO_MAILBOX_SIZE", "lots")
	t.Setenv("COLLIGO_CRAWL_RPS", "-3")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)

	def := NewDefaultConfig()
	assert.Equal(t, def.Locks.TTL, cfg.Locks.TTL)
	assert.Equal(t, def.Supervisor.MailboxSize, cfg.Supervisor.MailboxSize)
	assert.Equal(t, def.Crawl.RequestsPerSecond, cfg.Crawl.RequestsPerSecond)
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()

	ApplyFlagOverrides(cfg, "debug")
	assert.Equal(t, "debug", cfg.Logging.Level)

	ApplyFlagOverrides(cfg, "")
	assert.Equal(t, "debug", cfg.Logging.Level, "empty flag leaves the level alone")
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 90*time.Second, ParseDurationOr("90s", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, ParseDurationOr("soon", time.Minute))
}

func TestValidateJobSchedule(t *testing.T) {
	require.NoError(t, ValidateJobSchedule("*/30 * * * * *"))
	require.NoError(t, ValidateJobSchedule("0 */10 * * * *"))

	assert.Error(t, ValidateJobSchedule("* * * * *"), "five-field expressions lack the seconds field")
	assert.Error(t, ValidateJobSchedule("not a schedule"))
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())

	cfg.Environment = " PROD "
	assert.True(t, cfg.IsProduction())

	cfg.Environment = "development"
	assert.False(t, cfg.IsProduction())
}
