package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
path = "/data/file.db"
`)

	flagPath := "/data/flag.db"
	cfg, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        map[string]string{"FINSYNC_DB_PATH": "/data/env.db"},
		Flags:      FlagOverrides{DBPath: &flagPath},
	})
	require.NoError(t, err)
	require.Equal(t, "/data/flag.db", cfg.Storage.Path)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[batch]
base_delay = "250ms"
max_attempts = 5
`)

	cfg, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"FINSYNC_HOME":               t.TempDir(),
			"FINSYNC_BATCH_BASE_DELAY":   "50ms",
			"FINSYNC_BATCH_MAX_ATTEMPTS": "2",
		},
	})
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, cfg.Batch.BaseDelay)
	require.Equal(t, 2, cfg.Batch.MaxAttempts)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env:        map[string]string{"FINSYNC_HOME": home},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "finsync.db"), cfg.Storage.Path)
	require.Equal(t, "@finsync:", cfg.Storage.KeyPrefix)
	require.Equal(t, 100, cfg.Batch.MaxSize)
	require.Equal(t, 10, cfg.Batch.ChunkSize)
	require.Equal(t, 3, cfg.Batch.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.Batch.BaseDelay)
	require.Equal(t, 1024, cfg.Compression.Threshold)
	require.Equal(t, 10, cfg.Backup.MaxBackups)
	require.Equal(t, 30, cfg.Backup.RetentionDays)
	require.True(t, cfg.Backup.AutoCleanup)
	require.Equal(t, 10, cfg.Migration.HistoryLimit)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[storage]
path = "/var/lib/finsync/store.db"
key_prefix = "@budget:"
encrypt = false

[batch]
max_size = 50
chunk_size = 5
max_attempts = 4
base_delay = "20ms"

[compression]
threshold = 2048

[backup]
include_receipts = true
include_investments = true
compress = false
encrypt = false
max_size_mb = 5
max_backups = 3
retention_days = 7
auto_cleanup = false

[migration]
history_limit = 20
backup_before_run = false
validate_on_launch = true

[collection]
cache_ttl = "30s"

[logging]
level = "debug"
format = "json"
file = "/tmp/finsync.log"
max_size_mb = 42
max_files = 9
max_age_days = 14
compress = true
`)

	cfg, err := Load(LoadOptions{ConfigPath: cfgPath})
	require.NoError(t, err)
	require.Equal(t, "/var/lib/finsync/store.db", cfg.Storage.Path)
	require.Equal(t, "@budget:", cfg.Storage.KeyPrefix)
	require.False(t, cfg.Storage.Encrypt)
	require.Equal(t, BatchConfig{MaxSize: 50, ChunkSize: 5, MaxAttempts: 4, BaseDelay: 20 * time.Millisecond}, cfg.Batch)
	require.Equal(t, 2048, cfg.Compression.Threshold)
	require.Equal(t, BackupConfig{
		IncludeReceipts:    true,
		IncludeInvestments: true,
		MaxSizeMB:          5,
		MaxBackups:         3,
		RetentionDays:      7,
	}, cfg.Backup)
	require.Equal(t, MigrationConfig{HistoryLimit: 20, ValidateOnLaunch: true}, cfg.Migration)
	require.Equal(t, 30*time.Second, cfg.Collection.CacheTTL)
	require.Equal(t, LoggingConfig{Level: "debug", Format: "json", File: "/tmp/finsync.log", MaxSizeMB: 42, MaxFiles: 9, MaxAgeDays: 14, Compress: true}, cfg.Logging)
}

func TestLoadConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
	}{
		{name: "chunk-larger-than-batch", contents: "[batch]\nmax_size = 5\nchunk_size = 10\n"},
		{name: "too-many-attempts", contents: "[batch]\nmax_attempts = 11\n"},
		{name: "negative-delay", contents: "[batch]\nbase_delay = \"-1s\"\n"},
		{name: "zero-backups", contents: "[backup]\nmax_backups = 0\n"},
		{name: "bad-log-format", contents: "[logging]\nformat = \"xml\"\n"},
		{name: "bad-duration", contents: "[collection]\ncache_ttl = \"soon\"\n"},
		{name: "bad-toml", contents: "[batch\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfgPath := writeConfigFile(t, tt.contents)
			_, err := Load(LoadOptions{
				ConfigPath: cfgPath,
				Env:        map[string]string{"FINSYNC_HOME": t.TempDir()},
			})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigRejectsMalformedEnv(t *testing.T) {
	t.Parallel()

	_, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env: map[string]string{
			"FINSYNC_HOME":                t.TempDir(),
			"FINSYNC_BACKUP_AUTO_CLEANUP": "sometimes",
		},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, "[logging]\nlevel = \"warn\"\n")
	cfg, err := Load(LoadOptions{
		Env: map[string]string{
			"FINSYNC_CONFIG_PATH": cfgPath,
			"FINSYNC_HOME":        t.TempDir(),
		},
	})
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}
