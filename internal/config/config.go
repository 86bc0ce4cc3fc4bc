package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultDBFile               = "finsync.db"
	defaultKeyPrefix            = "@finsync:"
	defaultBatchMaxSize         = 100
	defaultBatchChunkSize       = 10
	defaultBatchMaxAttempts     = 3
	defaultBatchBaseDelay       = 100 * time.Millisecond
	defaultCompressionThreshold = 1024
	defaultBackupMaxSizeMB      = 50
	defaultBackupMaxBackups     = 10
	defaultBackupRetentionDays  = 30
	defaultMigrationHistory     = 10
	defaultCacheTTL             = 5 * time.Minute
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultLogMaxSizeMB         = 10
	defaultLogMaxFiles          = 5
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Storage     StorageConfig     `toml:"storage"`
	Batch       BatchConfig       `toml:"batch"`
	Compression CompressionConfig `toml:"compression"`
	Backup      BackupConfig      `toml:"backup"`
	Migration   MigrationConfig   `toml:"migration"`
	Collection  CollectionConfig  `toml:"collection"`
	Logging     LoggingConfig     `toml:"logging"`
}

type StorageConfig struct {
	Path      string `toml:"path"`
	KeyPrefix string `toml:"key_prefix"`
	// Encrypt seals envelopes once a master key has been initialised.
	Encrypt bool `toml:"encrypt"`
}

type BatchConfig struct {
	MaxSize     int           `toml:"max_size"`
	ChunkSize   int           `toml:"chunk_size"`
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
}

type CompressionConfig struct {
	Threshold int `toml:"threshold"`
}

type BackupConfig struct {
	IncludeReceipts    bool `toml:"include_receipts"`
	IncludeInvestments bool `toml:"include_investments"`
	Compress           bool `toml:"compress"`
	Encrypt            bool `toml:"encrypt"`
	MaxSizeMB          int  `toml:"max_size_mb"`
	MaxBackups         int  `toml:"max_backups"`
	RetentionDays      int  `toml:"retention_days"`
	AutoCleanup        bool `toml:"auto_cleanup"`
}

type MigrationConfig struct {
	HistoryLimit     int  `toml:"history_limit"`
	BackupBeforeRun  bool `toml:"backup_before_run"`
	ValidateOnLaunch bool `toml:"validate_on_launch"`
}

type CollectionConfig struct {
	CacheTTL time.Duration `toml:"cache_ttl"`
}

type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxFiles   int    `toml:"max_files"`
	MaxAgeDays int    `toml:"max_age_days"` // zero keeps rotated files regardless of age
	Compress   bool   `toml:"compress"`
}

type LoadOptions struct {
	ConfigPath string
	Env        map[string]string
	Flags      FlagOverrides
}

type FlagOverrides struct {
	DBPath   *string
	LogLevel *string
}

func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			KeyPrefix: defaultKeyPrefix,
			Encrypt:   true,
		},
		Batch: BatchConfig{
			MaxSize:     defaultBatchMaxSize,
			ChunkSize:   defaultBatchChunkSize,
			MaxAttempts: defaultBatchMaxAttempts,
			BaseDelay:   defaultBatchBaseDelay,
		},
		Compression: CompressionConfig{
			Threshold: defaultCompressionThreshold,
		},
		Backup: BackupConfig{
			Compress:      true,
			Encrypt:       true,
			MaxSizeMB:     defaultBackupMaxSizeMB,
			MaxBackups:    defaultBackupMaxBackups,
			RetentionDays: defaultBackupRetentionDays,
			AutoCleanup:   true,
		},
		Migration: MigrationConfig{
			HistoryLimit:    defaultMigrationHistory,
			BackupBeforeRun: true,
		},
		Collection: CollectionConfig{
			CacheTTL: defaultCacheTTL,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			Format:    defaultLogFormat,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

// Load applies defaults, the TOML file, FINSYNC_* environment variables and
// flag overrides in that order, then validates the result.
func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if cfg.Storage.Path == "" {
		home, err := finsyncHome(opts)
		if err != nil {
			return Config{}, err
		}
		cfg.Storage.Path = filepath.Join(home, defaultDBFile)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type rawConfig struct {
	Storage     *rawStorage     `toml:"storage"`
	Batch       *rawBatch       `toml:"batch"`
	Compression *rawCompression `toml:"compression"`
	Backup      *rawBackup      `toml:"backup"`
	Migration   *rawMigration   `toml:"migration"`
	Collection  *rawCollection  `toml:"collection"`
	Logging     *rawLogging     `toml:"logging"`
}

type rawStorage struct {
	Path      *string `toml:"path"`
	KeyPrefix *string `toml:"key_prefix"`
	Encrypt   *bool   `toml:"encrypt"`
}

type rawBatch struct {
	MaxSize     *int    `toml:"max_size"`
	ChunkSize   *int    `toml:"chunk_size"`
	MaxAttempts *int    `toml:"max_attempts"`
	BaseDelay   *string `toml:"base_delay"`
}

type rawCompression struct {
	Threshold *int `toml:"threshold"`
}

type rawBackup struct {
	IncludeReceipts    *bool `toml:"include_receipts"`
	IncludeInvestments *bool `toml:"include_investments"`
	Compress           *bool `toml:"compress"`
	Encrypt            *bool `toml:"encrypt"`
	MaxSizeMB          *int  `toml:"max_size_mb"`
	MaxBackups         *int  `toml:"max_backups"`
	RetentionDays      *int  `toml:"retention_days"`
	AutoCleanup        *bool `toml:"auto_cleanup"`
}

type rawMigration struct {
	HistoryLimit     *int  `toml:"history_limit"`
	BackupBeforeRun  *bool `toml:"backup_before_run"`
	ValidateOnLaunch *bool `toml:"validate_on_launch"`
}

type rawCollection struct {
	CacheTTL *string `toml:"cache_ttl"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	Format    *string `toml:"format"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
	MaxAge    *int    `toml:"max_age_days"`
	Compress  *bool   `toml:"compress"`
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	return applyRawConfig(cfg, raw)
}

func applyRawConfig(cfg *Config, raw rawConfig) error {
	if raw.Storage != nil {
		setValue(raw.Storage.Path, &cfg.Storage.Path)
		setValue(raw.Storage.KeyPrefix, &cfg.Storage.KeyPrefix)
		setValue(raw.Storage.Encrypt, &cfg.Storage.Encrypt)
	}

	if raw.Batch != nil {
		setValue(raw.Batch.MaxSize, &cfg.Batch.MaxSize)
		setValue(raw.Batch.ChunkSize, &cfg.Batch.ChunkSize)
		setValue(raw.Batch.MaxAttempts, &cfg.Batch.MaxAttempts)
		if err := setDuration("batch.base_delay", raw.Batch.BaseDelay, &cfg.Batch.BaseDelay); err != nil {
			return err
		}
	}

	if raw.Compression != nil {
		setValue(raw.Compression.Threshold, &cfg.Compression.Threshold)
	}

	if raw.Backup != nil {
		setValue(raw.Backup.IncludeReceipts, &cfg.Backup.IncludeReceipts)
		setValue(raw.Backup.IncludeInvestments, &cfg.Backup.IncludeInvestments)
		setValue(raw.Backup.Compress, &cfg.Backup.Compress)
		setValue(raw.Backup.Encrypt, &cfg.Backup.Encrypt)
		setValue(raw.Backup.MaxSizeMB, &cfg.Backup.MaxSizeMB)
		setValue(raw.Backup.MaxBackups, &cfg.Backup.MaxBackups)
		setValue(raw.Backup.RetentionDays, &cfg.Backup.RetentionDays)
		setValue(raw.Backup.AutoCleanup, &cfg.Backup.AutoCleanup)
	}

	if raw.Migration != nil {
		setValue(raw.Migration.HistoryLimit, &cfg.Migration.HistoryLimit)
		setValue(raw.Migration.BackupBeforeRun, &cfg.Migration.BackupBeforeRun)
		setValue(raw.Migration.ValidateOnLaunch, &cfg.Migration.ValidateOnLaunch)
	}

	if raw.Collection != nil {
		if err := setDuration("collection.cache_ttl", raw.Collection.CacheTTL, &cfg.Collection.CacheTTL); err != nil {
			return err
		}
	}

	if raw.Logging != nil {
		setValue(raw.Logging.Level, &cfg.Logging.Level)
		setValue(raw.Logging.Format, &cfg.Logging.Format)
		setValue(raw.Logging.File, &cfg.Logging.File)
		setValue(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setValue(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
		setValue(raw.Logging.MaxAge, &cfg.Logging.MaxAgeDays)
		setValue(raw.Logging.Compress, &cfg.Logging.Compress)
	}

	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, "FINSYNC_DB_PATH"); ok {
		cfg.Storage.Path = value
	}
	if value, ok := lookupEnv(opts, "FINSYNC_KEY_PREFIX"); ok {
		cfg.Storage.KeyPrefix = value
	}
	if err := envBool(opts, "FINSYNC_STORAGE_ENCRYPT", &cfg.Storage.Encrypt); err != nil {
		return err
	}

	if err := envInt(opts, "FINSYNC_BATCH_MAX_SIZE", &cfg.Batch.MaxSize); err != nil {
		return err
	}
	if err := envInt(opts, "FINSYNC_BATCH_MAX_ATTEMPTS", &cfg.Batch.MaxAttempts); err != nil {
		return err
	}
	if value, ok := lookupEnv(opts, "FINSYNC_BATCH_BASE_DELAY"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse FINSYNC_BATCH_BASE_DELAY: %v", ErrInvalidConfig, err)
		}
		cfg.Batch.BaseDelay = d
	}

	if err := envInt(opts, "FINSYNC_COMPRESSION_THRESHOLD", &cfg.Compression.Threshold); err != nil {
		return err
	}

	if err := envBool(opts, "FINSYNC_BACKUP_ENCRYPT", &cfg.Backup.Encrypt); err != nil {
		return err
	}
	if err := envInt(opts, "FINSYNC_BACKUP_MAX_BACKUPS", &cfg.Backup.MaxBackups); err != nil {
		return err
	}
	if err := envInt(opts, "FINSYNC_BACKUP_RETENTION_DAYS", &cfg.Backup.RetentionDays); err != nil {
		return err
	}
	if err := envBool(opts, "FINSYNC_BACKUP_AUTO_CLEANUP", &cfg.Backup.AutoCleanup); err != nil {
		return err
	}

	if value, ok := lookupEnv(opts, "FINSYNC_LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, "FINSYNC_LOG_FORMAT"); ok {
		cfg.Logging.Format = value
	}
	if value, ok := lookupEnv(opts, "FINSYNC_LOG_FILE"); ok {
		cfg.Logging.File = value
	}
	if err := envInt(opts, "FINSYNC_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB); err != nil {
		return err
	}
	if err := envInt(opts, "FINSYNC_LOG_MAX_FILES", &cfg.Logging.MaxFiles); err != nil {
		return err
	}
	if err := envInt(opts, "FINSYNC_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays); err != nil {
		return err
	}
	return envBool(opts, "FINSYNC_LOG_COMPRESS", &cfg.Logging.Compress)
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.DBPath != nil {
		cfg.Storage.Path = *flags.DBPath
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
}

func validate(cfg Config) error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(strings.TrimSpace(cfg.Storage.KeyPrefix) != "", "storage.key_prefix must not be empty")
	check(cfg.Batch.MaxSize > 0, "batch.max_size must be > 0")
	check(cfg.Batch.ChunkSize > 0 && cfg.Batch.ChunkSize <= cfg.Batch.MaxSize, "batch.chunk_size must be > 0 and <= batch.max_size")
	check(cfg.Batch.MaxAttempts >= 1 && cfg.Batch.MaxAttempts <= 10, "batch.max_attempts must be between 1 and 10")
	check(cfg.Batch.BaseDelay >= 0 && cfg.Batch.BaseDelay <= 10*time.Second, "batch.base_delay must be >= 0 and <= 10s")
	check(cfg.Compression.Threshold >= 0, "compression.threshold must be >= 0")
	check(cfg.Backup.MaxSizeMB > 0, "backup.max_size_mb must be > 0")
	check(cfg.Logging.MaxAgeDays >= 0, "logging.max_age_days must be >= 0")
	check(cfg.Backup.MaxBackups > 0, "backup.max_backups must be > 0")
	check(cfg.Backup.RetentionDays > 0, "backup.retention_days must be > 0")
	check(cfg.Migration.HistoryLimit > 0, "migration.history_limit must be > 0")
	check(cfg.Collection.CacheTTL > 0, "collection.cache_ttl must be > 0")
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q must be text or json", cfg.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func setValue[T any](raw *T, target *T) {
	if raw != nil {
		*target = *raw
	}
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func envInt(opts LoadOptions, key string, target *int) error {
	value, ok := lookupEnv(opts, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	*target = parsed
	return nil
}

func envBool(opts LoadOptions, key string, target *bool) error {
	value, ok := lookupEnv(opts, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
	}
	*target = parsed
	return nil
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "FINSYNC_CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func finsyncHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "FINSYNC_HOME"); ok {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Finsync"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "finsync"), nil
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Finsync", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "finsync", "config.toml"), nil
}

// ConfigPath reports which file Load reads for opts.
func ConfigPath(opts LoadOptions) (string, error) {
	return resolveConfigPath(opts)
}
