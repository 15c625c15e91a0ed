// Package config загружает настройки клиента синхронизации.
// Порядок: значения по умолчанию → файл (YAML или TOML по расширению) → переменные TASKSYNC_*.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/iudanet/tasksync/internal/models"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "TASKSYNC_"

// Storage backends
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Config is the root configuration structure.
// It is read-only after Load returns.
type Config struct {
	Encryption EncryptionConfig `yaml:"encryption" toml:"encryption"`
	Search     SearchConfig     `yaml:"search" toml:"search"`
	Backup     BackupConfig     `yaml:"backup" toml:"backup"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Remote     RemoteConfig     `yaml:"remote" toml:"remote"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Sync       SyncConfig       `yaml:"sync" toml:"sync"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`
	Conflicts  ConflictsConfig  `yaml:"conflicts" toml:"conflicts"`
}

// StorageConfig локальное хранилище
type StorageConfig struct {
	Backend           string  `yaml:"backend" toml:"backend"` // bolt или sqlite
	Path              string  `yaml:"path" toml:"path"`
	Quota             int64   `yaml:"quota" toml:"quota"`                           // байты
	CleanupThreshold  float64 `yaml:"cleanup_threshold" toml:"cleanup_threshold"`   // доля квоты
	CompressThreshold int     `yaml:"compress_threshold" toml:"compress_threshold"` // байты payload
}

// RemoteConfig удаленный API
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	Token   string   `yaml:"-" toml:"-"` // только из окружения
	Timeout Duration `yaml:"timeout" toml:"timeout"`
}

// SyncConfig очередь и планировщик
type SyncConfig struct {
	Interval    Duration `yaml:"interval" toml:"interval"`
	BaseBackoff Duration `yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff" toml:"max_backoff"`
	Jitter      Duration `yaml:"jitter" toml:"jitter"`
	MaxRetries  int      `yaml:"max_retries" toml:"max_retries"`
}

// EncryptionConfig шифрование чувствительных полей
type EncryptionConfig struct {
	Sensitive map[string][]string `yaml:"sensitive" toml:"sensitive"` // тип записи -> поля
	Secret    string              `yaml:"-" toml:"-"`                 // только из окружения
}

// SearchConfig офлайн-индекс
type SearchConfig struct {
	TextPaths map[string][]string `yaml:"text_paths" toml:"text_paths"` // тип записи -> gjson пути
}

// CacheConfig кэш GET-ответов
type CacheConfig struct {
	TTL Duration `yaml:"ttl" toml:"ttl"`
}

// ConflictsConfig хранение конфликтов
type ConflictsConfig struct {
	Retention Duration `yaml:"retention" toml:"retention"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// BackupConfig зашифрованные снимки хранилища
type BackupConfig struct {
	Dir        string `yaml:"dir" toml:"dir"`
	S3Bucket   string `yaml:"s3_bucket" toml:"s3_bucket"`
	S3Region   string `yaml:"s3_region" toml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint" toml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix" toml:"s3_prefix"`
	// Секреты только из окружения
	S3AccessKey string `yaml:"-" toml:"-"`
	S3SecretKey string `yaml:"-" toml:"-"`
	Passphrase  string `yaml:"-" toml:"-"`
}

// Duration is a time.Duration that parses from "30s"-style strings in YAML and TOML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (used by the TOML decoder).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → file → env vars.
// An empty path falls back to TASKSYNC_CONFIG; without either only defaults and env are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:           BackendBolt,
			Path:              "tasksync.db",
			Quota:             50 * 1024 * 1024,
			CleanupThreshold:  0.8,
			CompressThreshold: 4 * 1024,
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Interval:    Duration(30 * time.Second),
			MaxRetries:  5,
			BaseBackoff: Duration(time.Second),
			MaxBackoff:  Duration(5 * time.Minute),
			Jitter:      Duration(250 * time.Millisecond),
		},
		Encryption: EncryptionConfig{
			Sensitive: map[string][]string{
				string(models.EntityTypeTask): {"notes"},
				string(models.EntityTypeFile): {"content"},
			},
		},
		Search: SearchConfig{
			TextPaths: map[string][]string{
				string(models.EntityTypeTask):      {"title", "description", "tags"},
				string(models.EntityTypeWorkspace): {"name", "description"},
				string(models.EntityTypeFile):      {"name", "path"},
			},
		},
		Cache:     CacheConfig{TTL: Duration(5 * time.Minute)},
		Conflicts: ConflictsConfig{Retention: Duration(7 * 24 * time.Hour)},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadFile декодирует файл по расширению: .toml - TOML, иначе YAML
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Storage
	if v := getEnv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := getEnv("STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := getEnv("STORAGE_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Storage.Quota = n
		}
	}

	// Remote
	if v := getEnv("REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := getEnv("REMOTE_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	setDuration("REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Sync
	setDuration("SYNC_INTERVAL", &cfg.Sync.Interval)
	setDuration("SYNC_BASE_BACKOFF", &cfg.Sync.BaseBackoff)
	setDuration("SYNC_MAX_BACKOFF", &cfg.Sync.MaxBackoff)
	if v := getEnv("SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRetries = n
		}
	}

	// Секреты задаются только через окружение
	if v := getEnv("ENCRYPTION_SECRET"); v != "" {
		cfg.Encryption.Secret = v
	}
	if v := getEnv("BACKUP_PASSPHRASE"); v != "" {
		cfg.Backup.Passphrase = v
	}

	setDuration("CACHE_TTL", &cfg.Cache.TTL)

	// Backup
	if v := getEnv("BACKUP_S3_BUCKET"); v != "" {
		cfg.Backup.S3Bucket = v
	}
	if v := getEnv("BACKUP_S3_ENDPOINT"); v != "" {
		cfg.Backup.S3Endpoint = v
	}
	if v := getEnv("BACKUP_S3_ACCESS_KEY"); v != "" {
		cfg.Backup.S3AccessKey = v
	}
	if v := getEnv("BACKUP_S3_SECRET_KEY"); v != "" {
		cfg.Backup.S3SecretKey = v
	}

	// Log
	if v := getEnv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getEnv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks ranges and enumerations.
func (c *Config) validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendBolt, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", BackendBolt, BackendSQLite, c.Storage.Backend))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Storage.Quota <= 0 {
		errs = append(errs, errors.New("storage.quota must be positive"))
	}
	if c.Storage.CleanupThreshold <= 0 || c.Storage.CleanupThreshold > 1 {
		errs = append(errs, errors.New("storage.cleanup_threshold must be in (0, 1]"))
	}

	if c.Remote.BaseURL != "" {
		if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.base_url is not a valid URL: %q", c.Remote.BaseURL))
		}
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, errors.New("sync.max_retries must not be negative"))
	}
	if c.Sync.BaseBackoff <= 0 {
		errs = append(errs, errors.New("sync.base_backoff must be positive"))
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		errs = append(errs, errors.New("sync.max_backoff must not be less than sync.base_backoff"))
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter >= c.Sync.BaseBackoff/2 {
		errs = append(errs, errors.New("sync.jitter must be in [0, base_backoff/2)"))
	}

	for name := range c.Encryption.Sensitive {
		if _, err := models.ParseEntityType(name); err != nil {
			errs = append(errs, fmt.Errorf("encryption.sensitive: %w", err))
		}
	}
	for name := range c.Search.TextPaths {
		if _, err := models.ParseEntityType(name); err != nil {
			errs = append(errs, fmt.Errorf("search.text_paths: %w", err))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SensitiveFields returns the encryption field list keyed by entity type.
func (c *Config) SensitiveFields() map[models.EntityType][]string {
	return byEntityType(c.Encryption.Sensitive)
}

// TextPaths returns the search text paths keyed by entity type.
func (c *Config) TextPaths() map[models.EntityType][]string {
	return byEntityType(c.Search.TextPaths)
}

func byEntityType(in map[string][]string) map[models.EntityType][]string {
	out := make(map[models.EntityType][]string, len(in))
	for name, fields := range in {
		t, err := models.ParseEntityType(name)
		if err != nil {
			continue
		}
		out[t] = append([]string(nil), fields...)
	}
	return out
}

// getEnv returns TASKSYNC_<key>.
func getEnv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setDuration(key string, dst *Duration) {
	v := getEnv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = Duration(d)
	}
}
