package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFormatVersion is the current version of the configuration file format
const ConfigFormatVersion = "0.1.0"

// DefaultConfigFile is used when no -config flag is given
const DefaultConfigFile = "tenantsrv.conf"

// EnvDatabasePassword overrides database.password when set
const EnvDatabasePassword = "TENANTSRV_DB_PASSWORD"

// DatabaseConfig holds the connection settings for the shared cluster
type DatabaseConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	User             string `toml:"user"`
	Password         string `toml:"password"`
	DBName           string `toml:"dbname"`
	SSLMode          string `toml:"sslmode"`
	ControlSchema    string `toml:"control_schema"` // schema holding the tenant directory
	MaxOpenConns     int    `toml:"max_open_conns"`
	StatementTimeout string `toml:"statement_timeout"`
}

// DSN returns a libpq style connection string
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// GetStatementTimeout returns the per-connection statement timeout, zero when unset
func (d *DatabaseConfig) GetStatementTimeout() time.Duration {
	return durationOrDefault(d.StatementTimeout, 0)
}

// ResolverConfig controls how incoming hosts are mapped to tenants
type ResolverConfig struct {
	// AllowDevOverride is honored only in binaries built without the production tag
	AllowDevOverride  bool   `toml:"allow_dev_override"`
	DevOverrideHeader string `toml:"dev_override_header"`
	NameLookupTimeout string `toml:"name_lookup_timeout"`
}

func (r *ResolverConfig) GetNameLookupTimeout() time.Duration {
	return durationOrDefault(r.NameLookupTimeout, 5*time.Second)
}

// CacheConfig holds tenant cache settings. RedisAddr enables the shared tier.
type CacheConfig struct {
	TTL           string `toml:"ttl"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
}

func (c *CacheConfig) GetTTL() time.Duration {
	return durationOrDefault(c.TTL, 5*time.Minute)
}

// MigrationConfig holds fleet migration settings
type MigrationConfig struct {
	Workers       int    `toml:"workers"`
	SchemaTimeout string `toml:"schema_timeout"`
}

func (m *MigrationConfig) GetSchemaTimeout() time.Duration {
	return durationOrDefault(m.SchemaTimeout, 10*time.Minute)
}

// ProvisioningConfig holds schema provisioning settings
type ProvisioningConfig struct {
	Timeout string `toml:"timeout"`
}

func (p *ProvisioningConfig) GetTimeout() time.Duration {
	return durationOrDefault(p.Timeout, 5*time.Minute)
}

// BackupConfig holds pre-deletion backup settings
type BackupConfig struct {
	Dir           string `toml:"dir"`
	Retention     string `toml:"retention"`
	DumpTool      string `toml:"dump_tool"`
	Timeout       string `toml:"timeout"`
	SweepInterval string `toml:"sweep_interval"` // empty disables the in-process sweeper
}

func (b *BackupConfig) GetRetention() time.Duration {
	return durationOrDefault(b.Retention, 90*24*time.Hour)
}

func (b *BackupConfig) GetTimeout() time.Duration {
	return durationOrDefault(b.Timeout, 30*time.Minute)
}

func (b *BackupConfig) GetSweepInterval() time.Duration {
	return durationOrDefault(b.SweepInterval, 0)
}

// ConfigParam holds all configuration parameters for the tenant service
type ConfigParam struct {
	FormatVersion string `toml:"format_version"`

	ServerPort  string   `toml:"server_port"`
	HandleCORS  bool     `toml:"handle_cors"`
	CORSOrigins []string `toml:"cors_origins"`
	LogLevel    string   `toml:"log_level"`
	LogConsole  bool     `toml:"log_console"`

	Database     DatabaseConfig     `toml:"database"`
	Resolver     ResolverConfig     `toml:"resolver"`
	Cache        CacheConfig        `toml:"cache"`
	Migration    MigrationConfig    `toml:"migration"`
	Provisioning ProvisioningConfig `toml:"provisioning"`
	Backup       BackupConfig       `toml:"backup"`
}

var cfg *ConfigParam

// Config returns the current configuration
func Config() *ConfigParam {
	return cfg
}

// SetConfig replaces the current configuration
func SetConfig(c *ConfigParam) {
	cfg = c
}

// DefaultConfig returns a configuration suitable for local development
func DefaultConfig() *ConfigParam {
	return &ConfigParam{
		FormatVersion: ConfigFormatVersion,
		ServerPort:    "8194",
		HandleCORS:    false,
		CORSOrigins:   []string{"http://localhost:8190"},
		LogLevel:      "info",
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			User:          "tenantsrv",
			DBName:        "tenants",
			SSLMode:       "disable",
			ControlSchema: "control",
			MaxOpenConns:  20,
		},
		Resolver: ResolverConfig{
			DevOverrideHeader: "X-Tenant-Subdomain",
			NameLookupTimeout: "5s",
		},
		Cache: CacheConfig{
			TTL:       "5m",
			KeyPrefix: "tenantsrv:tenant:",
		},
		Migration: MigrationConfig{
			Workers:       4,
			SchemaTimeout: "10m",
		},
		Provisioning: ProvisioningConfig{
			Timeout: "5m",
		},
		Backup: BackupConfig{
			Dir:       "backups",
			Retention: "90d",
			DumpTool:  "pg_dump",
			Timeout:   "30m",
		},
	}
}

// ParseDuration parses a duration string in the format "<number><unit>" where unit can be:
// - y: years
// - d: days
// - h: hours
// - m: minutes
// - s: seconds
func ParseDuration(input string) (time.Duration, error) {
	if len(input) < 2 {
		return 0, fmt.Errorf("invalid input format")
	}

	unit := input[len(input)-1:]
	valueStr := input[:len(input)-1]
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative duration: %s", input)
	}

	var duration time.Duration
	switch unit {
	case "d":
		duration = time.Duration(value) * 24 * time.Hour
	case "h":
		duration = time.Duration(value) * time.Hour
	case "m":
		duration = time.Duration(value) * time.Minute
	case "s":
		duration = time.Duration(value) * time.Second
	case "y":
		// Assuming 1 year = 365 days for simplicity
		duration = time.Duration(value) * 365 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown time unit: %s", unit)
	}

	return duration, nil
}

func durationOrDefault(input string, def time.Duration) time.Duration {
	if input == "" {
		return def
	}
	d, err := ParseDuration(input)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v", input, err))
	}
	return d
}

// ValidateConfig checks if all required configuration values are present and valid
func ValidateConfig(cfg *ConfigParam) error {
	if cfg.FormatVersion != ConfigFormatVersion {
		return fmt.Errorf("unsupported config file format version: %s", cfg.FormatVersion)
	}
	if cfg.ServerPort == "" {
		return fmt.Errorf("server_port is required")
	}

	if cfg.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if cfg.Database.Port <= 0 {
		return fmt.Errorf("database.port must be positive")
	}
	if cfg.Database.DBName == "" {
		return fmt.Errorf("database.dbname is required")
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if cfg.Database.ControlSchema == "" {
		return fmt.Errorf("database.control_schema is required")
	}

	if cfg.Resolver.AllowDevOverride && cfg.Resolver.DevOverrideHeader == "" {
		return fmt.Errorf("resolver.dev_override_header is required when allow_dev_override is set")
	}
	if cfg.Migration.Workers < 0 {
		return fmt.Errorf("migration.workers must not be negative")
	}
	if cfg.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is required")
	}
	if cfg.Backup.DumpTool == "" {
		return fmt.Errorf("backup.dump_tool is required")
	}

	durations := map[string]string{
		"database.statement_timeout":   cfg.Database.StatementTimeout,
		"resolver.name_lookup_timeout": cfg.Resolver.NameLookupTimeout,
		"cache.ttl":                    cfg.Cache.TTL,
		"migration.schema_timeout":     cfg.Migration.SchemaTimeout,
		"provisioning.timeout":         cfg.Provisioning.Timeout,
		"backup.retention":             cfg.Backup.Retention,
		"backup.timeout":               cfg.Backup.Timeout,
		"backup.sweep_interval":        cfg.Backup.SweepInterval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %v", key, err)
		}
	}
	if cfg.Backup.Retention != "" && cfg.Backup.GetRetention() == 0 {
		return fmt.Errorf("backup.retention must be greater than zero")
	}

	return nil
}

// Parse decodes and validates a configuration document. Unset keys keep the
// values from DefaultConfig.
func Parse(content string) (*ConfigParam, error) {
	c := DefaultConfig()
	if _, err := toml.Decode(content, c); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}
	if pw, ok := os.LookupEnv(EnvDatabasePassword); ok {
		c.Database.Password = pw
	}
	if err := ValidateConfig(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	return c, nil
}

// LoadConfig loads configuration from a file
func LoadConfig(filename string) error {
	if filename == "" {
		return fmt.Errorf("config filename is required")
	}
	content, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}
	c, err := Parse(string(content))
	if err != nil {
		return err
	}
	cfg = c
	return nil
}
