// Package config loads server configuration from environment variables and an
// optional config file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`

	// Logging
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	// Metadata ("postgres" or "memory")
	MetadataBackend string `mapstructure:"metadata_backend" validate:"oneof=postgres memory"`

	// Database
	DatabaseURL       string        `mapstructure:"database_url" validate:"required_if=MetadataBackend postgres"`
	DBUser            string        `mapstructure:"db_user"`
	DBPassword        string        `mapstructure:"db_password"`
	DBHost            string        `mapstructure:"db_host"`
	DBPort            int           `mapstructure:"db_port"`
	DBName            string        `mapstructure:"db_name"`
	DBSSLMode         string        `mapstructure:"db_sslmode"`
	DBMaxOpenConns    int           `mapstructure:"db_max_open_conns" validate:"gte=1"`
	DBMaxIdleConns    int           `mapstructure:"db_max_idle_conns" validate:"gte=0"`
	DBConnMaxLifetime time.Duration `mapstructure:"db_conn_max_lifetime"`

	// Auth
	JWTSecret  string        `mapstructure:"jwt_secret" validate:"required"`
	TokenTTL   time.Duration `mapstructure:"token_ttl" validate:"gte=0"`
	BcryptCost int           `mapstructure:"bcrypt_cost" validate:"gte=4,lte=31"`

	// Storage backend ("local" or "s3")
	StorageBackend   string `mapstructure:"storage_backend" validate:"oneof=local s3"`
	LocalStoragePath string `mapstructure:"local_storage_path" validate:"required_if=StorageBackend local"`

	// S3 storage
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Bucket    string `mapstructure:"s3_bucket" validate:"required_if=StorageBackend s3"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	// Uploads
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gt=0"`

	// CORS (comma-separated origins; "*" allows any)
	CORSOrigins []string `mapstructure:"cors_origins"`
}

var defaults = map[string]any{
	"listen_addr":          ":8080",
	"metrics_addr":         ":9090",
	"shutdown_timeout":     "10s",
	"log_level":            "info",
	"log_format":           "json",
	"metadata_backend":     "postgres",
	"database_url":         "",
	"db_user":              "postgres",
	"db_password":          "",
	"db_host":              "localhost",
	"db_port":              5432,
	"db_name":              "drive_db",
	"db_sslmode":           "disable",
	"db_max_open_conns":    25,
	"db_max_idle_conns":    5,
	"db_conn_max_lifetime": "5m",
	"jwt_secret":           "",
	"token_ttl":            "720h", // 30 days
	"bcrypt_cost":          10,
	"storage_backend":      "local",
	"local_storage_path":   "./uploads",
	"s3_endpoint":          "http://localhost:9000",
	"s3_bucket":            "fruitdrive",
	"s3_access_key":        "minioadmin",
	"s3_secret_key":        "minioadmin",
	"s3_region":            "us-east-1",
	"tls_cert_file":        "",
	"tls_key_file":         "",
	"max_upload_size":      100 * 1024 * 1024, // 100MB
	"cors_origins":         []string{"*"},
}

// Load reads configuration from the environment. If CONFIG_FILE is set, that
// file is read first and environment variables override it.
func Load() (*Config, error) {
	v := viper.New()
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	v.SetDefault("config_file", "")
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Compose the URL from discrete settings when DATABASE_URL is absent.
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.composeDatabaseURL()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("invalid configuration: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// UseTLS reports whether both TLS files are configured.
func (c *Config) UseTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func (c *Config) composeDatabaseURL() string {
	u := &url.URL{
		Scheme: "postgresql",
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	if c.DBSSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.DBSSLMode}}.Encode()
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	return u.String()
}
