package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	DB            struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Server struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		TLS          struct {
			Enable   bool   `mapstructure:"enable"`
			CertFile string `mapstructure:"cert_file"`
			KeyFile  string `mapstructure:"key_file"`
			// a self-signed pair is generated for these names when CertFile is missing
			Hostnames []string `mapstructure:"hostnames"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Workflow struct {
		StaleDays           int           `mapstructure:"stale_days"`
		StaleLimit          int           `mapstructure:"stale_limit"`
		MaxAttempts         int           `mapstructure:"max_attempts"`
		LockTimeout         time.Duration `mapstructure:"lock_timeout"`
		DefinitionCacheSize int           `mapstructure:"definition_cache_size"`
		// entity type -> "table.column" used to label dashboard entries
		EntityLabels map[string]string `mapstructure:"entity_labels"`
	} `mapstructure:"workflow"`
	Export struct {
		Dir      string `mapstructure:"dir"`
		S3Bucket string `mapstructure:"s3_bucket"`
		S3Prefix string `mapstructure:"s3_prefix"`
		S3Region string `mapstructure:"s3_region"`
	} `mapstructure:"export"`
}

// LoadConfig loads the configuration from an optional .env file, a config
// file and the environment. A missing config file is not an error.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "erp_workflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.tls.enable", false)
	v.SetDefault("server.tls.cert_file", "certs/server.crt")
	v.SetDefault("server.tls.key_file", "certs/server.key")
	v.SetDefault("server.tls.hostnames", []string{"localhost", "127.0.0.1"})
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("workflow.stale_days", 7)
	v.SetDefault("workflow.stale_limit", 50)
	v.SetDefault("workflow.max_attempts", 3)
	v.SetDefault("workflow.lock_timeout", 2*time.Second)
	v.SetDefault("workflow.definition_cache_size", 128)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.s3_bucket", "")
	v.SetDefault("export.s3_prefix", "audit-exports/")
	v.SetDefault("export.s3_region", "")
}

// DSN returns the PostgreSQL connection string in key/value form.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL form, as needed by migrations.
func (c *Config) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
