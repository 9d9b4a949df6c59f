package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Dispatch modes for Notify and CreateTask actions.
const (
	DispatchOutbox = "outbox"
	DispatchInline = "inline"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Log           struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	Server struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Messaging struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"messaging"`
	Deviations struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"deviations"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

// WorkflowConfig tunes the engine and its background workers.
type WorkflowConfig struct {
	ActionTimeout   time.Duration `mapstructure:"action_timeout"`
	DispatchMode    string        `mapstructure:"dispatch_mode"`
	SLASweepCron    string        `mapstructure:"sla_sweep_cron"`
	SLASweepBatch   int           `mapstructure:"sla_sweep_batch"`
	ApprovalRetries int           `mapstructure:"approval_retries"`
	Outbox          struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		Workers      int           `mapstructure:"workers"`
		BatchSize    int           `mapstructure:"batch_size"`
		MaxAttempts  int           `mapstructure:"max_attempts"`
	} `mapstructure:"outbox"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("log.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("messaging.timeout", 5*time.Second)
	v.SetDefault("deviations.timeout", 5*time.Second)
	v.SetDefault("workflow.action_timeout", 10*time.Second)
	v.SetDefault("workflow.dispatch_mode", DispatchOutbox)
	v.SetDefault("workflow.sla_sweep_cron", "0 */5 * * * *")
	v.SetDefault("workflow.sla_sweep_batch", 100)
	v.SetDefault("workflow.approval_retries", 5)
	v.SetDefault("workflow.outbox.poll_interval", 2*time.Second)
	v.SetDefault("workflow.outbox.workers", 4)
	v.SetDefault("workflow.outbox.batch_size", 50)
	v.SetDefault("workflow.outbox.max_attempts", 10)
}

// LoadConfig loads the configuration from a file and the environment.
// An empty configFile searches for config.yaml in . and ./config; a missing
// file there is not an error.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Workflow.DispatchMode {
	case DispatchOutbox, DispatchInline:
	default:
		return fmt.Errorf("workflow.dispatch_mode must be %q or %q, got %q",
			DispatchOutbox, DispatchInline, c.Workflow.DispatchMode)
	}
	if c.Workflow.ActionTimeout <= 0 {
		return errors.New("workflow.action_timeout must be positive")
	}
	if c.Workflow.Outbox.Workers <= 0 || c.Workflow.Outbox.BatchSize <= 0 {
		return errors.New("workflow.outbox workers and batch_size must be positive")
	}
	return nil
}

// normalizeOktaIssuer removes any trailing slash so the full URL can be
// pasted from the Okta admin console.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
