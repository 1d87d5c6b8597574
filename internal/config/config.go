package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Backend  BackendConfig  `yaml:"backend" envconfig:"BACKEND"`
	Storage  StorageConfig  `yaml:"storage" envconfig:"STORAGE"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// BackendConfig contains the blob store and token exchange credentials.
// RefreshToken, AppKey and AppSecret have no defaults; startup fails
// without them.
type BackendConfig struct {
	RefreshToken   string        `yaml:"refresh_token" envconfig:"REFRESH_TOKEN"`
	AppKey         string        `yaml:"app_key" envconfig:"APP_KEY"`
	AppSecret      string        `yaml:"app_secret" envconfig:"APP_SECRET"`
	TokenURL       string        `yaml:"token_url" envconfig:"TOKEN_URL" default:"https://api.dropbox.com/oauth2/token"`
	APIBase        string        `yaml:"api_base" envconfig:"API_BASE" default:"https://api.dropboxapi.com"`
	ContentBase    string        `yaml:"content_base" envconfig:"CONTENT_BASE" default:"https://content.dropboxapi.com"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// StorageConfig contains the persisted layout inside the blob store
type StorageConfig struct {
	LicenseDir  string `yaml:"license_dir" envconfig:"LICENSE_DIR" default:"/licenses"`
	LoaderDir   string `yaml:"loader_dir" envconfig:"LOADER_DIR" default:"/loader"`
	RatingsPath string `yaml:"ratings_path" envconfig:"RATINGS_PATH" default:"/ratings.json"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// Load loads configuration from environment variables and an optional
// config file. Environment variables take precedence over file values.
func Load() (*Config, error) {
	cfg := Config{}

	if configFile := findConfigFile(); configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("KEYGATE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate validates the configuration. The three backend credentials are
// required inputs; absence of any is a fatal startup error.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Backend.RefreshToken == "" {
		return fmt.Errorf("backend refresh token is required (KEYGATE_BACKEND_REFRESH_TOKEN)")
	}
	if c.Backend.AppKey == "" {
		return fmt.Errorf("backend app key is required (KEYGATE_BACKEND_APP_KEY)")
	}
	if c.Backend.AppSecret == "" {
		return fmt.Errorf("backend app secret is required (KEYGATE_BACKEND_APP_SECRET)")
	}

	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend request timeout must be positive")
	}

	if c.Storage.LicenseDir == "" || c.Storage.LoaderDir == "" || c.Storage.RatingsPath == "" {
		return fmt.Errorf("storage layout paths must not be empty")
	}

	return nil
}

// findConfigFile returns the path to the config file, if any
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration with placeholder credentials.
// Intended for tests; production configs come from Load.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Backend: BackendConfig{
			TokenURL:       "https://api.dropbox.com/oauth2/token",
			APIBase:        "https://api.dropboxapi.com",
			ContentBase:    "https://content.dropboxapi.com",
			RequestTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			LicenseDir:  "/licenses",
			LoaderDir:   "/loader",
			RatingsPath: "/ratings.json",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
