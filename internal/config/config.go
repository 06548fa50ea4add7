package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "COPYDESK"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "copydesk.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 720
	defaultSendBuffer      = 256
	defaultDebounceMillis  = 250
	defaultAdminUsername   = "admin"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenTTL       time.Duration
	LogLevel       string
	LogDevelopment bool

	// SendBuffer is the per-connection outbound frame buffer; frames beyond
	// it are dropped rather than stalling the broadcaster.
	SendBuffer int
	// DraftDebounce is the per-page window for coalescing draft writes.
	// Zero disables coalescing and makes every content change write through.
	DraftDebounce time.Duration

	AdminUsername string
	AdminPassword string
	// AdminSeed makes startup ensure the admin account (and a starter page
	// on an empty database) before serving.
	AdminSeed bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.development", false)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("collab.send_buffer", defaultSendBuffer)
	configViper.SetDefault("collab.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("admin.username", defaultAdminUsername)
	configViper.SetDefault("admin.seed", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LogLevel:       configViper.GetString("log.level"),
		LogDevelopment: configViper.GetBool("log.development"),
		SendBuffer:     configViper.GetInt("collab.send_buffer"),
		DraftDebounce:  time.Duration(configViper.GetInt("collab.debounce_ms")) * time.Millisecond,
		AdminUsername:  configViper.GetString("admin.username"),
		AdminPassword:  configViper.GetString("admin.password"),
		AdminSeed:      configViper.GetBool("admin.seed"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("collab.send_buffer must be positive")
	}
	if c.DraftDebounce < 0 {
		return fmt.Errorf("collab.debounce_ms must not be negative")
	}
	if c.AdminSeed {
		if strings.TrimSpace(c.AdminUsername) == "" {
			return fmt.Errorf("admin.username is required when seeding")
		}
		if strings.TrimSpace(c.AdminPassword) == "" {
			return fmt.Errorf("admin.password is required when seeding")
		}
	}
	return nil
}
