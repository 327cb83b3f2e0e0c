package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PAGESYNC"
	defaultListenAddress = "127.0.0.1:7642"
	defaultDatabasePath  = "pagesync.db"
	defaultLogLevel      = "info"
	defaultPollSeconds   = 30
	defaultDebounceMS    = 2000
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	ListenAddress string
	DatabasePath  string
	ServerURL     string
	TokenFile     string
	AuthToken     string
	LogLevel      string
	PollInterval  time.Duration
	DebounceDelay time.Duration
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

	configViper.SetDefault("http.address", defaultListenAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.poll_seconds", defaultPollSeconds)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ListenAddress: configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		ServerURL:     configViper.GetString("sync.server_url"),
		TokenFile:     configViper.GetString("auth.token_file"),
		AuthToken:     configViper.GetString("auth.token"),
		LogLevel:      configViper.GetString("log.level"),
		PollInterval:  time.Duration(configViper.GetInt("sync.poll_seconds")) * time.Second,
		DebounceDelay: time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("sync.server_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenFile) == "" && strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("auth.token_file or auth.token is required")
	}
	return nil
}
