package service

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nethesis/matrix2irc/logger"
)

const (
	defaultIRCPort      = "6667"
	defaultAdminPort    = "8080"
	defaultSyncTimeoutS = 30
	defaultServerName   = "matrix2irc"
	defaultLogLevel     = "INFO"
)

// Config holds all configuration loaded from environment variables
type Config struct {
	// IRC listener configuration
	IRCPort    string
	ServerName string
	LogLevel   string

	// Matrix configuration
	MatrixHomeserverURL string
	SyncTimeoutS        int
	SyncTimeout         time.Duration

	// Admin API configuration
	AdminPort  string
	AdminToken string

	// Channel name derivation overrides
	AliasFile string
}

// NewConfig loads all configuration from environment variables with validation
func NewConfig() (*Config, error) {
	cfg := &Config{}

	logger.Debug().Msg("starting configuration loading from environment variables")

	cfg.LogLevel = os.Getenv("LOGLEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
		logger.Debug().Str("LOGLEVEL", cfg.LogLevel).Msg("using default log level")
	} else {
		logger.Debug().Str("LOGLEVEL", cfg.LogLevel).Msg("log level loaded from environment")
	}

	cfg.IRCPort = os.Getenv("IRC_PORT")
	if cfg.IRCPort == "" {
		cfg.IRCPort = defaultIRCPort
		logger.Debug().Str("IRC_PORT", cfg.IRCPort).Msg("using default IRC port")
	} else {
		logger.Debug().Str("IRC_PORT", cfg.IRCPort).Msg("IRC port loaded from environment")
	}

	cfg.ServerName = os.Getenv("SERVER_NAME")
	if cfg.ServerName == "" {
		cfg.ServerName = defaultServerName
		logger.Debug().Str("SERVER_NAME", cfg.ServerName).Msg("using default server name")
	} else {
		logger.Debug().Str("SERVER_NAME", cfg.ServerName).Msg("server name loaded from environment")
	}

	// Load Matrix configuration (required)
	cfg.MatrixHomeserverURL = os.Getenv("MATRIX_HOMESERVER_URL")
	if cfg.MatrixHomeserverURL == "" {
		logger.Error().Msg("MATRIX_HOMESERVER_URL environment variable is missing")
		return nil, fmt.Errorf("MATRIX_HOMESERVER_URL is required")
	}
	logger.Debug().Str("MATRIX_HOMESERVER_URL", cfg.MatrixHomeserverURL).Msg("matrix homeserver URL loaded from environment")

	cfg.SyncTimeoutS = defaultSyncTimeoutS
	if v := os.Getenv("SYNC_TIMEOUT_S"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.SyncTimeoutS = parsed
			logger.Debug().Int("SYNC_TIMEOUT_S", cfg.SyncTimeoutS).Msg("sync timeout loaded from environment")
		} else {
			logger.Warn().Str("SYNC_TIMEOUT_S", v).Err(err).Int("default", defaultSyncTimeoutS).Msg("invalid sync timeout value, using default")
		}
	} else {
		logger.Debug().Int("SYNC_TIMEOUT_S", cfg.SyncTimeoutS).Msg("using default sync timeout")
	}
	cfg.SyncTimeout = time.Duration(cfg.SyncTimeoutS) * time.Second

	cfg.AdminPort = os.Getenv("ADMIN_PORT")
	if cfg.AdminPort == "" {
		cfg.AdminPort = defaultAdminPort
		logger.Debug().Str("ADMIN_PORT", cfg.AdminPort).Msg("using default admin port")
	} else {
		logger.Debug().Str("ADMIN_PORT", cfg.AdminPort).Msg("admin port loaded from environment")
	}

	cfg.AdminToken = os.Getenv("SUPER_ADMIN_TOKEN")
	if cfg.AdminToken == "" {
		logger.Warn().Msg("SUPER_ADMIN_TOKEN not set - internal API will not be available")
	} else {
		logger.Debug().Msg("SUPER_ADMIN_TOKEN loaded from environment")
	}

	cfg.AliasFile = os.Getenv("ALIAS_FILE")
	if cfg.AliasFile != "" {
		logger.Debug().Str("ALIAS_FILE", cfg.AliasFile).Msg("alias file path loaded from environment")
	} else {
		logger.Debug().Msg("ALIAS_FILE not set - using built-in protocol aliases")
	}

	logger.Debug().Msg("configuration loading completed successfully")

	return cfg, nil
}

// NewTestConfig creates a minimal Config for testing purposes
func NewTestConfig() *Config {
	return &Config{
		IRCPort:             defaultIRCPort,
		ServerName:          defaultServerName,
		LogLevel:            defaultLogLevel,
		MatrixHomeserverURL: "https://example.com",
		SyncTimeoutS:        defaultSyncTimeoutS,
		SyncTimeout:         time.Duration(defaultSyncTimeoutS) * time.Second,
		AdminPort:           defaultAdminPort,
		AdminToken:          "test_token",
	}
}
