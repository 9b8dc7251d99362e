// Package config provides configuration loading for the editor bridge.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the editor bridge.
type Config struct {
	// Control server settings. The listener binds to the first free port
	// found by scanning upward from BasePort, up to PortSpan attempts.
	Host     string
	BasePort int
	PortSpan int

	// Sidecar settings
	SidecarURL    string
	JWKSEndpoint  string
	TokenEndpoint string
	JWTAudience   string
	JWTIssuer     string

	// Workspace settings
	WorkspaceRoot string

	// Persistence
	PersistenceDBPath string
	RecentEditsLimit  int

	// HTTP timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
	SidecarTimeout  time.Duration

	// WebSocket settings for the editor chat surface
	WSReadBufferSize  int
	WSWriteBufferSize int
	ViewerSendBuffer  int

	// Error reporting
	ErrorReportFlushInterval time.Duration
	ErrorReportMaxBatchSize  int
	ErrorReportMaxQueueSize  int
	ErrorReportHTTPTimeout   time.Duration

	// Driver policy: when true a second authorization failure after the
	// credential-refresh retry surfaces as a terminal typed error instead
	// of falling through to the generic error handler.
	UnauthorizedTerminal bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	sidecarURL := getEnv("SIDECAR_URL", "")

	cfg := &Config{
		Host:     getEnv("BRIDGE_HOST", "127.0.0.1"),
		BasePort: getEnvInt("BRIDGE_BASE_PORT", 43110),
		PortSpan: getEnvInt("BRIDGE_PORT_SPAN", 50),

		SidecarURL:    sidecarURL,
		JWKSEndpoint:  getEnv("JWKS_ENDPOINT", ""),
		TokenEndpoint: getEnv("TOKEN_ENDPOINT", ""),
		JWTAudience:   getEnv("JWT_AUDIENCE", "editor-bridge"),
		JWTIssuer:     getEnv("JWT_ISSUER", ""),

		WorkspaceRoot: getEnv("WORKSPACE_ROOT", "."),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", defaultDBPath()),
		RecentEditsLimit:  getEnvInt("RECENT_EDITS_LIMIT", 50),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		SidecarTimeout:  getEnvDuration("SIDECAR_TIMEOUT", 10*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		ViewerSendBuffer:  getEnvInt("VIEWER_SEND_BUFFER", 256),

		ErrorReportFlushInterval: getEnvDuration("ERROR_REPORT_FLUSH_INTERVAL", 30*time.Second),
		ErrorReportMaxBatchSize:  getEnvInt("ERROR_REPORT_MAX_BATCH_SIZE", 10),
		ErrorReportMaxQueueSize:  getEnvInt("ERROR_REPORT_MAX_QUEUE_SIZE", 100),
		ErrorReportHTTPTimeout:   getEnvDuration("ERROR_REPORT_HTTP_TIMEOUT", 10*time.Second),

		UnauthorizedTerminal: getEnvBool("UNAUTHORIZED_TERMINAL", false),
	}

	if cfg.SidecarURL == "" {
		return nil, fmt.Errorf("SIDECAR_URL is required")
	}
	cfg.SidecarURL = strings.TrimRight(cfg.SidecarURL, "/")

	// Derive sidecar-relative endpoints if not set explicitly.
	if cfg.JWKSEndpoint == "" {
		cfg.JWKSEndpoint = cfg.SidecarURL + "/.well-known/jwks.json"
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = cfg.SidecarURL + "/v1/auth/token"
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = cfg.SidecarURL
	}

	if cfg.PortSpan <= 0 {
		return nil, fmt.Errorf("BRIDGE_PORT_SPAN must be positive")
	}

	return cfg, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "editor-bridge.db"
	}
	return home + "/.editor-bridge/state.db"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
