package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds runtime configuration for the deployment service.
type Config struct {
	Environment       string
	Addr              string
	LogLevel          string
	DeploymentRoot    string
	WidgetLibraryDir  string
	BasePort          int
	PortSpan          int
	InstallCommand    string
	DevCommand        string
	ReadyTimeout      time.Duration
	StopGracePeriod   time.Duration
	MaxProjectAge     time.Duration
	SweepInterval     time.Duration
	SweepInitialDelay time.Duration
	LogBuffer         int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:       GetString("APP_ENV", "development"),
		Addr:              GetString("DEPLOYD_ADDR", ":4600"),
		LogLevel:          GetString("DEPLOYD_LOG_LEVEL", "info"),
		DeploymentRoot:    GetString("DEPLOYD_ROOT", defaultDeploymentRoot()),
		WidgetLibraryDir:  GetString("DEPLOYD_WIDGET_DIR", filepath.Join("components", "widgets")),
		BasePort:          GetInt("DEPLOYD_BASE_PORT", 3001),
		PortSpan:          GetInt("DEPLOYD_PORT_SPAN", 100),
		InstallCommand:    GetString("DEPLOYD_INSTALL_COMMAND", "npm install"),
		DevCommand:        GetString("DEPLOYD_DEV_COMMAND", "npm run dev"),
		ReadyTimeout:      time.Duration(GetInt("DEPLOYD_READY_TIMEOUT_SECONDS", 30)) * time.Second,
		StopGracePeriod:   time.Duration(GetInt("DEPLOYD_STOP_GRACE_SECONDS", 5)) * time.Second,
		MaxProjectAge:     time.Duration(GetInt("DEPLOYD_MAX_AGE_HOURS", 24)) * time.Hour,
		SweepInterval:     time.Duration(GetInt("DEPLOYD_SWEEP_INTERVAL_MINUTES", 60)) * time.Minute,
		SweepInitialDelay: time.Duration(GetInt("DEPLOYD_SWEEP_INITIAL_DELAY_MINUTES", 5)) * time.Minute,
		LogBuffer:         GetInt("DEPLOYD_LOG_BUFFER", 200),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

func defaultDeploymentRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "deployments"
	}
	return filepath.Join(home, ".carecanvas", "deployments")
}
