package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the FlowDeck server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Workspace WorkspaceConfig
	Watcher   WatcherConfig
	Pipeline  PipelineConfig
	Savepoint SavepointConfig
	Alert     AlertConfig
	Docker    DockerConfig
	Cluster   ClusterConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkspaceConfig locates the artifact staging areas. Local holds
// uploaded artifacts and per-job staging dirs; Remote is the root the
// stager uploads into (may be a mounted distributed filesystem path).
type WorkspaceConfig struct {
	Local  string
	Remote string
}

type WatcherConfig struct {
	TickInterval   time.Duration // scheduler period
	PollInterval   time.Duration // full reconciliation gate
	OptionCooldown time.Duration // fast-poll window after an admin action
	Workers        int           // bound on concurrent per-job polls
	HTTPTimeout    time.Duration
}

type PipelineConfig struct {
	Workers int // background pool shared by pipeline runs and savepoint triggers
}

type SavepointConfig struct {
	TriggerTimeout  time.Duration
	DefaultRetained int // fallback when neither overrides nor env config set a threshold
}

type AlertConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

type DockerConfig struct {
	Registry  string
	Namespace string
	Username  string
	Password  string
}

// ClusterConfig addresses the cluster manager. ResourceManagerURL is the
// REST base used for resource-manager deploy modes; remote-mode jobs
// carry their own cluster address and ignore it.
type ClusterConfig struct {
	ResourceManagerURL string
	HTTPTimeout        time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FLOWDECK_PORT", 8080),
			Env:  envString("FLOWDECK_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Workspace: WorkspaceConfig{
			Local:  envString("WORKSPACE_LOCAL", "/var/lib/flowdeck/workspace"),
			Remote: envString("WORKSPACE_REMOTE", "/var/lib/flowdeck/remote"),
		},
		Watcher: WatcherConfig{
			TickInterval:   envDuration("WATCHER_TICK_INTERVAL", time.Second),
			PollInterval:   envDuration("WATCHER_POLL_INTERVAL", 5*time.Second),
			OptionCooldown: envDuration("WATCHER_OPTION_COOLDOWN", 10*time.Second),
			Workers:        envInt("WATCHER_WORKERS", 10),
			HTTPTimeout:    envDuration("WATCHER_HTTP_TIMEOUT", 5*time.Second),
		},
		Pipeline: PipelineConfig{
			Workers: envInt("PIPELINE_WORKERS", 4),
		},
		Savepoint: SavepointConfig{
			TriggerTimeout:  envDuration("SAVEPOINT_TRIGGER_TIMEOUT", 10*time.Minute),
			DefaultRetained: envInt("SAVEPOINT_DEFAULT_RETAINED", 1),
		},
		Alert: AlertConfig{
			WebhookURL: os.Getenv("ALERT_WEBHOOK_URL"),
			Timeout:    envDuration("ALERT_TIMEOUT", 10*time.Second),
		},
		Docker: DockerConfig{
			Registry:  envString("DOCKER_REGISTRY", ""),
			Namespace: envString("DOCKER_NAMESPACE", "flowdeck"),
			Username:  os.Getenv("DOCKER_USERNAME"),
			Password:  os.Getenv("DOCKER_PASSWORD"),
		},
		Cluster: ClusterConfig{
			ResourceManagerURL: os.Getenv("CLUSTER_RESMGR_URL"),
			HTTPTimeout:        envDuration("CLUSTER_HTTP_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Workspace.Local == "" || c.Workspace.Remote == "" {
		return fmt.Errorf("WORKSPACE_LOCAL and WORKSPACE_REMOTE are required")
	}

	if c.Watcher.TickInterval <= 0 || c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher intervals must be positive")
	}
	if c.Watcher.PollInterval < c.Watcher.TickInterval {
		return fmt.Errorf("WATCHER_POLL_INTERVAL must not be shorter than WATCHER_TICK_INTERVAL")
	}
	if c.Watcher.Workers <= 0 || c.Pipeline.Workers <= 0 {
		return fmt.Errorf("worker pool sizes must be positive")
	}

	if c.Savepoint.TriggerTimeout <= 0 {
		return fmt.Errorf("SAVEPOINT_TRIGGER_TIMEOUT must be positive")
	}

	if c.Alert.WebhookURL != "" &&
		!strings.HasPrefix(c.Alert.WebhookURL, "http://") && !strings.HasPrefix(c.Alert.WebhookURL, "https://") {
		return fmt.Errorf("ALERT_WEBHOOK_URL must start with http:// or https://, got %q", c.Alert.WebhookURL)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
