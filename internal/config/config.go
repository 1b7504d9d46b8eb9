package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Redis        RedisConfig        `json:"redis"`
	Catalog      CatalogConfig      `json:"catalog"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	External     ExternalConfig     `json:"external"`
}

type ServerConfig struct {
	BindAddr  string `json:"bindAddr"`
	AuthToken string `json:"authToken"` // empty disables auth
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	Enabled  bool   `json:"enabled"` // false: file-backed store only
}

// DSN returns the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type CatalogConfig struct {
	File string `json:"file"`
}

type OrchestratorConfig struct {
	StateDir         string `json:"stateDir"`         // primary persistence path
	FallbackStateDir string `json:"fallbackStateDir"` // used when StateDir is unwritable
	ProxyConfDir     string `json:"proxyConfDir"`     // reverse-proxy config drop directory
	ExportDir        string `json:"exportDir"`        // export bundles are written here

	PortBase      int `json:"portBase"`
	PortCeiling   int `json:"portCeiling"`
	PortBlockSize int `json:"portBlockSize"`

	SweepInterval    string `json:"sweepInterval"`    // e.g. "30s"
	ProbeTimeout     string `json:"probeTimeout"`     // e.g. "5s"
	AlertThreshold   int    `json:"alertThreshold"`   // consecutive failures before alert
	RestartThreshold int    `json:"restartThreshold"` // consecutive failures before auto-restart
	AutoRestart      bool   `json:"autoRestart"`

	ScaleInterval  string `json:"scaleInterval"`  // policy evaluation cadence
	ScaleCooldown  string `json:"scaleCooldown"`  // quiet period after a decision
	SampleInterval string `json:"sampleInterval"` // expected metrics sample cadence

	HealthPollAttempts int    `json:"healthPollAttempts"` // spin-up bounded health poll
	HealthPollInterval string `json:"healthPollInterval"`
	DaemonTimeout      string `json:"daemonTimeout"` // per docker CLI call
}

type ExternalConfig struct {
	DNSAPIBase    string `json:"dnsApiBase"` // empty: no-op DNS provider
	DNSAPIToken   string `json:"dnsApiToken"`
	DNSZone       string `json:"dnsZone"`
	EdgeEnabled   bool   `json:"edgeEnabled"`   // edge-routing KV via redis
	EventsEnabled bool   `json:"eventsEnabled"` // event broadcast via redis pub/sub
	PrometheusURL string `json:"prometheusUrl"` // empty: scaler runs on pushed samples only
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:  getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			AuthToken: getEnv("SERVER_AUTH_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "tooldock"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Enabled:  getEnvBool("DB_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Catalog: CatalogConfig{
			File: getEnv("CATALOG_FILE", "catalog.yaml"),
		},
		Orchestrator: OrchestratorConfig{
			StateDir:         getEnv("STATE_DIR", "/var/lib/tooldock"),
			FallbackStateDir: getEnv("FALLBACK_STATE_DIR", os.TempDir()),
			ProxyConfDir:     getEnv("PROXY_CONF_DIR", "/etc/nginx/conf.d/tooldock"),
			ExportDir:        getEnv("EXPORT_DIR", "/var/lib/tooldock/exports"),

			PortBase:      getEnvInt("PORT_BASE", 20000),
			PortCeiling:   getEnvInt("PORT_CEILING", 29999),
			PortBlockSize: getEnvInt("PORT_BLOCK_SIZE", 10),

			SweepInterval:    getEnv("SWEEP_INTERVAL", "30s"),
			ProbeTimeout:     getEnv("PROBE_TIMEOUT", "5s"),
			AlertThreshold:   getEnvInt("ALERT_THRESHOLD", 3),
			RestartThreshold: getEnvInt("RESTART_THRESHOLD", 5),
			AutoRestart:      getEnvBool("AUTO_RESTART", true),

			ScaleInterval:  getEnv("SCALE_INTERVAL", "1m"),
			ScaleCooldown:  getEnv("SCALE_COOLDOWN", "5m"),
			SampleInterval: getEnv("SAMPLE_INTERVAL", "1m"),

			HealthPollAttempts: getEnvInt("HEALTH_POLL_ATTEMPTS", 10),
			HealthPollInterval: getEnv("HEALTH_POLL_INTERVAL", "3s"),
			DaemonTimeout:      getEnv("DAEMON_TIMEOUT", "60s"),
		},
		External: ExternalConfig{
			DNSAPIBase:    getEnv("DNS_API_BASE", ""),
			DNSAPIToken:   getEnv("DNS_API_TOKEN", ""),
			DNSZone:       getEnv("DNS_ZONE", ""),
			EdgeEnabled:   getEnvBool("EDGE_ENABLED", false),
			EventsEnabled: getEnvBool("EVENTS_ENABLED", false),
			PrometheusURL: getEnv("PROMETHEUS_URL", ""),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Orchestrator.PortBase == 0 {
		cfg.Orchestrator.PortBase = 20000
	}
	if cfg.Orchestrator.PortCeiling == 0 {
		cfg.Orchestrator.PortCeiling = 29999
	}
	if cfg.Orchestrator.PortBlockSize == 0 {
		cfg.Orchestrator.PortBlockSize = 10
	}
	if cfg.Orchestrator.SweepInterval == "" {
		cfg.Orchestrator.SweepInterval = "30s"
	}
	if cfg.Orchestrator.ProbeTimeout == "" {
		cfg.Orchestrator.ProbeTimeout = "5s"
	}
	if cfg.Orchestrator.AlertThreshold == 0 {
		cfg.Orchestrator.AlertThreshold = 3
	}
	if cfg.Orchestrator.RestartThreshold == 0 {
		cfg.Orchestrator.RestartThreshold = 5
	}
	if cfg.Orchestrator.ScaleCooldown == "" {
		cfg.Orchestrator.ScaleCooldown = "5m"
	}
	if cfg.Orchestrator.HealthPollAttempts == 0 {
		cfg.Orchestrator.HealthPollAttempts = 10
	}
	if cfg.Orchestrator.HealthPollInterval == "" {
		cfg.Orchestrator.HealthPollInterval = "3s"
	}
	if cfg.Orchestrator.DaemonTimeout == "" {
		cfg.Orchestrator.DaemonTimeout = "60s"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
