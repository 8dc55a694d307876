// Package config provides configuration management for the agent mesh runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the mesh runtime.
type Config struct {
	Namespace string          `mapstructure:"namespace"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Mesh      MeshConfig      `mapstructure:"mesh"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Skills    SkillsConfig    `mapstructure:"skills"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the gateway edge.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	ReadTimeout     int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout    int      `mapstructure:"writeTimeout"` // in seconds
	CORSOrigins     []string `mapstructure:"corsOrigins"`
	MaxMessageBytes int64    `mapstructure:"maxMessageBytes"`
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite" or "postgres". For sqlite, Path is the database file;
// for postgres, URL is the connection string.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

// MeshConfig holds event-mesh (NATS) configuration.
// An empty URL selects the in-memory bus, useful for tests and dev mode.
type MeshConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
// Mode "none" bypasses validation (dev mode); mode "external" consults the
// configured authentication service for token validation.
type AuthConfig struct {
	Mode        string `mapstructure:"mode"`
	ProviderURL string `mapstructure:"providerUrl"`
}

// ArtifactsConfig holds artifact store configuration.
type ArtifactsConfig struct {
	BasePath string `mapstructure:"basePath"`
	AppName  string `mapstructure:"appName"`
}

// BufferConfig holds persistent SSE event buffer configuration.
type BufferConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Hybrid         bool `mapstructure:"hybrid"`         // RAM slice + async DB writer; false = direct DB writes
	FlushThreshold int  `mapstructure:"flushThreshold"` // RAM slice size that triggers a flush
	QueueSize      int  `mapstructure:"queueSize"`      // async write queue capacity
	BatchSize      int  `mapstructure:"batchSize"`      // max events per write transaction
	BatchTimeoutMs int  `mapstructure:"batchTimeoutMs"` // max wait before a partial batch is written
	RetentionDays  int  `mapstructure:"retentionDays"`  // consumed-event retention for cleanup
	CleanupHours   int  `mapstructure:"cleanupHours"`   // interval between cleanup passes
}

// GatewayConfig holds gateway component configuration.
type GatewayConfig struct {
	ID               string `mapstructure:"id"`
	TaskTimeout      int    `mapstructure:"taskTimeout"`      // seconds; hard per-task timeout
	SSEKeepalive     int    `mapstructure:"sseKeepalive"`     // seconds between keepalive comments
	AgentTTL         int    `mapstructure:"agentTtl"`         // seconds before a non-refreshed agent is evicted
	HeartbeatSeconds int    `mapstructure:"heartbeatSeconds"` // 0 disables the deployer heartbeat
}

// ProxiedAgent describes one downstream HTTP agent fronted by the proxy.
type ProxiedAgent struct {
	Alias          string `mapstructure:"alias"`
	CardURL        string `mapstructure:"cardUrl"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // seconds
	BearerToken    string `mapstructure:"bearerToken"`
}

// ProxyConfig holds proxy component configuration.
type ProxyConfig struct {
	Agents                   []ProxiedAgent `mapstructure:"agents"`
	DiscoveryIntervalSeconds int            `mapstructure:"discoveryIntervalSeconds"`
	RequestTimeout           int            `mapstructure:"requestTimeout"` // seconds; default for agents without one
}

// AgentConfig holds agent runtime harness configuration.
type AgentConfig struct {
	Name                    string `mapstructure:"name"`
	Description             string `mapstructure:"description"`
	CardRepublishSeconds    int    `mapstructure:"cardRepublishSeconds"`
	CompactionThreshold     int    `mapstructure:"compactionThreshold"` // tokens; 0 disables compaction
	CompactionTargetTokens  int    `mapstructure:"compactionTargetTokens"`
	TokenizerEncoding       string `mapstructure:"tokenizerEncoding"`
	DeploymentTimeoutSecond int    `mapstructure:"deploymentTimeoutSeconds"`
}

// SkillsConfig holds skill catalog configuration.
type SkillsConfig struct {
	Paths        []string `mapstructure:"paths"`
	AutoDiscover bool     `mapstructure:"autoDiscover"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TaskTimeoutDuration returns the hard per-task timeout as a time.Duration.
func (g *GatewayConfig) TaskTimeoutDuration() time.Duration {
	return time.Duration(g.TaskTimeout) * time.Second
}

// BatchTimeout returns the async writer batch timeout as a time.Duration.
func (b *BufferConfig) BatchTimeout() time.Duration {
	return time.Duration(b.BatchTimeoutMs) * time.Millisecond
}

// Timeout returns the request timeout for a proxied agent, falling back to
// the proxy-wide default.
func (p *ProxyConfig) Timeout(agent ProxiedAgent) time.Duration {
	if agent.RequestTimeout > 0 {
		return time.Duration(agent.RequestTimeout) * time.Second
	}
	return time.Duration(p.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "default")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not be cut off
	v.SetDefault("server.corsOrigins", []string{"*"})
	v.SetDefault("server.maxMessageBytes", 10*1024*1024)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./agentmesh.db")
	v.SetDefault("database.url", "")

	// Mesh defaults - empty URL means use in-memory bus
	v.SetDefault("mesh.url", "")
	v.SetDefault("mesh.clientId", "agentmesh-client")
	v.SetDefault("mesh.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.providerUrl", "")

	// Artifact store defaults
	v.SetDefault("artifacts.basePath", "./artifacts")
	v.SetDefault("artifacts.appName", "agentmesh")

	// Event buffer defaults
	v.SetDefault("buffer.enabled", true)
	v.SetDefault("buffer.hybrid", true)
	v.SetDefault("buffer.flushThreshold", 50)
	v.SetDefault("buffer.queueSize", 1000)
	v.SetDefault("buffer.batchSize", 100)
	v.SetDefault("buffer.batchTimeoutMs", 500)
	v.SetDefault("buffer.retentionDays", 7)
	v.SetDefault("buffer.cleanupHours", 24)

	// Gateway defaults
	v.SetDefault("gateway.id", "gateway-01")
	v.SetDefault("gateway.taskTimeout", 300)
	v.SetDefault("gateway.sseKeepalive", 15)
	v.SetDefault("gateway.agentTtl", 120)
	v.SetDefault("gateway.heartbeatSeconds", 0)

	// Proxy defaults
	v.SetDefault("proxy.agents", []ProxiedAgent{})
	v.SetDefault("proxy.discoveryIntervalSeconds", 60)
	v.SetDefault("proxy.requestTimeout", 300)

	// Agent defaults
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.description", "")
	v.SetDefault("agent.cardRepublishSeconds", 60)
	v.SetDefault("agent.compactionThreshold", 0)
	v.SetDefault("agent.compactionTargetTokens", 4096)
	v.SetDefault("agent.tokenizerEncoding", "cl100k_base")
	v.SetDefault("agent.deploymentTimeoutSeconds", 300)

	// Skills defaults
	v.SetDefault("skills.paths", []string{})
	v.SetDefault("skills.autoDiscover", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.url", "AGENTMESH_DATABASE_URL")
	_ = v.BindEnv("gateway.id", "AGENTMESH_GATEWAY_ID")
	_ = v.BindEnv("mesh.url", "AGENTMESH_MESH_URL")
	_ = v.BindEnv("auth.providerUrl", "AGENTMESH_AUTH_PROVIDER_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Namespace) == "" {
		errs = append(errs, "namespace must not be empty")
	}
	if strings.ContainsAny(cfg.Namespace, " .") {
		errs = append(errs, "namespace must not contain spaces or dots")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		errs = append(errs, "server.maxMessageBytes must be positive")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, "database.url is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Auth.Mode {
	case "none":
	case "external":
		if cfg.Auth.ProviderURL == "" {
			errs = append(errs, "auth.providerUrl is required when auth.mode is external")
		}
	default:
		errs = append(errs, "auth.mode must be one of: none, external")
	}

	if cfg.Buffer.Enabled {
		if cfg.Buffer.FlushThreshold <= 0 {
			errs = append(errs, "buffer.flushThreshold must be positive")
		}
		if cfg.Buffer.QueueSize <= 0 {
			errs = append(errs, "buffer.queueSize must be positive")
		}
		if cfg.Buffer.BatchSize <= 0 {
			errs = append(errs, "buffer.batchSize must be positive")
		}
		if cfg.Buffer.RetentionDays <= 0 {
			errs = append(errs, "buffer.retentionDays must be positive")
		}
	}

	if cfg.Gateway.TaskTimeout <= 0 {
		errs = append(errs, "gateway.taskTimeout must be positive")
	}

	for i, agent := range cfg.Proxy.Agents {
		if strings.TrimSpace(agent.Alias) == "" {
			errs = append(errs, fmt.Sprintf("proxy.agents[%d].alias must not be empty", i))
		}
		if agent.CardURL == "" {
			errs = append(errs, fmt.Sprintf("proxy.agents[%d].cardUrl must not be empty", i))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
