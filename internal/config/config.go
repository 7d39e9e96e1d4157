// Package config loads and validates application configuration.
//
// Load reads api.yaml from the config directory, with AGENTUM_*
// environment variables overriding individual values. The paths of
// permissions.yaml and security.yaml in the same directory are exposed
// through PermissionsFile and SecurityFile; the permission and sandbox
// packages parse those documents.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Host                string
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSOrigins         []string

	// Storage settings.
	DatabasePath string
	SessionsRoot string
	SkillsDir    string

	// Agent execution settings.
	AgentCommand      []string
	DefaultModel      string
	MaxTurns          int
	Timeout           time.Duration
	Grace             time.Duration
	MaxLineBytes      int
	MaxConcurrent     int
	SubscriberBuffer  int
	HeartbeatInterval time.Duration

	// Auth settings.
	SecretsFile string
	TokenTTL    time.Duration

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Telemetry.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel  string
	ConfigDir string
}

// apiYAML is the recognized shape of config/api.yaml.
type apiYAML struct {
	API struct {
		Host         string `yaml:"host"`
		ExternalPort int    `yaml:"external_port"`
	} `yaml:"api"`
	Web struct {
		ExternalPort int `yaml:"external_port"`
	} `yaml:"web"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	CORS struct {
		Origins []string `yaml:"origins"`
	} `yaml:"cors"`
	Sessions struct {
		Root          string `yaml:"root"`
		SkillsDir     string `yaml:"skills_dir"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"sessions"`
	Agent struct {
		Command        []string `yaml:"command"`
		Model          string   `yaml:"model"`
		MaxTurns       int      `yaml:"max_turns"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
	} `yaml:"agent"`
}

// Load reads configuration from the config directory and the environment.
// A missing api.yaml is not an error — every value has a default.
func Load(configDir string) (Config, error) {
	if configDir == "" {
		configDir = envStr("AGENTUM_CONFIG_DIR", "config")
	}

	cfg := Config{
		Host:                "0.0.0.0",
		Port:                8700,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
		DatabasePath:        "data/agentum.db",
		SessionsRoot:        "data/sessions",
		AgentCommand:        []string{"agentum-agent"},
		MaxTurns:            100,
		Timeout:             30 * time.Minute,
		Grace:               5 * time.Second,
		MaxLineBytes:        1 << 20,
		MaxConcurrent:       16,
		SubscriberBuffer:    256,
		HeartbeatInterval:   30 * time.Second,
		TokenTTL:            168 * time.Hour,
		RateLimitRPS:        5,
		RateLimitBurst:      20,
		ServiceName:         "agentum",
		LogLevel:            "info",
		ConfigDir:           configDir,
	}
	cfg.SecretsFile = filepath.Join(configDir, "secrets.yaml")

	if err := cfg.applyYAML(filepath.Join(configDir, "api.yaml")); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc apiYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if doc.API.Host != "" {
		c.Host = doc.API.Host
	}
	if doc.API.ExternalPort > 0 {
		c.Port = doc.API.ExternalPort
	}
	if doc.Database.Path != "" {
		c.DatabasePath = doc.Database.Path
	}
	if len(doc.CORS.Origins) > 0 {
		c.CORSOrigins = doc.CORS.Origins
	}
	if doc.Sessions.Root != "" {
		c.SessionsRoot = doc.Sessions.Root
	}
	if doc.Sessions.SkillsDir != "" {
		c.SkillsDir = doc.Sessions.SkillsDir
	}
	if doc.Sessions.MaxConcurrent > 0 {
		c.MaxConcurrent = doc.Sessions.MaxConcurrent
	}
	if len(doc.Agent.Command) > 0 {
		c.AgentCommand = doc.Agent.Command
	}
	if doc.Agent.Model != "" {
		c.DefaultModel = doc.Agent.Model
	}
	if doc.Agent.MaxTurns > 0 {
		c.MaxTurns = doc.Agent.MaxTurns
	}
	if doc.Agent.TimeoutSeconds > 0 {
		c.Timeout = time.Duration(doc.Agent.TimeoutSeconds) * time.Second
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Host = envStr("AGENTUM_HOST", c.Host)
	c.Port = envInt("AGENTUM_PORT", c.Port)
	c.ReadTimeout = envDuration("AGENTUM_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = envDuration("AGENTUM_WRITE_TIMEOUT", c.WriteTimeout)
	c.DatabasePath = envStr("AGENTUM_DATABASE_PATH", c.DatabasePath)
	c.SessionsRoot = envStr("AGENTUM_SESSIONS_ROOT", c.SessionsRoot)
	c.SkillsDir = envStr("AGENTUM_SKILLS_DIR", c.SkillsDir)
	c.DefaultModel = envStr("AGENTUM_MODEL", c.DefaultModel)
	c.MaxTurns = envInt("AGENTUM_MAX_TURNS", c.MaxTurns)
	c.Timeout = envDuration("AGENTUM_TIMEOUT", c.Timeout)
	c.Grace = envDuration("AGENTUM_GRACE", c.Grace)
	c.MaxConcurrent = envInt("AGENTUM_MAX_CONCURRENT", c.MaxConcurrent)
	c.SubscriberBuffer = envInt("AGENTUM_SUBSCRIBER_BUFFER", c.SubscriberBuffer)
	c.HeartbeatInterval = envDuration("AGENTUM_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.SecretsFile = envStr("AGENTUM_SECRETS_FILE", c.SecretsFile)
	c.TokenTTL = envDuration("AGENTUM_TOKEN_TTL", c.TokenTTL)
	c.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTELEndpoint)
	c.ServiceName = envStr("OTEL_SERVICE_NAME", c.ServiceName)
	c.OTELInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", c.OTELInsecure)
	c.RateLimitEnabled = envBool("AGENTUM_RATE_LIMIT", c.RateLimitEnabled)
	c.LogLevel = envStr("AGENTUM_LOG_LEVEL", c.LogLevel)

	if cmd := os.Getenv("AGENTUM_AGENT_COMMAND"); cmd != "" {
		c.AgentCommand = strings.Fields(cmd)
	}
}

// Validate checks that required configuration is coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database path is required")
	}
	if c.SessionsRoot == "" {
		return fmt.Errorf("config: sessions root is required")
	}
	if len(c.AgentCommand) == 0 {
		return fmt.Errorf("config: agent command is required")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max concurrent sessions must be positive")
	}
	return nil
}

// PermissionsFile returns the path of permissions.yaml.
func (c Config) PermissionsFile() string {
	return filepath.Join(c.ConfigDir, "permissions.yaml")
}

// SecurityFile returns the path of security.yaml.
func (c Config) SecurityFile() string {
	return filepath.Join(c.ConfigDir, "security.yaml")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
