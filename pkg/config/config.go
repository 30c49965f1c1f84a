package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"

	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	NotificationsRedis    = "redis"
	NotificationsPostgres = "postgres"
	NotificationsNone     = "none"

	// DefaultJWTSecret is only accepted outside production.
	DefaultJWTSecret = "change-me-in-production-0123456789abcdef"

	MinPermissionCacheTTL = time.Second
	MaxPermissionCacheTTL = 30 * time.Second
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		Environment     string        `yaml:"environment"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	WebSocket struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		AuthTimeout         time.Duration `yaml:"auth_timeout"`
		SyncTimeout         time.Duration `yaml:"sync_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		SendQueueSize       int           `yaml:"send_queue_size"`
		AwarenessQueueSize  int           `yaml:"awareness_queue_size"`
		MessagesPerSecond   float64       `yaml:"messages_per_second"`
		Burst               int           `yaml:"burst"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
	} `yaml:"websocket"`

	Auth struct {
		JWTSecret      string `yaml:"jwt_secret"`
		Audience       string `yaml:"audience"`
		MinTokenLength int    `yaml:"min_token_length"`
	} `yaml:"auth"`

	Permissions struct {
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"permissions"`

	Persistence struct {
		Interval       time.Duration `yaml:"interval"`
		IdleTimeout    time.Duration `yaml:"idle_timeout"`
		FlushAttempts  int           `yaml:"flush_attempts"`
		LockTTL        time.Duration `yaml:"lock_ttl"`
		OperationLimit time.Duration `yaml:"operation_timeout"`
	} `yaml:"persistence"`

	Limits struct {
		MaxConnectionsPerUser int   `yaml:"max_connections_per_user"`
		MaxDocumentsPerUser   int   `yaml:"max_documents_per_user"`
		MaxDocumentSizeBytes  int64 `yaml:"max_document_size_bytes"`
	} `yaml:"limits"`

	Storage struct {
		Type     string `yaml:"type"`
		SeedFile string `yaml:"seed_file"`
	} `yaml:"storage"`

	Database struct {
		URL             string        `yaml:"url"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Notifications struct {
		Source          string `yaml:"source"`
		RedisChannel    string `yaml:"redis_channel"`
		PostgresChannel string `yaml:"postgres_channel"`
	} `yaml:"notifications"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled              bool `yaml:"enabled"`
		ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	} `yaml:"rate_limiting"`
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvironmentProduction
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	switch c.Server.Environment {
	case EnvironmentDevelopment, EnvironmentProduction:
	default:
		return fmt.Errorf("server.environment must be %q or %q", EnvironmentDevelopment, EnvironmentProduction)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// WebSocket
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("websocket.ping_interval must be > 0")
	}
	if c.WebSocket.PongTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket.pong_timeout must be > websocket.ping_interval")
	}
	if c.WebSocket.AuthTimeout <= 0 {
		return fmt.Errorf("websocket.auth_timeout must be > 0")
	}
	if c.WebSocket.SyncTimeout <= 0 {
		return fmt.Errorf("websocket.sync_timeout must be > 0")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket.write_timeout must be > 0")
	}
	if c.WebSocket.SendQueueSize <= 0 {
		return fmt.Errorf("websocket.send_queue_size must be > 0")
	}
	if c.WebSocket.AwarenessQueueSize <= 0 {
		return fmt.Errorf("websocket.awareness_queue_size must be > 0")
	}
	if c.WebSocket.MessagesPerSecond <= 0 {
		return fmt.Errorf("websocket.messages_per_second must be > 0")
	}
	if c.WebSocket.Burst <= 0 {
		return fmt.Errorf("websocket.burst must be > 0")
	}
	if c.WebSocket.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("websocket.max_message_size_bytes must be > 0")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.MinTokenLength < 0 {
		return fmt.Errorf("auth.min_token_length must be >= 0")
	}

	// Permissions
	if c.Permissions.CacheTTL < MinPermissionCacheTTL || c.Permissions.CacheTTL > MaxPermissionCacheTTL {
		return fmt.Errorf("permissions.cache_ttl must be between %s and %s", MinPermissionCacheTTL, MaxPermissionCacheTTL)
	}

	// Persistence
	if c.Persistence.Interval <= 0 {
		return fmt.Errorf("persistence.interval must be > 0")
	}
	if c.Persistence.IdleTimeout <= 0 {
		return fmt.Errorf("persistence.idle_timeout must be > 0")
	}
	if c.Persistence.FlushAttempts < 0 {
		return fmt.Errorf("persistence.flush_attempts must be >= 0")
	}
	if c.Persistence.LockTTL <= 0 {
		return fmt.Errorf("persistence.lock_ttl must be > 0")
	}
	if c.Persistence.OperationLimit <= 0 {
		return fmt.Errorf("persistence.operation_timeout must be > 0")
	}

	// Limits
	if c.Limits.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("limits.max_connections_per_user must be > 0")
	}
	if c.Limits.MaxDocumentsPerUser <= 0 {
		return fmt.Errorf("limits.max_documents_per_user must be > 0")
	}
	if c.Limits.MaxDocumentSizeBytes <= 0 {
		return fmt.Errorf("limits.max_document_size_bytes must be > 0")
	}

	// Storage
	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url must not be empty when storage.type=postgres")
		}
	default:
		return fmt.Errorf("storage.type must be %q or %q", StorageMemory, StoragePostgres)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Notifications
	switch c.Notifications.Source {
	case NotificationsNone:
	case NotificationsRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("notifications.source=redis requires redis.enabled=true")
		}
		if c.Notifications.RedisChannel == "" {
			return fmt.Errorf("notifications.redis_channel must not be empty")
		}
	case NotificationsPostgres:
		if c.Storage.Type != StoragePostgres {
			return fmt.Errorf("notifications.source=postgres requires storage.type=postgres")
		}
		if c.Notifications.PostgresChannel == "" {
			return fmt.Errorf("notifications.postgres_channel must not be empty")
		}
	default:
		return fmt.Errorf("notifications.source must be one of redis, postgres, none")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled && c.RateLimiting.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("rate_limiting.connections_per_minute must be > 0 when rate limiting is enabled")
	}

	if c.IsProduction() {
		if c.Storage.Type != StoragePostgres {
			return fmt.Errorf("storage.type must be postgres in production")
		}
		if c.Auth.JWTSecret == DefaultJWTSecret {
			return fmt.Errorf("auth.jwt_secret must be changed in production")
		}
	}

	return nil
}

// DefaultPath is read when Load is given no path. Unlike an explicit path,
// it may be absent.
const DefaultPath = "configs/config.yaml"

// Load reads configuration from YAML file, applies defaults and env overrides.
// An empty configPath means DefaultPath.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	optional := configPath == ""
	if optional {
		configPath = DefaultPath
	}
	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err) && optional:
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.Environment = EnvironmentDevelopment
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.WebSocket.PingInterval = 30 * time.Second
	cfg.WebSocket.PongTimeout = 60 * time.Second
	cfg.WebSocket.AuthTimeout = 10 * time.Second
	cfg.WebSocket.SyncTimeout = 15 * time.Second
	cfg.WebSocket.WriteTimeout = 10 * time.Second
	cfg.WebSocket.SendQueueSize = 256
	cfg.WebSocket.AwarenessQueueSize = 64
	cfg.WebSocket.MessagesPerSecond = 100
	cfg.WebSocket.Burst = 200
	cfg.WebSocket.MaxMessageSizeBytes = 1 << 20
	cfg.WebSocket.AllowedOrigins = []string{"*"}

	cfg.Auth.JWTSecret = DefaultJWTSecret
	cfg.Auth.Audience = "authenticated"
	cfg.Auth.MinTokenLength = 32

	cfg.Permissions.CacheTTL = 5 * time.Second

	cfg.Persistence.Interval = 2 * time.Second
	cfg.Persistence.IdleTimeout = time.Minute
	cfg.Persistence.FlushAttempts = 3
	cfg.Persistence.LockTTL = 10 * time.Second
	cfg.Persistence.OperationLimit = 10 * time.Second

	cfg.Limits.MaxConnectionsPerUser = 10
	cfg.Limits.MaxDocumentsPerUser = 20
	cfg.Limits.MaxDocumentSizeBytes = 10 << 20

	cfg.Storage.Type = StorageMemory

	cfg.Database.MaxOpenConns = 10
	cfg.Database.MaxIdleConns = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Notifications.Source = NotificationsNone
	cfg.Notifications.RedisChannel = "labnote:changes"
	cfg.Notifications.PostgresChannel = "lab_note_changes"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.ConnectionsPerMinute = 60

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("COLLAB_SERVER_ADDRESS", &c.Server.Address)
	setString("COLLAB_ENVIRONMENT", &c.Server.Environment)
	setString("COLLAB_LOG_LEVEL", &c.Logging.Level)
	setString("COLLAB_LOG_FORMAT", &c.Logging.Format)
	setString("COLLAB_JWT_SECRET", &c.Auth.JWTSecret)
	setString("COLLAB_DATABASE_URL", &c.Database.URL)
	setString("COLLAB_STORAGE_TYPE", &c.Storage.Type)
	setString("COLLAB_SEED_FILE", &c.Storage.SeedFile)
	setString("COLLAB_NOTIFICATIONS_SOURCE", &c.Notifications.Source)
	setString("COLLAB_JAEGER_URL", &c.Tracing.JaegerURL)

	if addr := os.Getenv("COLLAB_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	setString("COLLAB_REDIS_PASSWORD", &c.Redis.Password)

	if v := os.Getenv("COLLAB_PERMISSION_CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COLLAB_PERMISSION_CACHE_TTL: %w", err)
		}
		c.Permissions.CacheTTL = ttl
	}
	if v := os.Getenv("COLLAB_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COLLAB_TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = enabled
	}
	if v := os.Getenv("COLLAB_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.WebSocket.AllowedOrigins = origins
	}
	return nil
}
