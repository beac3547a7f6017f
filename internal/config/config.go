package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Logging   LoggingConfig
	Storage   StorageConfig
	Collab    CollabConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	Env             string
	InstanceID      string
	ShutdownTimeout time.Duration
}

// DatabaseConfig points at CouchDB. An empty Host selects in-memory room
// persistence, which is only meant for development.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

// RedisConfig enables cross-instance room fan-out when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type WebSocketConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	SendBuffer        int
	MaxClientsPerRoom int
	MessagesPerSecond float64
	Burst             int
	RoomBacklog       int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	Enabled           bool
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StorageConfig selects the local store used by editor sessions.
type StorageConfig struct {
	Backend    string
	Path       string
	SyncWrites bool
}

type CollabConfig struct {
	PersistInterval   time.Duration
	RoomIdleTTL       time.Duration
	SnapshotEvery     int64
	KeepSnapshots     int
	CaptureTimeout    time.Duration
	PresenceTimeout   time.Duration
	PresenceHeartbeat time.Duration
	TemplateMaxDepth  int
	TemplateMaxLength int
	StrictSchemas     bool
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:       getEnv("PORT", "8080"),
			Host:       getEnv("HOST", "0.0.0.0"),
			Env:        getEnv("ENV", "development"),
			InstanceID: getEnv("INSTANCE_ID", hostname()),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "glyph"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize:   getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:    int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
			SendBuffer:        getEnvAsInt("WS_SEND_BUFFER", 256),
			MaxClientsPerRoom: getEnvAsInt("WS_MAX_CLIENTS_PER_ROOM", 64),
			MessagesPerSecond: getEnvAsFloat("WS_MESSAGES_PER_SECOND", 50),
			Burst:             getEnvAsInt("WS_BURST", 100),
			RoomBacklog:       getEnvAsInt("WS_ROOM_BACKLOG", 1024),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,X-Request-ID"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Storage: StorageConfig{
			Backend:    getEnv("STORAGE_BACKEND", "badger"),
			Path:       getEnv("STORAGE_PATH", "./data"),
			SyncWrites: getEnvAsBool("STORAGE_SYNC_WRITES", false),
		},
		Collab: CollabConfig{
			SnapshotEvery:     int64(getEnvAsInt("COLLAB_SNAPSHOT_EVERY", 200)),
			KeepSnapshots:     getEnvAsInt("COLLAB_KEEP_SNAPSHOTS", 10),
			TemplateMaxDepth:  getEnvAsInt("TEMPLATE_MAX_DEPTH", 20),
			TemplateMaxLength: getEnvAsInt("TEMPLATE_MAX_LENGTH", 256*1024),
			StrictSchemas:     getEnvAsBool("SCHEMA_STRICT", true),
		},
	}

	for key, spec := range map[string]struct {
		def string
		dst *time.Duration
	}{
		"SHUTDOWN_TIMEOUT":        {"30s", &cfg.Server.ShutdownTimeout},
		"WS_WRITE_WAIT":           {"10s", &cfg.WebSocket.WriteWait},
		"WS_PONG_WAIT":            {"60s", &cfg.WebSocket.PongWait},
		"WS_PING_PERIOD":          {"54s", &cfg.WebSocket.PingPeriod},
		"COLLAB_PERSIST_INTERVAL": {"2s", &cfg.Collab.PersistInterval},
		"COLLAB_ROOM_IDLE_TTL":    {"30s", &cfg.Collab.RoomIdleTTL},
		"UNDO_CAPTURE_TIMEOUT":    {"500ms", &cfg.Collab.CaptureTimeout},
		"PRESENCE_TIMEOUT":        {"30s", &cfg.Collab.PresenceTimeout},
		"PRESENCE_HEARTBEAT":      {"15s", &cfg.Collab.PresenceHeartbeat},
	} {
		d, err := time.ParseDuration(getEnv(key, spec.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*spec.dst = d
	}

	if cfg.WebSocket.PingPeriod >= cfg.WebSocket.PongWait {
		return nil, fmt.Errorf("WS_PING_PERIOD (%s) must be shorter than WS_PONG_WAIT (%s)",
			cfg.WebSocket.PingPeriod, cfg.WebSocket.PongWait)
	}
	if cfg.Collab.PresenceHeartbeat >= cfg.Collab.PresenceTimeout {
		return nil, fmt.Errorf("PRESENCE_HEARTBEAT (%s) must be shorter than PRESENCE_TIMEOUT (%s)",
			cfg.Collab.PresenceHeartbeat, cfg.Collab.PresenceTimeout)
	}
	switch cfg.Storage.Backend {
	case "badger", "bolt", "memory":
	default:
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q (badger, bolt or memory)", cfg.Storage.Backend)
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from the logging section.
func (l LoggingConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "glyph"
	}
	return h
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
