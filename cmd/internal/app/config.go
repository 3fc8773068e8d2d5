package app

import (
	"fmt"
	"time"

	"leazr/cmd/internal/agentauth"
	"leazr/cmd/internal/httpapi"
	"leazr/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	Gateway realtime.GatewayConfig
	API     httpapi.Config
	Agent   agentauth.Config
}

// LoadConfig loads Config from environment variables with defaults.
// Call LoadDotEnv first to pick up a local .env file.
func LoadConfig() (Config, error) {
	api := httpapi.DefaultConfig()
	api.MaxBodyBytes = int64(EnvInt("LIVECHAT_API_MAX_BODY_BYTES", int(api.MaxBodyBytes)))
	api.MaxWait = EnvDuration("LIVECHAT_API_MAX_WAIT", api.MaxWait)

	gw := realtime.DefaultGatewayConfig()
	gw.DevInsecure = EnvBool("LIVECHAT_WS_DEV_INSECURE", false)
	gw.OriginRequired = EnvBool("LIVECHAT_WS_ORIGIN_REQUIRED", gw.OriginRequired)
	gw.AllowedOrigins = EnvList("LIVECHAT_WS_ALLOWED_ORIGINS", gw.AllowedOrigins)
	gw.MaxFrameBytes = int64(EnvInt("LIVECHAT_WS_MAX_FRAME_BYTES", int(gw.MaxFrameBytes)))
	gw.WriteTimeout = EnvDuration("LIVECHAT_WS_WRITE_TIMEOUT", gw.WriteTimeout)
	gw.ReadIdleTimeout = EnvDuration("LIVECHAT_WS_READ_IDLE_TIMEOUT", gw.ReadIdleTimeout)
	gw.SendQueueSize = EnvInt("LIVECHAT_WS_SEND_QUEUE", gw.SendQueueSize)
	gw.HeartbeatInterval = EnvDuration("LIVECHAT_WS_HEARTBEAT_INTERVAL", gw.HeartbeatInterval)
	gw.HeartbeatTimeout = EnvDuration("LIVECHAT_WS_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout)
	gw.RateEvents = EnvInt("LIVECHAT_WS_RATE_EVENTS", gw.RateEvents)
	gw.RateWindow = EnvDuration("LIVECHAT_WS_RATE_WINDOW", gw.RateWindow)

	agent, err := agentauth.LoadConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("agent auth config: %w", err)
	}

	cfg := Config{
		HTTPAddr:  EnvString("LIVECHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("LIVECHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("LIVECHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("LIVECHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LIVECHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		// Long-poll responses are written after up to API.MaxWait.
		WriteTimeout:    EnvDuration("LIVECHAT_HTTP_WRITE_TIMEOUT", api.MaxWait+15*time.Second),
		IdleTimeout:     EnvDuration("LIVECHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: EnvDuration("LIVECHAT_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:  EnvInt("LIVECHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("LIVECHAT_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("LIVECHAT_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("LIVECHAT_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("LIVECHAT_DB_SCHEMA", "livechat"),
		DBAutoMigrate: EnvBool("LIVECHAT_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("LIVECHAT_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvList("LIVECHAT_CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		CORSAllowCredentials: EnvBool("LIVECHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("LIVECHAT_CORS_MAX_AGE_SECONDS", 600),

		Gateway: gw,
		API:     api,
		Agent:   agent,
	}

	if api.MaxWait >= cfg.WriteTimeout {
		return Config{}, fmt.Errorf("LIVECHAT_HTTP_WRITE_TIMEOUT (%s) must exceed LIVECHAT_API_MAX_WAIT (%s)", cfg.WriteTimeout, api.MaxWait)
	}
	return cfg, nil
}
