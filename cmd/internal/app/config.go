package app

import (
	"time"

	"github.com/joenij/connectglobal-dating-app-sub001/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
// Auth settings are loaded separately by auth.LoadConfigFromEnv.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// DevConversations seeds the in-memory store, e.g. "c1=alice,bob;c2=alice,carol".
	// Ignored when DatabaseURL is set.
	DevConversations string

	NATSURL           string
	NATSSubjectPrefix string

	Engine  realtime.EngineConfig
	Gateway realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	eng := realtime.DefaultEngineConfig()
	gw := realtime.DefaultGatewayConfig()

	return Config{
		HTTPAddr:  EnvString("CG_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CG_LOG_LEVEL", "info"),
		LogFormat: EnvString("CG_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CG_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CG_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CG_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CG_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("CG_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("CG_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("CG_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CG_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CG_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("CG_DB_SCHEMA", "connectglobal"),

		ReadinessRequireDB: EnvBool("CG_READINESS_REQUIRE_DB", false),

		DevConversations: EnvString("CG_DEV_CONVERSATIONS", ""),

		NATSURL:           EnvString("CG_NATS_URL", ""),
		NATSSubjectPrefix: EnvString("CG_NATS_SUBJECT_PREFIX", "notify.offline"),

		Engine: realtime.EngineConfig{
			PresenceGrace: EnvDuration("CG_PRESENCE_GRACE", eng.PresenceGrace),
			HistoryLimit:  EnvInt("CG_HISTORY_LIMIT", eng.HistoryLimit),
			PreviewChars:  EnvInt("CG_NOTIFY_PREVIEW_CHARS", eng.PreviewChars),
			CommandQueue:  EnvInt("CG_ENGINE_QUEUE", eng.CommandQueue),
			NotifyTimeout: EnvDuration("CG_NOTIFY_TIMEOUT", eng.NotifyTimeout),
		},

		Gateway: realtime.GatewayConfig{
			OriginRequired:     EnvBool("CG_WS_ORIGIN_REQUIRED", gw.OriginRequired),
			AllowedOrigins:     EnvList("CG_WS_ALLOWED_ORIGINS", gw.AllowedOrigins),
			InsecureSkipVerify: EnvBool("CG_WS_INSECURE_SKIP_VERIFY", false),
			WriteTimeout:       EnvDuration("CG_WS_WRITE_TIMEOUT", gw.WriteTimeout),
			ReadIdleTimeout:    EnvDuration("CG_WS_READ_IDLE_TIMEOUT", gw.ReadIdleTimeout),
			SendQueueSize:      EnvInt("CG_WS_SEND_QUEUE", gw.SendQueueSize),
			HeartbeatInterval:  EnvDuration("CG_WS_HEARTBEAT_INTERVAL", gw.HeartbeatInterval),
			HeartbeatTimeout:   EnvDuration("CG_WS_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout),
			RateEvents:         EnvInt("CG_WS_RATE_EVENTS", gw.RateEvents),
			RateWindow:         EnvDuration("CG_WS_RATE_WINDOW", gw.RateWindow),
		},
	}
}
