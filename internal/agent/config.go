package agent

import (
	"fmt"

	"github.com/opsdeck/collabcore/collab"
	"github.com/opsdeck/collabcore/collab/redisstore"
	pkgconfig "github.com/opsdeck/collabcore/pkg/config"
	"github.com/opsdeck/collabcore/realtime"
	"github.com/opsdeck/collabcore/session"
)

// Config holds all configuration for the agent.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server for the local dashboard API.
	HTTPPort int `env:"AGENT_HTTP_PORT" envDefault:"8090"`

	// Origins the dashboard UI may call the API from.
	CORSOrigins []string `env:"AGENT_CORS_ORIGINS" envDefault:"*" envSeparator:","`

	// CIDRs allowed to reach the pprof endpoints.
	PprofCIDRs []string `env:"AGENT_PPROF_CIDRS" envDefault:"127.0.0.0/8" envSeparator:","`

	// Realtime backend websocket endpoint.
	WebsocketURL string `env:"WS_URL" envDefault:"ws://localhost:8081/ws"`

	// Redis connection for the shared collab store.
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Optional path for persisting tokens across restarts. Empty keeps
	// tokens in memory only.
	TokenFile string `env:"AUTH_TOKEN_FILE" envDefault:""`

	// OpenTelemetry tracing.
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	Session  session.Config
	Realtime realtime.Config
	Collab   collab.Config
	Store    redisstore.Config
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.Session.WarningLead >= c.Session.IdleTimeout {
		return fmt.Errorf("warning lead %s must be shorter than idle timeout %s",
			c.Session.WarningLead, c.Session.IdleTimeout)
	}
	if c.Collab.HeartbeatInterval >= c.Collab.PresenceTTL {
		return fmt.Errorf("heartbeat interval %s must be shorter than presence ttl %s",
			c.Collab.HeartbeatInterval, c.Collab.PresenceTTL)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}
