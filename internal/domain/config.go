package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Tier determines infrastructure defaults
	Tier Tier `koanf:"tier" validate:"oneof=community pro"`

	// Server settings
	Server ServerConfig `koanf:"server"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus"`

	// Scoring
	Model    ModelConfig    `koanf:"model"`
	Scoring  ScoringConfig  `koanf:"scoring"`
	Identity IdentityConfig `koanf:"identity"`
	GeoIP    GeoIPConfig    `koanf:"geoip"`
	Worker   WorkerConfig   `koanf:"worker"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `koanf:"read_timeout"`  // seconds
	WriteTimeout int    `koanf:"write_timeout"` // seconds
	MaxBodyBytes int64  `koanf:"max_body_bytes"`

	// AllowedOrigins limits CORS to these origins; empty allows any.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`

	// File enables a rotated log file next to stdout.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"` // OTLP gRPC collector
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio" validate:"min=0,max=1"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ModelConfig locates the pretrained artifacts.
type ModelConfig struct {
	// ClassifierPath is the Layer A model artifact.
	ClassifierPath string `koanf:"classifier_path"`

	// Required makes a classifier load failure fatal at startup.
	// When false the service starts and Layer A scores a neutral 0.5.
	Required bool `koanf:"required"`

	GlobalEncoderPath string `koanf:"global_encoder_path"`
	LocalEncoderPath  string `koanf:"local_encoder_path"`
}

// ScoringConfig holds pipeline policy.
type ScoringConfig struct {
	GlobalWeight      float64 `koanf:"global_weight" validate:"min=0,max=1"`
	HeuristicBoost    float64 `koanf:"heuristic_boost" validate:"min=0,max=1"`
	BehaviorWeight    float64 `koanf:"behavior_weight" validate:"min=0,max=1"`
	FraudThreshold    float64 `koanf:"fraud_threshold" validate:"min=0,max=1"`
	LimitRatio        float64 `koanf:"limit_ratio" validate:"gt=0"`
	MinHistory        int     `koanf:"min_history" validate:"min=0"`
	CardInstrument    string  `koanf:"card_instrument"`
	QRInstrument      string  `koanf:"qr_instrument"`
	Timezone          string  `koanf:"timezone"`
	GlobalAmountStats bool    `koanf:"global_amount_stats"`
	// ExtraRulesPath points to a JSON list of additional behavioral rules.
	ExtraRulesPath string `koanf:"extra_rules_path"`
}

// IdentityConfig configures the beneficiary verification client.
type IdentityConfig struct {
	Endpoint      string        `koanf:"endpoint" validate:"omitempty,url"`
	JWTSecret     string        `koanf:"jwt_secret"`
	PartnerID     string        `koanf:"partner_id"`
	AuthorisedKey string        `koanf:"authorised_key"`
	Timeout       time.Duration `koanf:"timeout"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`

	RateLimit float64 `koanf:"rate_limit"` // requests per second, 0 disables
	RateBurst int     `koanf:"rate_burst"`

	Breaker BreakerConfig `koanf:"breaker"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	MaxRequests  uint32        `koanf:"max_requests"`
	Interval     time.Duration `koanf:"interval"`
	Timeout      time.Duration `koanf:"timeout"`
	FailureRatio float64       `koanf:"failure_ratio"`
	MinRequests  uint32        `koanf:"min_requests"`
}

// GeoIPConfig configures IP geolocation.
type GeoIPConfig struct {
	CityDBPath string        `koanf:"city_db_path"`
	CacheTTL   time.Duration `koanf:"cache_ttl"`
}

// WorkerConfig configures asynchronous scoring.
type WorkerConfig struct {
	Enabled     bool `koanf:"enabled"`
	Concurrency int  `koanf:"concurrency" validate:"min=0"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS or Kafka + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Tier: TierCommunity,
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 1 << 20,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Model: ModelConfig{
			ClassifierPath:    "./models/global_model.json",
			Required:          true,
			GlobalEncoderPath: "./models/global_encoders.json",
			LocalEncoderPath:  "./models/local_encoders.json",
		},
		Scoring: ScoringConfig{
			GlobalWeight:   0.3,
			HeuristicBoost: 0.4,
			BehaviorWeight: 0.3,
			FraudThreshold: 0.5,
			LimitRatio:     0.95,
			MinHistory:     10,
			CardInstrument: "Card",
			QRInstrument:   "QR",
			Timezone:       "Asia/Kolkata",
		},
		Identity: IdentityConfig{
			Timeout:   3 * time.Second,
			CacheTTL:  10 * time.Minute,
			RateLimit: 20,
			RateBurst: 40,
			Breaker: BreakerConfig{
				Enabled:      true,
				MaxRequests:  1,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				FailureRatio: 0.5,
				MinRequests:  5,
			},
		},
		GeoIP: GeoIPConfig{
			CacheTTL: 24 * time.Hour,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Insecure:    true,
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		ConsumerGroup:     "kestrel-worker",
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}
