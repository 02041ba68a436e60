// Package config loads Kestrel configuration from defaults, an optional
// YAML file, a .env file and KESTREL_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KESTREL_"

	// DefaultPath is read when no path is given and the file exists.
	DefaultPath = "configs/config.yaml"
)

// Load builds the configuration. An explicit path must exist; the default
// path is optional. Nested keys use a double underscore in the
// environment, e.g. KESTREL_SCORING__MIN_HISTORY=20.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if tier := os.Getenv(EnvPrefix + "TIER"); tier == string(domain.TierPro) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// .env is for local development only.
	_ = godotenv.Load()

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KESTREL_EVENT_BUS__KAFKA_BROKERS=a,b to event_bus.kafka_brokers
// with a list value.
func envKey(key, value string) (string, any) {
	k := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	k = strings.ReplaceAll(k, "__", ".")
	if strings.HasSuffix(k, "brokers") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return k, parts
	}
	return k, value
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the struct
// tags cannot express.
func Validate(cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := time.LoadLocation(cfg.Scoring.Timezone); err != nil {
		return fmt.Errorf("invalid config: scoring.timezone: %w", err)
	}
	if cfg.EventBus.Type == "kafka" && len(cfg.EventBus.KafkaBrokers) == 0 {
		return errors.New("invalid config: event_bus.kafka_brokers is required for kafka")
	}
	if cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "" {
		return errors.New("invalid config: cache.redis_addr is required for redis")
	}
	if cfg.Identity.Endpoint != "" && cfg.Identity.JWTSecret == "" {
		return errors.New("invalid config: identity.jwt_secret is required with an endpoint")
	}
	return nil
}
