package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "COLLECT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "endpoint.url", typ: kString, env: "COLLECT_ENDPOINT_URL",
		apply:   func(cfg *Config, v any) { cfg.Endpoint.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Endpoint.URL },
	},
	{
		key: "endpoint.timeout", typ: kDuration, env: "COLLECT_ENDPOINT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Endpoint.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Endpoint.Timeout },
	},
	{
		key: "location.source", typ: kString, env: "COLLECT_LOCATION_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Location.Source = v.(string) },
		extract: func(cfg Config) any { return cfg.Location.Source },
	},
	{
		key: "location.timeout", typ: kDuration, env: "COLLECT_LOCATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Location.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Location.Timeout },
	},
	{
		key: "gpsd.addr", typ: kString, env: "COLLECT_GPSD_ADDR",
		apply:   func(cfg *Config, v any) { cfg.GPSD.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.GPSD.Addr },
	},
	{
		key: "kafka.brokers", typ: kString, env: "COLLECT_KAFKA_BROKERS",
		apply:   func(cfg *Config, v any) { cfg.Kafka.Brokers = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.Brokers },
	},
	{
		key: "kafka.topic", typ: kString, env: "COLLECT_KAFKA_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Kafka.Topic = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.Topic },
	},
	{
		key: "kafka.group_id", typ: kString, env: "COLLECT_KAFKA_GROUP_ID",
		apply:   func(cfg *Config, v any) { cfg.Kafka.GroupID = v.(string) },
		extract: func(cfg Config) any { return cfg.Kafka.GroupID },
	},
	{
		key: "static.latitude", typ: kFloat, env: "COLLECT_STATIC_LATITUDE",
		apply:   func(cfg *Config, v any) { cfg.Static.Latitude = v.(float64) },
		extract: func(cfg Config) any { return cfg.Static.Latitude },
	},
	{
		key: "static.longitude", typ: kFloat, env: "COLLECT_STATIC_LONGITUDE",
		apply:   func(cfg *Config, v any) { cfg.Static.Longitude = v.(float64) },
		extract: func(cfg Config) any { return cfg.Static.Longitude },
	},
	{
		key: "static.accuracy", typ: kFloat, env: "COLLECT_STATIC_ACCURACY",
		apply:   func(cfg *Config, v any) { cfg.Static.Accuracy = v.(float64) },
		extract: func(cfg Config) any { return cfg.Static.Accuracy },
	},
	{
		key: "shell.origin", typ: kString, env: "COLLECT_SHELL_ORIGIN",
		apply:   func(cfg *Config, v any) { cfg.Shell.Origin = v.(string) },
		extract: func(cfg Config) any { return cfg.Shell.Origin },
	},
	{
		key: "cache.name", typ: kString, env: "COLLECT_CACHE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Cache.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Name },
	},
	{
		key: "cache.backend", typ: kString, env: "COLLECT_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "redis.addr", typ: kString, env: "COLLECT_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "COLLECT_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "COLLECT_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "storage.data_dir", typ: kString, env: "COLLECT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "photo.max_bytes", typ: kInt, env: "COLLECT_PHOTO_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Photo.MaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Photo.MaxBytes },
	},
	{
		key: "log.level", typ: kString, env: "COLLECT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "COLLECT_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go value a key's apply func expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return nil, fmt.Errorf("unknown key type %d", typ)
	}
}

// decodeStored converts a value read from the config file into the Go value a
// key's apply func expects. Numbers are accepted for int and float keys only;
// durations must be strings such as "30s".
func decodeStored(typ keyType, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return parseValue(typ, val)
	case float64:
		switch typ {
		case kInt:
			if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
				return nil, fmt.Errorf("%v is not an integer", val)
			}
			return int(val), nil
		case kFloat:
			return val, nil
		case kDuration:
			return nil, fmt.Errorf("number %v has no unit, write a duration string such as \"30s\"", val)
		}
		return nil, fmt.Errorf("number %v where a string is expected", val)
	default:
		return nil, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

// storedForm is the JSON value setKey writes for a parsed value.
func storedForm(typ keyType, v any) any {
	if typ == kDuration {
		return v.(time.Duration).String()
	}
	return v
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Value(s.key)
		if !ok || raw == "" {
			continue
		}
		v, err := decodeStored(s.typ, raw)
		if err != nil {
			return fmt.Errorf("config key %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparseable environment variable, using default", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
