package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Endpoint EndpointConfig
	Location LocationConfig
	GPSD     GPSDConfig
	Kafka    KafkaConfig
	Static   StaticConfig
	Shell    ShellConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Photo    PhotoConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type EndpointConfig struct {
	URL     string
	Timeout time.Duration
}

type LocationConfig struct {
	Source  string // gpsd, kafka, static or none
	Timeout time.Duration
}

type GPSDConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers string // comma separated
	Topic   string
	GroupID string
}

// BrokerList splits Brokers on commas.
func (k KafkaConfig) BrokerList() []string {
	var out []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type StaticConfig struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

type ShellConfig struct {
	Origin string
}

type CacheConfig struct {
	Name    string
	Backend string // sqlite or redis
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	DataDir string
}

type PhotoConfig struct {
	MaxBytes int
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

const (
	SourceGPSD   = "gpsd"
	SourceKafka  = "kafka"
	SourceStatic = "static"
	SourceNone   = "none"

	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 4100},
		Endpoint: EndpointConfig{Timeout: 30 * time.Second},
		Location: LocationConfig{Source: SourceGPSD, Timeout: 15 * time.Second},
		GPSD:     GPSDConfig{Addr: "127.0.0.1:2947"},
		Kafka:    KafkaConfig{GroupID: "shopcollector"},
		Shell:    ShellConfig{Origin: "http://127.0.0.1:8080/"},
		Cache:    CacheConfig{Name: "shop-collector-static-v1", Backend: BackendSQLite},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379"},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Photo:    PhotoConfig{MaxBytes: 10 << 20},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// ErrMissingEndpoint is returned by Load when no collection endpoint is set.
var ErrMissingEndpoint = errors.New("missing required config: endpoint.url")

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/shopcollector/config.json, then applies COLLECT_*
// environment variables, which may also come from a .env file in the working
// directory. The result is validated; endpoint.url is required.
func Load() (Config, error) {
	loadDotEnv()
	b, err := openFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

// LoadUnvalidated is Load without validation, for inspecting a config that
// is not complete yet.
func LoadUnvalidated() (Config, error) {
	loadDotEnv()
	b, err := openFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return read(b)
}

// loadDotEnv exports variables from ./.env when the file exists. Variables
// already set in the environment win.
func loadDotEnv() {
	err := godotenv.Load(".env")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg, err := read(b)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Validate checks required keys and enumerated values.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint.URL) == "" {
		return fmt.Errorf("%w. Set it with `collect config set endpoint.url <url>` or COLLECT_ENDPOINT_URL", ErrMissingEndpoint)
	}
	u, err := url.Parse(c.Endpoint.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint.url %q must be an absolute http(s) URL", c.Endpoint.URL)
	}

	switch c.Location.Source {
	case SourceGPSD, SourceKafka, SourceStatic, SourceNone:
	default:
		return fmt.Errorf("location.source %q must be one of gpsd, kafka, static, none", c.Location.Source)
	}
	if c.Location.Source == SourceKafka && (len(c.Kafka.BrokerList()) == 0 || c.Kafka.Topic == "") {
		return errors.New("location.source kafka needs kafka.brokers and kafka.topic")
	}

	switch c.Cache.Backend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("cache.backend %q must be sqlite or redis", c.Cache.Backend)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}

	if c.Endpoint.Timeout <= 0 || c.Location.Timeout <= 0 {
		return errors.New("endpoint.timeout and location.timeout must be positive")
	}
	return nil
}
