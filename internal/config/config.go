// Package config layers application settings from defaults, a YAML file and
// environment variables, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before any file or environment override.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	DefaultMongoDBTimeout     = 10 * time.Second
	DefaultMongoDBMaxPoolSize = 100

	DefaultRedisPoolSize = 10

	DefaultWSBufferSize   = 1024
	DefaultWSPingInterval = 30 * time.Second
	DefaultWSPongTimeout  = 60 * time.Second

	DefaultJWTLeeway          = 30 * time.Second
	DefaultJWTRefreshInterval = 1 * time.Hour

	DefaultDispatcherPollInterval = 5 * time.Second
	DefaultDispatcherPoolSize     = 8

	DefaultExecutorRunTimeout = 60 * time.Second
	DefaultRunRetention       = 10 * time.Minute
	DefaultProgressMaxTail    = 20
)

const devSecret = "dev-secret-change-in-production"

// AppMode defines the application wiring mode.
type AppMode string

// Application wiring modes.
const (
	// AppModeReal wires real infrastructure (MongoDB, Redis, JWKS). Default.
	AppModeReal AppMode = "real"

	// AppModeMock wires in-memory fakes for development and tests. Rejected
	// by validation when the rest of the config looks like production.
	AppModeMock AppMode = "mock"
)

// Config holds the complete application configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Log        LogConfig        `yaml:"log"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
}

// AppConfig carries process-wide settings.
type AppConfig struct {
	// Mode controls dependency wiring: "real" (default) or "mock".
	Mode AppMode `yaml:"mode" env:"APP_MODE"`

	// Name is the application name used in logs and metrics.
	Name string `yaml:"name" env:"APP_NAME"`

	// ResourcesFile is the path to the YAML resource inventory backing the
	// resource directory. Empty means an empty directory.
	ResourcesFile string `yaml:"resources_file" env:"APP_RESOURCES_FILE"`
}

// IsRealMode reports whether real infrastructure should be wired.
func (c AppConfig) IsRealMode() bool {
	return c.Mode == "" || c.Mode == AppModeReal
}

// IsMockMode reports whether in-memory fakes should be wired.
func (c AppConfig) IsMockMode() bool {
	return c.Mode == AppModeMock
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Address renders the listen address as host:port.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MongoDBConfig describes the MongoDB connection.
type MongoDBConfig struct {
	URI         string        `yaml:"uri" env:"MONGODB_URI"`
	Database    string        `yaml:"database" env:"MONGODB_DATABASE"`
	Timeout     time.Duration `yaml:"timeout" env:"MONGODB_TIMEOUT"`
	MaxPoolSize uint64        `yaml:"max_pool_size" env:"MONGODB_MAX_POOL_SIZE"`
}

// RedisConfig describes the Redis connection shared by the event bus.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
}

// AuthConfig holds authentication configuration. Tokens are validated either
// against a shared HMAC secret or a JWKS endpoint; JWKSURL wins when both are
// set.
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	JWKSURL         string        `yaml:"jwks_url" env:"AUTH_JWKS_URL"`
	Issuer          string        `yaml:"issuer" env:"AUTH_ISSUER"`
	Leeway          time.Duration `yaml:"leeway" env:"AUTH_JWT_LEEWAY"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"AUTH_JWKS_REFRESH_INTERVAL"`
}

// EventBusConfig selects the progress event transport.
type EventBusConfig struct {
	Type               string `yaml:"type" env:"EVENTBUS_TYPE"` // redis | inmemory
	RedisChannelPrefix string `yaml:"redis_channel_prefix" env:"EVENTBUS_REDIS_CHANNEL_PREFIX"`
}

// DispatcherConfig tunes the schedule polling loop.
type DispatcherConfig struct {
	Enabled      bool          `yaml:"enabled" env:"DISPATCHER_ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"DISPATCHER_POLL_INTERVAL"`
	PoolSize     int           `yaml:"pool_size" env:"DISPATCHER_POOL_SIZE"`
}

// ExecutorConfig tunes check runs and their progress history.
type ExecutorConfig struct {
	RunTimeout      time.Duration `yaml:"run_timeout" env:"EXECUTOR_RUN_TIMEOUT"`
	RunRetention    time.Duration `yaml:"run_retention" env:"EXECUTOR_RUN_RETENTION"`
	ProgressMaxTail int           `yaml:"progress_max_tail" env:"EXECUTOR_PROGRESS_MAX_TAIL"`
}

// LogConfig selects log verbosity and output encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"LOG_FORMAT"` // json | text
}

// WebSocketConfig tunes watcher connections.
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"WS_READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" env:"WS_WRITE_BUFFER_SIZE"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL"`
	PongTimeout     time.Duration `yaml:"pong_timeout" env:"WS_PONG_TIMEOUT"`
}

// Errors reported by loading and validation.
var (
	ErrConfigNotFound      = errors.New("configuration file not found")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrMissingRequired     = errors.New("missing required configuration")
	ErrInvalidDuration     = errors.New("invalid duration format")
	ErrInvalidLogLevel     = errors.New("invalid log level: must be debug, info, warn, or error")
	ErrInvalidLogFormat    = errors.New("invalid log format: must be json or text")
	ErrInvalidEventBusType = errors.New("invalid event bus type: must be redis or inmemory")
	ErrInvalidAppMode      = errors.New("invalid app mode: must be real or mock")
	ErrMockModeInProd      = errors.New("mock mode is not allowed in production")
)

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Mode: AppModeReal,
			Name: "beacon",
		},
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		MongoDB: MongoDBConfig{
			URI:         "mongodb://localhost:27017",
			Database:    "beacon",
			Timeout:     DefaultMongoDBTimeout,
			MaxPoolSize: DefaultMongoDBMaxPoolSize,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: DefaultRedisPoolSize,
		},
		Auth: AuthConfig{
			JWTSecret:       devSecret,
			Leeway:          DefaultJWTLeeway,
			RefreshInterval: DefaultJWTRefreshInterval,
		},
		EventBus: EventBusConfig{
			Type:               "redis",
			RedisChannelPrefix: "progress:",
		},
		Dispatcher: DispatcherConfig{
			Enabled:      true,
			PollInterval: DefaultDispatcherPollInterval,
			PoolSize:     DefaultDispatcherPoolSize,
		},
		Executor: ExecutorConfig{
			RunTimeout:      DefaultExecutorRunTimeout,
			RunRetention:    DefaultRunRetention,
			ProgressMaxTail: DefaultProgressMaxTail,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  DefaultWSBufferSize,
			WriteBufferSize: DefaultWSBufferSize,
			PingInterval:    DefaultWSPingInterval,
			PongTimeout:     DefaultWSPongTimeout,
		},
	}
}

// Validate checks every section and joins all violations into a single error.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStores()...)
	errs = append(errs, c.validateAuth()...)
	errs = append(errs, c.validateLog()...)
	errs = append(errs, c.validateEventBus()...)
	errs = append(errs, c.validateWorker()...)
	errs = append(errs, c.validateWebSocket()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

func (c *Config) validateApp() []error {
	var errs []error
	if c.App.Mode != "" && c.App.Mode != AppModeReal && c.App.Mode != AppModeMock {
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidAppMode, c.App.Mode))
	}
	if c.App.IsMockMode() && c.IsProduction() {
		errs = append(errs, ErrMockModeInProd)
	}
	return errs
}

// positive yields a named violation unless v is greater than zero. Works for
// durations and counts alike.
func positive[T int | time.Duration](v T, name string) []error {
	if v <= 0 {
		return []error{fmt.Errorf("%s must be positive", name)}
	}
	return nil
}

func (c *Config) validateServer() []error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	errs = append(errs, positive(c.Server.ReadTimeout, "server.read_timeout")...)
	errs = append(errs, positive(c.Server.WriteTimeout, "server.write_timeout")...)
	return errs
}

func (c *Config) validateStores() []error {
	var errs []error
	if c.MongoDB.URI == "" {
		errs = append(errs, errors.New("mongodb.uri is required"))
	}
	if c.MongoDB.Database == "" {
		errs = append(errs, errors.New("mongodb.database is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error
	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("auth.jwt_secret or auth.jwks_url is required"))
	}
	if c.Auth.Leeway < 0 {
		errs = append(errs, errors.New("auth.leeway must not be negative"))
	}
	return errs
}

func (c *Config) validateLog() []error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ErrInvalidLogLevel)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, ErrInvalidLogFormat)
	}
	return errs
}

func (c *Config) validateEventBus() []error {
	switch strings.ToLower(c.EventBus.Type) {
	case "redis", "inmemory":
		return nil
	default:
		return []error{ErrInvalidEventBusType}
	}
}

// validateWorker covers the dispatcher and executor sections together since
// both drive the worker process.
func (c *Config) validateWorker() []error {
	var errs []error
	errs = append(errs, positive(c.Dispatcher.PollInterval, "dispatcher.poll_interval")...)
	errs = append(errs, positive(c.Dispatcher.PoolSize, "dispatcher.pool_size")...)
	errs = append(errs, positive(c.Executor.RunTimeout, "executor.run_timeout")...)
	errs = append(errs, positive(c.Executor.RunRetention, "executor.run_retention")...)
	errs = append(errs, positive(c.Executor.ProgressMaxTail, "executor.progress_max_tail")...)
	return errs
}

func (c *Config) validateWebSocket() []error {
	var errs []error
	errs = append(errs, positive(c.WebSocket.ReadBufferSize, "websocket.read_buffer_size")...)
	errs = append(errs, positive(c.WebSocket.WriteBufferSize, "websocket.write_buffer_size")...)
	errs = append(errs, positive(c.WebSocket.PingInterval, "websocket.ping_interval")...)
	errs = append(errs, positive(c.WebSocket.PongTimeout, "websocket.pong_timeout")...)
	return errs
}

// Load reads configuration from the standard locations plus the environment.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from the given file. An empty path falls
// back to CONFIG_PATH and then the standard search locations.
func LoadFromPath(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Loader resolves and reads the configuration file.
type Loader struct {
	configPaths []string
}

// NewLoader creates a loader with the standard search locations.
func NewLoader() *Loader {
	return &Loader{
		configPaths: []string{
			"configs/config.yaml",
			"config.yaml",
			"/etc/beacon/config.yaml",
		},
	}
}

// WithConfigPaths replaces the search locations.
func (l *Loader) WithConfigPaths(paths []string) *Loader {
	l.configPaths = paths
	return l
}

// Load builds the configuration in three layers: defaults, then the YAML
// file (if one is found), then environment variable overrides. The result is
// validated before being returned.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	configPath, explicit := l.resolvePath(path)
	if configPath != "" {
		if err := readYAMLFile(configPath, cfg); err != nil {
			// A missing or broken file is fatal only when the caller named
			// it; otherwise defaults plus env vars carry the day.
			if explicit {
				return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePath picks the config file to read and reports whether the caller
// named it explicitly (via argument or CONFIG_PATH).
func (l *Loader) resolvePath(path string) (string, bool) {
	if path != "" {
		return path, true
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath, true
	}
	for _, p := range l.configPaths {
		if _, err := os.Stat(p); err == nil {
			return p, false
		}
	}
	return "", false
}

func readYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
		return fmt.Errorf("failed to parse config file: %w", unmarshalErr)
	}

	return nil
}

// applyEnv walks the struct recursively and overrides any field whose `env`
// tag names a set environment variable.
func applyEnv(v reflect.Value) error {
	t := v.Type()

	for i := range v.NumField() {
		field := v.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		envName := t.Field(i).Tag.Get("env")
		if envName == "" {
			continue
		}
		raw := os.Getenv(envName)
		if raw == "" {
			continue
		}

		if err := setField(field, raw); err != nil {
			return fmt.Errorf("failed to set %s from env %s: %w", t.Field(i).Name, envName, err)
		}
	}

	return nil
}

// setField parses raw into the field's type.
//
//nolint:exhaustive // Only the kinds used by config fields are supported
func setField(field reflect.Value, raw string) error {
	if field.Type() == reflect.TypeFor[time.Duration]() {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidDuration, raw)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", raw)
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", raw)
		}
		field.SetUint(u)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean value: %s", raw)
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", raw)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// IsDevelopment reports whether the log level indicates a development setup.
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Log.Level) == "debug"
}

// IsProduction reports whether auth is configured for production: either a
// JWKS endpoint or a real (non-dev) HMAC secret.
func (c *Config) IsProduction() bool {
	if c.Auth.JWKSURL != "" {
		return true
	}
	return c.Auth.JWTSecret != devSecret && c.Auth.JWTSecret != ""
}
