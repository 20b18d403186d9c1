package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/persistence"
	"github.com/cwrk-planet/coderoom-service/internal/pg"
	"github.com/cwrk-planet/coderoom-service/internal/transport/ws"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type HTTP struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

type GRPC struct {
	Addr        string        `yaml:"addr"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // coderoom-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Storage struct {
	Backend string `yaml:"backend"` // memory|postgres|redis
}

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
	Migrate           bool          `yaml:"migrate"`
}

func (p Postgres) ToPGConfig() pg.Config {
	return pg.Config{
		DSN:               p.DSN,
		MaxConns:          p.MaxConns,
		MinConns:          p.MinConns,
		MaxConnLifetime:   p.MaxConnLifetime,
		MaxConnIdleTime:   p.MaxConnIdleTime,
		HealthCheckPeriod: p.HealthCheckPeriod,
		ApplicationName:   p.ApplicationName,
	}
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"poolSize"`
}

type JWT struct {
	PublicKeyPath string        `yaml:"publicKeyPath"` // обязательно
	Issuer        string        `yaml:"issuer"`        // обязательно
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clockSkew"` // напр. 30s
}

type Security struct {
	JWT JWT `yaml:"jwt"`
}

type Rooms struct {
	ChatTail      int           `yaml:"chatTail"`
	CodeHistory   int           `yaml:"codeHistory"`
	MaxCodeBytes  int           `yaml:"maxCodeBytes"`
	MaxMessageLen int           `yaml:"maxMessageLen"`
	DefaultTTL    time.Duration `yaml:"defaultTTL"`
	IdleTimeout   time.Duration `yaml:"actorIdleTimeout"`
	FlushTimeout  time.Duration `yaml:"flushTimeout"`
}

func (r Rooms) Limits() domain.Limits {
	return domain.Limits{
		ChatTail:       r.ChatTail,
		CodeHistory:    r.CodeHistory,
		MaxCodeBytes:   r.MaxCodeBytes,
		MaxMessageLen:  r.MaxMessageLen,
		DefaultRoomTTL: r.DefaultTTL,
	}
}

type Realtime struct {
	PingEvery       time.Duration `yaml:"pingEvery"`
	DisconnectGrace time.Duration `yaml:"disconnectGrace"`
	AuthTimeout     time.Duration `yaml:"authTimeout"`
	OpTimeout       time.Duration `yaml:"opTimeout"`
	SendBuffer      int           `yaml:"sendBuffer"`
	RateLimit       float64       `yaml:"rateLimit"`
	RateBurst       int           `yaml:"rateBurst"`
	ReadLimit       int64         `yaml:"readLimit"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

func (r Realtime) WSConfig() ws.Config {
	return ws.Config{
		PingEvery:       r.PingEvery,
		DisconnectGrace: r.DisconnectGrace,
		AuthTimeout:     r.AuthTimeout,
		OpTimeout:       r.OpTimeout,
		SendBuffer:      r.SendBuffer,
		RateLimit:       r.RateLimit,
		RateBurst:       r.RateBurst,
		ReadLimit:       r.ReadLimit,
		AllowedOrigins:  r.AllowedOrigins,
	}
}

type Persistence struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     uint64        `yaml:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	SaveTimeout    time.Duration `yaml:"saveTimeout"`
}

func (p Persistence) WriterConfig() persistence.Config {
	return persistence.Config{
		Workers:        p.Workers,
		MaxRetries:     p.MaxRetries,
		InitialBackoff: p.InitialBackoff,
		MaxBackoff:     p.MaxBackoff,
		SaveTimeout:    p.SaveTimeout,
	}
}

// Tracing: span'ы пишутся только в trace_id/span_id логов, экспортёра нет.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type Sweeper struct {
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	HTTP            HTTP          `yaml:"http"`
	GRPC            GRPC          `yaml:"grpc"`
	Logging         Logging       `yaml:"logging"`
	Storage         Storage       `yaml:"storage"`
	Postgres        Postgres      `yaml:"postgres"`
	Redis           Redis         `yaml:"redis"`
	Security        Security      `yaml:"security"`
	Rooms           Rooms         `yaml:"rooms"`
	Realtime        Realtime      `yaml:"realtime"`
	Persistence     Persistence   `yaml:"persistence"`
	Sweeper         Sweeper       `yaml:"sweeper"`
	Tracing         Tracing       `yaml:"tracing"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoadConfig читает YAML из CONFIG_PATH (по умолчанию ./config/config.yaml).
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Security.JWT.PublicKeyPath == "" {
		return errors.New("security.jwt.publicKeyPath is required")
	}
	if c.Security.JWT.Issuer == "" {
		return errors.New("security.jwt.issuer is required")
	}
	if c.Security.JWT.ClockSkew < 0 || c.Security.JWT.ClockSkew > time.Minute {
		return errors.New("security.jwt.clockSkew must be in [0..1m]")
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for storage.backend=postgres")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for storage.backend=redis")
		}
	default:
		return fmt.Errorf("storage.backend %q: want memory|postgres|redis", c.Storage.Backend)
	}

	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "coderoom-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.HTTP.IdleTimeout <= 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 30 * time.Second
	}
	if c.GRPC.CallTimeout <= 0 {
		c.GRPC.CallTimeout = 10 * time.Second
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "coderoom:"
	}

	def := domain.DefaultLimits()
	if c.Rooms.ChatTail <= 0 {
		c.Rooms.ChatTail = def.ChatTail
	}
	if c.Rooms.CodeHistory <= 0 {
		c.Rooms.CodeHistory = def.CodeHistory
	}
	if c.Rooms.MaxCodeBytes <= 0 {
		c.Rooms.MaxCodeBytes = def.MaxCodeBytes
	}
	if c.Rooms.MaxMessageLen <= 0 {
		c.Rooms.MaxMessageLen = def.MaxMessageLen
	}
	if c.Rooms.DefaultTTL <= 0 {
		c.Rooms.DefaultTTL = def.DefaultRoomTTL
	}
	if c.Rooms.IdleTimeout <= 0 {
		c.Rooms.IdleTimeout = time.Minute
	}
	if c.Rooms.FlushTimeout <= 0 {
		c.Rooms.FlushTimeout = 10 * time.Second
	}

	if c.Realtime.PingEvery <= 0 {
		c.Realtime.PingEvery = 15 * time.Second
	}
	if c.Realtime.DisconnectGrace < 0 {
		return errors.New("realtime.disconnectGrace must be >= 0")
	}
	if c.Realtime.AuthTimeout <= 0 {
		c.Realtime.AuthTimeout = 10 * time.Second
	}
	if len(c.Realtime.AllowedOrigins) == 0 {
		c.Realtime.AllowedOrigins = c.HTTP.AllowedOrigins
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sampleRatio must be in [0..1]")
	}
	if c.Tracing.Enabled && c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return nil
}
