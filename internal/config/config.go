// Package config loads service settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

type Listen struct {
	BindIP string `yaml:"bind_ip" env:"BIND_IP" env-default:"0.0.0.0"`
	Port   string `yaml:"port" env:"PORT" env-default:"8080"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"DB_USER" env-default:"postgres"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-default:"postgres"`
	DBName   string `yaml:"dbname" env:"DB_NAME" env-default:"campus_events"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE" env-default:"disable"`
}

// DSN builds a libpq-compatible connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

type SQLite struct {
	Path string `yaml:"path" env:"SQLITE_PATH" env-default:"file:campus.db?cache=shared&mode=rwc"`
}

type Mongo struct {
	URI      string `yaml:"uri" env:"MONGO_URI" env-default:"mongodb://localhost:27017"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"campus_events"`
}

type Storage struct {
	Driver   string   `yaml:"driver" env:"STORAGE_DRIVER" env-default:"postgres"`
	Postgres Postgres `yaml:"postgres"`
	SQLite   SQLite   `yaml:"sqlite"`
	Mongo    Mongo    `yaml:"mongo"`
}

type Credential struct {
	SigningKey string `yaml:"signing_key" env:"PASS_SIGNING_KEY" env-default:""`
	QRSize     int    `yaml:"qr_size" env:"PASS_QR_SIZE" env-default:"256"`
}

type Session struct {
	Secret string `yaml:"secret" env:"SESSION_SECRET" env-default:""`
}

type Broker struct {
	URL      string `yaml:"url" env:"BROKER_URL" env-default:""`
	Exchange string `yaml:"exchange" env:"BROKER_EXCHANGE" env-default:"epass"`
}

type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT" env-default:""`
	ServiceName  string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"campus-event-glow"`
}

type Service struct {
	OpTimeout time.Duration `yaml:"op_timeout" env:"OP_TIMEOUT" env-default:"5s"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps" env:"RATE_LIMIT_RPS" env-default:"2"`
	Burst int     `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"5"`
}

type Config struct {
	Env        string     `yaml:"env" env:"APP_ENV" env-default:"local"`
	Listen     Listen     `yaml:"listen"`
	Storage    Storage    `yaml:"storage"`
	Credential Credential `yaml:"credential"`
	Session    Session    `yaml:"session"`
	Broker     Broker     `yaml:"broker"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Service    Service    `yaml:"service"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres, DriverSQLite, DriverMongo:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Credential.SigningKey == "" {
		return errors.New("credential signing key is required")
	}
	if c.Session.Secret == "" {
		return errors.New("session secret is required")
	}
	if c.Credential.QRSize < 64 {
		return errors.New("qr size must be at least 64 pixels")
	}
	if c.Service.OpTimeout <= 0 {
		return errors.New("op timeout must be positive")
	}
	return nil
}

// Load reads path (when it exists) and the environment into a Config.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	conf := &Config{}
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = cleanenv.ReadConfig(path, conf)
	} else {
		err = cleanenv.ReadEnv(conf)
	}
	if err != nil {
		desc, _ := cleanenv.GetDescription(conf, nil)
		return nil, fmt.Errorf("config: %w; %s", err, desc)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return conf, nil
}

var (
	instance *Config
	once     sync.Once
)

// MustLoad loads the configuration once and exits the process on failure.
func MustLoad(path string) *Config {
	once.Do(func() {
		conf, err := Load(path)
		if err != nil {
			log.Fatal(err)
		}
		instance = conf
	})
	return instance
}
