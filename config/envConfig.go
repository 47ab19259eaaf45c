package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"github.com/celerfi/coin-price-indexer/scheduler"
)

const DefaultEnvFile = "dev.env"

type Config struct {
	DeploymentEnvironment string `env:"DEPLOYMENT_ENVIRONMENT" envDefault:"development"`

	DB        DBConfig
	CoinGecko CoinGeckoConfig
	Ingest    IngestConfig
	Dashboard DashboardConfig
	Log       LogConfig
}

// db variables
type DBConfig struct {
	User           string        `env:"DB_USER,required,notEmpty"`
	Password       string        `env:"DB_PASSWORD"`
	Host           string        `env:"DB_HOST" envDefault:"localhost"`
	Port           int           `env:"DB_PORT" envDefault:"5432"`
	Name           string        `env:"DB_NAME,required,notEmpty"`
	SSLMode        string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns       int32         `env:"DB_MAX_CONNS" envDefault:"5"`
	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"10s"`
}

type CoinGeckoConfig struct {
	BaseURL       string        `env:"COINGECKO_BASE_URL" envDefault:"https://api.coingecko.com/api/v3"`
	VsCurrency    string        `env:"COINGECKO_VS_CURRENCY" envDefault:"usd"`
	PerPage       int           `env:"COINGECKO_PER_PAGE" envDefault:"100"`
	Page          int           `env:"COINGECKO_PAGE" envDefault:"1"`
	APIKey        string        `env:"COINGECKO_API_KEY"`
	Timeout       time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`
	MaxTries      uint          `env:"UPSTREAM_MAX_TRIES" envDefault:"3"`
	RetryInterval time.Duration `env:"UPSTREAM_RETRY_INTERVAL" envDefault:"1s"`
}

type IngestConfig struct {
	Schedule     string        `env:"INGEST_SCHEDULE" envDefault:"@every 60s"`
	RunOnStart   bool          `env:"INGEST_RUN_ON_START" envDefault:"true"`
	CycleTimeout time.Duration `env:"INGEST_CYCLE_TIMEOUT" envDefault:"45s"`
}

type DashboardConfig struct {
	HTTPAddr      string        `env:"HTTP_ADDR" envDefault:":8050"`
	DefaultLimit  int           `env:"DASHBOARD_LIMIT" envDefault:"20"`
	Refresh       time.Duration `env:"DASHBOARD_REFRESH" envDefault:"60s"`
	HistoryWindow time.Duration `env:"DASHBOARD_HISTORY_WINDOW" envDefault:"24h"`
	HistoryPoints int           `env:"DASHBOARD_HISTORY_POINTS" envDefault:"500"`
}

type LogConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Encoding    string `env:"LOG_ENCODING" envDefault:"console"`
	Development bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// Load seeds the process environment from envFile (if it exists) and parses it.
// Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvFile returns ENV_FILE or the default dotenv path.
func EnvFile() string {
	if path := os.Getenv("ENV_FILE"); path != "" {
		return path
	}
	return DefaultEnvFile
}

func (c Config) Validate() error {
	switch {
	case c.DB.Port <= 0 || c.DB.Port > 65535:
		return fmt.Errorf("DB_PORT out of range: %d", c.DB.Port)
	case c.DB.MaxConns <= 0:
		return fmt.Errorf("DB_MAX_CONNS must be positive: %d", c.DB.MaxConns)
	case c.DB.ConnectTimeout <= 0:
		return errors.New("DB_CONNECT_TIMEOUT must be positive")
	case c.CoinGecko.BaseURL == "":
		return errors.New("COINGECKO_BASE_URL is empty")
	case c.CoinGecko.VsCurrency == "":
		return errors.New("COINGECKO_VS_CURRENCY is empty")
	case c.CoinGecko.PerPage <= 0 || c.CoinGecko.PerPage > 250:
		return fmt.Errorf("COINGECKO_PER_PAGE must be within 1..250: %d", c.CoinGecko.PerPage)
	case c.CoinGecko.Page <= 0:
		return fmt.Errorf("COINGECKO_PAGE must be positive: %d", c.CoinGecko.Page)
	case c.CoinGecko.Timeout <= 0:
		return errors.New("UPSTREAM_TIMEOUT must be positive")
	case c.CoinGecko.MaxTries == 0:
		return errors.New("UPSTREAM_MAX_TRIES must be at least 1")
	case c.Ingest.CycleTimeout <= 0:
		return errors.New("INGEST_CYCLE_TIMEOUT must be positive")
	case c.Dashboard.DefaultLimit <= 0:
		return fmt.Errorf("DASHBOARD_LIMIT must be positive: %d", c.Dashboard.DefaultLimit)
	case c.Dashboard.Refresh <= 0:
		return errors.New("DASHBOARD_REFRESH must be positive")
	case c.Dashboard.HistoryWindow <= 0:
		return errors.New("DASHBOARD_HISTORY_WINDOW must be positive")
	case c.Dashboard.HistoryPoints <= 1:
		return fmt.Errorf("DASHBOARD_HISTORY_POINTS must be at least 2: %d", c.Dashboard.HistoryPoints)
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if _, err := url.Parse(c.CoinGecko.BaseURL); err != nil {
		return fmt.Errorf("COINGECKO_BASE_URL: %w", err)
	}
	if _, err := scheduler.ParseSchedule(c.Ingest.Schedule); err != nil {
		return fmt.Errorf("INGEST_SCHEDULE: %w", err)
	}
	return nil
}

func (c LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch strings.ToLower(c.Encoding) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_ENCODING must be json or console: %q", c.Encoding)
	}
	return nil
}

// DatabaseURL renders the pgx connection string with escaped credentials.
func (c DBConfig) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}
