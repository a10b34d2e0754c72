package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"serum_rest/internal/domain"
)

// MarketEntry is one configured market.
type MarketEntry struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	ProgramID string `yaml:"program_id"`
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		ListenAddr         string  `yaml:"listen_addr"`
		RateLimitRPS       float64 `yaml:"rate_limit_rps"`
		RateLimitBurst     int     `yaml:"rate_limit_burst"`
		RestartIntervalSec int     `yaml:"restart_interval_sec"`
	} `yaml:"server"`

	Solana struct {
		RPCURLs         []string `yaml:"rpc_urls"`
		WSURL           string   `yaml:"ws_url"`
		Commitment      string   `yaml:"commitment"`
		RPCRateLimitRPS float64  `yaml:"rpc_rate_limit_rps"`
		SecretsFile     string   `yaml:"secrets_file"`
		PrivateKeyName  string   `yaml:"private_key_name"`
	} `yaml:"solana"`

	Engine struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		ResendInterval    time.Duration `yaml:"resend_interval"`
		MaxResends        int           `yaml:"max_resends"`
		ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
		PlaceOrderTimeout time.Duration `yaml:"place_order_timeout"`
	} `yaml:"engine"`

	Cache struct {
		BlockhashTTL        time.Duration `yaml:"blockhash_ttl"`
		OpenOrdersMaxAge    time.Duration `yaml:"open_orders_max_age"`
		TokenAccountsMaxAge time.Duration `yaml:"token_accounts_max_age"`
		PayerAccountsMaxAge time.Duration `yaml:"payer_accounts_max_age"`
	} `yaml:"cache"`

	Markets []MarketEntry     `yaml:"markets"`
	Mints   map[string]string `yaml:"mints"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 .env와 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &domain.ConfigError{Field: ".env", Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.ConfigError{Field: path, Err: domain.ErrConfigNotFound}
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and environment overrides and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &domain.ConfigError{Field: "yaml", Err: err}
	}
	cfg.applyDefaults()

	// 보안 우선 - 환경 변수 오버라이드 지원
	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "serum-rest"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":3000"
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = max(1, int(c.Server.RateLimitRPS))
	}
	if c.Solana.Commitment == "" {
		c.Solana.Commitment = "confirmed"
	}
	if c.Engine.PollInterval <= 0 {
		c.Engine.PollInterval = time.Second
	}
	if c.Engine.ResendInterval <= 0 {
		c.Engine.ResendInterval = 5 * time.Second
	}
	if c.Engine.MaxResends == 0 {
		c.Engine.MaxResends = 2
	}
	if c.Engine.ConfirmTimeout <= 0 {
		c.Engine.ConfirmTimeout = 15 * time.Second
	}
	if c.Engine.PlaceOrderTimeout <= 0 {
		c.Engine.PlaceOrderTimeout = 5 * time.Second
	}
	if c.Cache.BlockhashTTL <= 0 {
		c.Cache.BlockhashTTL = 60 * time.Second
	}
	if c.Cache.OpenOrdersMaxAge <= 0 {
		c.Cache.OpenOrdersMaxAge = 60 * time.Second
	}
	if c.Cache.TokenAccountsMaxAge <= 0 {
		c.Cache.TokenAccountsMaxAge = 60 * time.Second
	}
	if c.Cache.PayerAccountsMaxAge <= 0 {
		c.Cache.PayerAccountsMaxAge = 600 * time.Second
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/serum_rest.db"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if len(c.Solana.RPCURLs) == 0 {
		return &domain.ConfigError{Field: "solana.rpc_urls", Err: errors.New("at least one RPC URL is required")}
	}
	for _, u := range c.Solana.RPCURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return &domain.ConfigError{Field: "solana.rpc_urls", Err: fmt.Errorf("invalid RPC URL: %s", u)}
		}
	}
	if c.Solana.WSURL != "" && !strings.HasPrefix(c.Solana.WSURL, "ws://") && !strings.HasPrefix(c.Solana.WSURL, "wss://") {
		return &domain.ConfigError{Field: "solana.ws_url", Err: fmt.Errorf("invalid WS URL: %s", c.Solana.WSURL)}
	}
	if c.Solana.SecretsFile == "" || c.Solana.PrivateKeyName == "" {
		return &domain.ConfigError{Field: "solana.secrets_file", Err: errors.New("secrets file and private key name are required")}
	}
	if len(c.Markets) == 0 {
		return &domain.ConfigError{Field: "markets", Err: errors.New("at least one market is required")}
	}
	for _, m := range c.Markets {
		if _, err := domain.ParsePair(m.Name); err != nil {
			return &domain.ConfigError{Field: "markets", Err: err}
		}
		if m.Address == "" || m.ProgramID == "" {
			return &domain.ConfigError{Field: "markets", Err: fmt.Errorf("market %s needs address and program_id", m.Name)}
		}
	}
	if c.Engine.MaxResends < 0 {
		return &domain.ConfigError{Field: "engine.max_resends", Err: errors.New("must not be negative")}
	}
	if c.Engine.ResendInterval >= c.Engine.ConfirmTimeout {
		return &domain.ConfigError{Field: "engine.resend_interval", Err: errors.New("must be shorter than confirm_timeout")}
	}
	if c.Server.RestartIntervalSec < 0 {
		return &domain.ConfigError{Field: "server.restart_interval_sec", Err: errors.New("must not be negative")}
	}
	return nil
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) error {
	if urls := os.Getenv("SERUM_RPC_URL"); urls != "" {
		cfg.Solana.RPCURLs = nil
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Solana.RPCURLs = append(cfg.Solana.RPCURLs, u)
			}
		}
	}
	if ws := os.Getenv("SERUM_WS_URL"); ws != "" {
		cfg.Solana.WSURL = ws
	}
	if secrets := os.Getenv("SECRETS_FILE"); secrets != "" {
		cfg.Solana.SecretsFile = secrets
	}
	if port := os.Getenv("PORT"); port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			host = ""
		}
		cfg.Server.ListenAddr = net.JoinHostPort(host, port)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if dir := os.Getenv("LOGGING_DIR"); dir != "" {
		cfg.Logging.Dir = dir
	}
	if secs := os.Getenv("RESTART_INTERVAL_SEC"); secs != "" {
		n, err := strconv.Atoi(secs)
		if err != nil {
			return &domain.ConfigError{Field: "RESTART_INTERVAL_SEC", Err: err}
		}
		cfg.Server.RestartIntervalSec = n
	}
	return nil
}
