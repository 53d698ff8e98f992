package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Provider    ProviderConfig    `yaml:"provider"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Poller      PollerConfig      `yaml:"poller"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// TrustedProxies may set X-Forwarded-For. Everyone else is identified by
	// the socket address.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LedgerConfig bounds every balance-mutating unit of work.
type LedgerConfig struct {
	Currency  string        `yaml:"currency"`
	TxTimeout time.Duration `yaml:"tx_timeout"`
}

type IdempotencyConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	Endpoints []string      `yaml:"endpoints"`
}

// ProviderConfig describes the aggregator reached either directly or via the relay.
type ProviderConfig struct {
	BaseURL          string        `yaml:"base_url"`
	ConsumerKey      string        `yaml:"consumer_key"`
	ConsumerSecret   string        `yaml:"consumer_secret"`
	WalletNo         string        `yaml:"wallet_no"`
	ResultURL        string        `yaml:"result_url"`
	RelayURL         string        `yaml:"relay_url"`
	RelayKey         string        `yaml:"relay_key"`
	PreferRelay      bool          `yaml:"prefer_relay"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	DiscoveryBudget  time.Duration `yaml:"discovery_budget"`
	StrategyTTL      time.Duration `yaml:"strategy_ttl"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerOpenFor   time.Duration `yaml:"breaker_open_for"`
}

type WebhookConfig struct {
	Secret       string        `yaml:"secret"`
	AllowedIPs   []string      `yaml:"allowed_ips"`
	MpesaIPs     []string      `yaml:"mpesa_ips"`
	MaxAge       time.Duration `yaml:"max_age"`
	RequireIP    bool          `yaml:"require_ip"`
	RateLimitRPS int           `yaml:"rate_limit_rps"`
}

type PollerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
	PendingAfter time.Duration `yaml:"pending_after"`
}

// Load reads yaml file, then layers .env and process environment on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	overrideString(&cfg.Redis.Password, "REDIS_PASSWORD")
	overrideString(&cfg.Provider.BaseURL, "LEMONADE_API_URL")
	overrideString(&cfg.Provider.ConsumerKey, "LEMONADE_CONSUMER_KEY")
	overrideString(&cfg.Provider.ConsumerSecret, "LEMONADE_CONSUMER_SECRET")
	overrideString(&cfg.Provider.WalletNo, "LEMONADE_WALLET_NO")
	overrideString(&cfg.Provider.RelayURL, "LEMONADE_RELAY_URL")
	overrideString(&cfg.Provider.RelayKey, "LEMONADE_RELAY_KEY")
	overrideString(&cfg.Webhook.Secret, "LEMONADE_WEBHOOK_SECRET")
	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		cfg.Server.TrustedProxies = splitList(proxies)
	}
	if ips := os.Getenv("LEMONADE_ALLOWED_IPS"); ips != "" {
		cfg.Webhook.AllowedIPs = splitList(ips)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.Ledger.Currency == "" {
		c.Ledger.Currency = "KES"
	}
	if c.Ledger.TxTimeout == 0 {
		c.Ledger.TxTimeout = 10 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Provider.CallTimeout == 0 {
		c.Provider.CallTimeout = 12 * time.Second
	}
	if c.Provider.DiscoveryTimeout == 0 {
		c.Provider.DiscoveryTimeout = 2 * time.Second
	}
	if c.Provider.DiscoveryBudget == 0 {
		c.Provider.DiscoveryBudget = 3 * time.Second
	}
	if c.Provider.StrategyTTL == 0 {
		c.Provider.StrategyTTL = time.Hour
	}
	if c.Provider.BreakerWindow == 0 {
		c.Provider.BreakerWindow = time.Minute
	}
	if c.Provider.BreakerThreshold == 0 {
		c.Provider.BreakerThreshold = 3
	}
	if c.Provider.BreakerOpenFor == 0 {
		c.Provider.BreakerOpenFor = 2 * time.Minute
	}
	if c.Webhook.MaxAge == 0 {
		c.Webhook.MaxAge = 5 * time.Minute
	}
	if c.Webhook.RateLimitRPS == 0 {
		c.Webhook.RateLimitRPS = 10
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = time.Second
	}
	if c.Poller.BatchSize == 0 {
		c.Poller.BatchSize = 100
	}
	if c.Poller.PendingAfter == 0 {
		c.Poller.PendingAfter = 10 * time.Minute
	}
}

func overrideString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
