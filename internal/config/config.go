package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Elastic     ElasticConfig
	Clickhouse  ClickhouseConfig
	Fallback    FallbackConfig
	RateLimit   RateLimitConfig
	Login       LoginConfig
	Session     SessionConfig
	CSRF        CSRFConfig
	Monitor     MonitorConfig
	Alerts      AlertConfig
	EventLog    EventLogConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	CertFile     string
	KeyFile      string
	CertDir      string
	Domain       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	EventTopic string
}

type ElasticConfig struct {
	Enabled    bool
	URL        string
	EventIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

// FallbackConfig locates the embedded store that serves counter traffic when
// Redis is unreachable. It must point at a path shared by every worker on the
// host; a per-process temp file defeats the limiter.
type FallbackConfig struct {
	Path string
}

// CategoryConfig is one row of the per-category rate limit table.
type CategoryConfig struct {
	Limit         int
	Window        time.Duration
	BlockDuration time.Duration
	BurstLimit    int
	BurstWindow   time.Duration
}

type RateLimitConfig struct {
	Categories map[string]CategoryConfig
}

type LoginConfig struct {
	MaxAttempts        int
	LockoutDuration    time.Duration
	ResetAttemptsAfter time.Duration
	AdminNotification  bool
}

type SessionConfig struct {
	Timeout            time.Duration
	RegenerateInterval time.Duration
	MaxConcurrent      int
	RequireTOTP        bool
}

type CSRFConfig struct {
	TokenLifetime time.Duration
}

type MonitorConfig struct {
	Enabled          bool
	PollInterval     time.Duration
	CheckInterval    time.Duration
	AnalysisWindow   time.Duration
	BruteForceWindow time.Duration
	BruteForceLimit  int
	NetBlockDuration time.Duration
}

type EmailAlertConfig struct {
	Enabled    bool
	Region     string
	Sender     string
	Recipients []string
}

type WebhookAlertConfig struct {
	Enabled bool
	URL     string
}

type AlertConfig struct {
	Email   EmailAlertConfig
	Webhook WebhookAlertConfig
}

type EventLogConfig struct {
	Path              string
	BlockSchedulePath string
}

// DefaultCategories is the deployment rate limit table. Categories absent from
// this table are not limited at all.
func DefaultCategories() map[string]CategoryConfig {
	return map[string]CategoryConfig{
		"search": {
			Limit:         30,
			Window:        60 * time.Second,
			BlockDuration: 300 * time.Second,
			BurstLimit:    10,
			BurstWindow:   10 * time.Second,
		},
		"general": {
			Limit:         60,
			Window:        60 * time.Second,
			BlockDuration: 300 * time.Second,
			BurstLimit:    20,
			BurstWindow:   10 * time.Second,
		},
		"admin": {
			Limit:         20,
			Window:        60 * time.Second,
			BlockDuration: 600 * time.Second,
			BurstLimit:    5,
			BurstWindow:   10 * time.Second,
		},
		"search_count": {
			Limit:         50,
			Window:        60 * time.Second,
			BlockDuration: 300 * time.Second,
			BurstLimit:    15,
			BurstWindow:   10 * time.Second,
		},
	}
}

// LoadConfig builds the full configuration from the environment. A .env file
// in the working directory is honored when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			CertDir:      getEnv("SERVER_CERT_DIR", "certs"),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			ReadTimeout:  getEnvSeconds("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: getEnvSeconds("SERVER_WRITE_TIMEOUT", 15),
			IdleTimeout:  getEnvSeconds("SERVER_IDLE_TIMEOUT", 60),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379/1"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 1),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Hosts:    getEnvSlice("SCYLLA_HOSTS", []string{"127.0.0.1"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "security_core"),
			Timeout:  getEnvSeconds("SCYLLA_TIMEOUT", 5),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
			EventTopic: getEnv("KAFKA_EVENT_TOPIC", "security-events"),
		},
		Elastic: ElasticConfig{
			Enabled:    getEnvBool("ELASTIC_ENABLED", false),
			URL:        getEnv("ELASTIC_URL", "http://127.0.0.1:9200"),
			EventIndex: getEnv("ELASTIC_EVENT_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://127.0.0.1:8123"),
			Database: getEnv("CLICKHOUSE_DATABASE", "security"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Fallback: FallbackConfig{
			Path: getEnv("FALLBACK_STORE_PATH", "data/counters.db"),
		},
		RateLimit: RateLimitConfig{
			Categories: DefaultCategories(),
		},
		Login: LoginConfig{
			MaxAttempts:        getEnvInt("LOGIN_MAX_ATTEMPTS", 5),
			LockoutDuration:    getEnvSeconds("LOGIN_LOCKOUT_DURATION", 900),
			ResetAttemptsAfter: getEnvSeconds("LOGIN_RESET_ATTEMPTS_AFTER", 3600),
			AdminNotification:  getEnvBool("LOGIN_ADMIN_NOTIFICATION", true),
		},
		Session: SessionConfig{
			Timeout:            getEnvSeconds("SESSION_TIMEOUT", 7200),
			RegenerateInterval: getEnvSeconds("SESSION_REGENERATE_INTERVAL", 1800),
			MaxConcurrent:      getEnvInt("SESSION_MAX_CONCURRENT", 3),
			RequireTOTP:        getEnvBool("SESSION_REQUIRE_TOTP", false),
		},
		CSRF: CSRFConfig{
			TokenLifetime: getEnvSeconds("CSRF_TOKEN_LIFETIME", 3600),
		},
		Monitor: MonitorConfig{
			Enabled:          getEnvBool("MONITOR_ENABLED", true),
			PollInterval:     getEnvSeconds("MONITOR_POLL_INTERVAL", 1),
			CheckInterval:    getEnvSeconds("MONITOR_CHECK_INTERVAL", 300),
			AnalysisWindow:   getEnvSeconds("MONITOR_ANALYSIS_WINDOW", 3600),
			BruteForceWindow: getEnvSeconds("MONITOR_BRUTE_FORCE_WINDOW", 300),
			BruteForceLimit:  getEnvInt("MONITOR_BRUTE_FORCE_LIMIT", 5),
			NetBlockDuration: getEnvSeconds("MONITOR_NET_BLOCK_DURATION", 1800),
		},
		Alerts: AlertConfig{
			Email: EmailAlertConfig{
				Enabled:    getEnvBool("ALERT_EMAIL_ENABLED", false),
				Region:     getEnv("ALERT_EMAIL_REGION", "us-east-1"),
				Sender:     getEnv("ALERT_EMAIL_SENDER", ""),
				Recipients: getEnvSlice("ALERT_EMAIL_RECIPIENTS", nil),
			},
			Webhook: WebhookAlertConfig{
				Enabled: getEnvBool("ALERT_WEBHOOK_ENABLED", false),
				URL:     getEnv("ALERT_WEBHOOK_URL", ""),
			},
		},
		EventLog: EventLogConfig{
			Path:              getEnv("EVENT_LOG_PATH", "logs/security.log"),
			BlockSchedulePath: getEnv("NET_BLOCK_SCHEDULE_PATH", "logs/ip_blocks.jsonl"),
		},
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
