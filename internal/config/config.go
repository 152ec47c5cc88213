package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once at startup.
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	JWT         JWTConfig
	OTP         OTPConfig
	KYC         KYCConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CertFile     string
	KeyFile      string
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
	Nodes           []string
	Keyspace        string
	Username        string
	Password        string
	IdentityBuckets int
}

type KafkaConfig struct {
	Brokers       []string
	SecurityTopic string
	DeliveryTopic string
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// OTPConfig carries the per-deployment challenge policy. None of these
// values are hard-coded anywhere else.
type OTPConfig struct {
	CodeLength       int
	TTL              time.Duration
	CooldownSeconds  int
	MaxAttempts      int
	MaxResendsPerDay int
	Pepper           string
	Argon2MemoryCost int
	Argon2TimeCost   int
	Argon2Parallel   int
}

type KYCConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Load reads configuration from the environment, with .env support for
// local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:           getEnvList("SCYLLA_NODES", "localhost:9042"),
			Keyspace:        getEnv("SCYLLA_KEYSPACE", "identity"),
			Username:        getEnv("SCYLLA_USERNAME", ""),
			Password:        getEnv("SCYLLA_PASSWORD", ""),
			IdentityBuckets: getEnvInt("SCYLLA_IDENTITY_BUCKETS", 64),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvList("KAFKA_BROKERS", "localhost:9092"),
			SecurityTopic: getEnv("KAFKA_SECURITY_TOPIC", "identity.security-events"),
			DeliveryTopic: getEnv("KAFKA_DELIVERY_TOPIC", "identity.otp-delivery"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", ""),
			Issuer:     getEnv("JWT_ISSUER", "identity-service"),
			AccessTTL:  getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL: getEnvDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
		},
		OTP: OTPConfig{
			CodeLength:       getEnvInt("OTP_CODE_LENGTH", 6),
			TTL:              getEnvDuration("OTP_TTL", 5*time.Minute),
			CooldownSeconds:  getEnvInt("OTP_COOLDOWN_SECONDS", 60),
			MaxAttempts:      getEnvInt("OTP_MAX_ATTEMPTS", 5),
			MaxResendsPerDay: getEnvInt("OTP_MAX_RESENDS_PER_DAY", 10),
			Pepper:           getEnv("OTP_PEPPER", ""),
			Argon2MemoryCost: getEnvInt("OTP_ARGON2_MEMORY_KB", 64*1024),
			Argon2TimeCost:   getEnvInt("OTP_ARGON2_TIME", 1),
			Argon2Parallel:   getEnvInt("OTP_ARGON2_PARALLELISM", 4),
		},
		KYC: KYCConfig{
			BaseURL: getEnv("KYC_BASE_URL", "http://localhost:8090"),
			Timeout: getEnvDuration("KYC_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.IsProduction() {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.OTP.Pepper == "" {
			return fmt.Errorf("OTP_PEPPER is required in production")
		}
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10, got %d", c.OTP.CodeLength)
	}
	if c.OTP.MaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive, got %d", c.OTP.MaxAttempts)
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return fmt.Errorf("JWT_ACCESS_TTL must be shorter than JWT_REFRESH_TTL")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) ServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
