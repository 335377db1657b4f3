package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort    string
	StoreBackend  string
	RunMigrations bool

	LockTimeout         time.Duration
	NoteMaxLength       int
	HistoryPageSize     int
	CurrencyExponent    int32
	RecordRejections    bool
	ProvisioningEnabled bool

	JWTSecret string

	EventsBackend string
	RedisAddr     string
	RedisStream   string
	KafkaBrokers  []string
	KafkaTopic    string
	NATSURL       string
	NATSSubject   string
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, fills in variables that are not already set.
func Load() (*Config, error) {
	cfg, err := LoadDatabase()
	if err != nil {
		return nil, err
	}

	cfg.ServerPort = getEnv("SERVER_PORT", "8080")
	cfg.StoreBackend = getEnv("STORE_BACKEND", BackendPostgres)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	cfg.EventsBackend = getEnv("EVENTS_BACKEND", "none")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisStream = getEnv("REDIS_STREAM", "transfer.events")
	cfg.KafkaBrokers = splitList(getEnv("KAFKA_BROKERS", "localhost:9092"))
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", "transfer_completed")
	cfg.NATSURL = getEnv("NATS_URL", "nats://localhost:4222")
	cfg.NATSSubject = getEnv("NATS_SUBJECT", "transfers.completed")

	if cfg.RunMigrations, err = getBool("RUN_MIGRATIONS", true); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.NoteMaxLength, err = getInt("NOTE_MAX_LENGTH", 280); err != nil {
		return nil, err
	}
	if cfg.HistoryPageSize, err = getInt("HISTORY_PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	exponent, err := getInt("CURRENCY_EXPONENT", 2)
	if err != nil {
		return nil, err
	}
	cfg.CurrencyExponent = int32(exponent)
	if cfg.RecordRejections, err = getBool("RECORD_REJECTIONS", false); err != nil {
		return nil, err
	}
	if cfg.ProvisioningEnabled, err = getBool("PROVISIONING_ENABLED", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads only the connection settings. The operator tools use it
// so they do not need the server's secrets.
func LoadDatabase() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "peer_transfers"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
	}, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.EventsBackend {
	case "none", "redis", "kafka", "nats":
	default:
		return fmt.Errorf("unsupported EVENTS_BACKEND %q", c.EventsBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.NoteMaxLength <= 0 {
		return fmt.Errorf("NOTE_MAX_LENGTH must be positive")
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive")
	}
	if c.CurrencyExponent < 0 || c.CurrencyExponent > 8 {
		return fmt.Errorf("CURRENCY_EXPONENT must be between 0 and 8")
	}
	return nil
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// GetDBURL returns the same target as a URL, which pgx expects.
func (c *Config) GetDBURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
