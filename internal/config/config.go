package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email transport
	EmailProvider string // "ses" or "log"
	AWSRegion     string

	// PublicBaseURL is the externally reachable address used to build
	// tracking pixel and acknowledgment URLs.
	PublicBaseURL string

	// Worker config
	WorkerConcurrency int
	SendMaxAttempts   int
	SendBackoffBase   time.Duration

	// Queue config
	QueueVisibilityTimeout   time.Duration
	QueueMaintenanceInterval time.Duration

	// Scheduler config
	SchedulerInterval time.Duration

	// API rate limiting (requests per tenant per minute)
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "dispatch",
		DBPassword: "",
		DBName:     "dispatch",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		EmailProvider: "log",
		AWSRegion:     "us-east-1",

		PublicBaseURL: "http://localhost:8080",

		WorkerConcurrency: 5,
		SendMaxAttempts:   3,
		SendBackoffBase:   2 * time.Second,

		QueueVisibilityTimeout:   60 * time.Second,
		QueueMaintenanceInterval: 5 * time.Second,

		SchedulerInterval: 30 * time.Second,

		RateLimitPerMinute: 100,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Email transport
	if provider := os.Getenv("EMAIL_PROVIDER"); provider != "" {
		if provider != "ses" && provider != "log" {
			return nil, fmt.Errorf("invalid EMAIL_PROVIDER: %q (want ses or log)", provider)
		}
		cfg.EmailProvider = provider
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		cfg.PublicBaseURL = base
	}

	// Worker config
	if c := os.Getenv("WORKER_CONCURRENCY"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %q", c)
		}
		cfg.WorkerConcurrency = n
	}

	if a := os.Getenv("SEND_MAX_ATTEMPTS"); a != "" {
		n, err := strconv.Atoi(a)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SEND_MAX_ATTEMPTS: %q", a)
		}
		cfg.SendMaxAttempts = n
	}

	if b := os.Getenv("SEND_BACKOFF_BASE"); b != "" {
		d, err := time.ParseDuration(b)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_BACKOFF_BASE: %w", err)
		}
		cfg.SendBackoffBase = d
	}

	// Queue config
	if v := os.Getenv("QUEUE_VISIBILITY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_VISIBILITY_TIMEOUT: %w", err)
		}
		cfg.QueueVisibilityTimeout = d
	}

	if v := os.Getenv("QUEUE_MAINTENANCE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_MAINTENANCE_INTERVAL: %w", err)
		}
		cfg.QueueMaintenanceInterval = d
	}

	// Scheduler config
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_INTERVAL: %w", err)
		}
		cfg.SchedulerInterval = d
	}

	// Rate limit config
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %q", v)
		}
		cfg.RateLimitPerMinute = n
	}

	return cfg, nil
}
