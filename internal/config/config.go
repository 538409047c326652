package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	ProviderStub     = "stub"
	ProviderWhatsApp = "whatsapp"
	ProviderSNS      = "sns"
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

	// Redis, used only for admin API rate limiting
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Message transport
	Provider            string // stub, whatsapp, or sns
	WhatsAppAPIURL      string
	WhatsAppPhoneID     string
	WhatsAppAccessToken string
	SNSRegion           string

	// Scheduling
	ProcessorInterval time.Duration // event processor tick
	RateLimitPerMin   int           // admin API requests per org per minute
}

// Load reads configuration from environment variables with sensible
// defaults. Only malformed values error; absent ones fall back.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "classrelay",
		DBPassword: "",
		DBName:     "classrelay",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		Provider:  ProviderStub,
		SNSRegion: "ap-south-1",

		ProcessorInterval: time.Minute,
		RateLimitPerMin:   60,
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
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DBName = name
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

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
	if dbNum := os.Getenv("REDIS_DB"); dbNum != "" {
		d, err := strconv.Atoi(dbNum)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if provider := os.Getenv("PROVIDER"); provider != "" {
		switch provider {
		case ProviderStub, ProviderWhatsApp, ProviderSNS:
			cfg.Provider = provider
		default:
			return nil, fmt.Errorf("invalid PROVIDER %q: must be stub, whatsapp, or sns", provider)
		}
	}
	if url := os.Getenv("WHATSAPP_API_URL"); url != "" {
		cfg.WhatsAppAPIURL = url
	}
	if id := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); id != "" {
		cfg.WhatsAppPhoneID = id
	}
	if token := os.Getenv("WHATSAPP_ACCESS_TOKEN"); token != "" {
		cfg.WhatsAppAccessToken = token
	}
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	}

	if interval := os.Getenv("PROCESSOR_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid PROCESSOR_INTERVAL: %w", err)
		}
		cfg.ProcessorInterval = d
	}
	if limit := os.Getenv("RATE_LIMIT_PER_MIN"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MIN: %w", err)
		}
		cfg.RateLimitPerMin = l
	}

	return cfg, nil
}
