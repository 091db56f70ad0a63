package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	VerificationURI        string
	PairingTTLMinutes      int
	PollIntervalSeconds    int
	LockThreshold          int
	NonceTTLSeconds        int
	MaxTimestampAgeSeconds int
	ClockDriftSeconds      int
	SweepIntervalSeconds   int
	LogLevel               string
	Environment            string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  intEnv("ACCESS_TOKEN_TTL_MINUTES", 480),
		VerificationURI:        getEnv("PAIRING_VERIFICATION_URI", "https://pos.example.com/pair"),
		PairingTTLMinutes:      intEnv("PAIRING_TTL_MINUTES", 15),
		PollIntervalSeconds:    intEnv("PAIRING_POLL_INTERVAL_SECONDS", 5),
		LockThreshold:          intEnv("TERMINAL_LOCK_THRESHOLD", 5),
		NonceTTLSeconds:        intEnv("NONCE_TTL_SECONDS", 300),
		MaxTimestampAgeSeconds: intEnv("MAX_TIMESTAMP_AGE_SECONDS", 300),
		ClockDriftSeconds:      intEnv("CLOCK_DRIFT_SECONDS", 2),
		SweepIntervalSeconds:   intEnv("PAIRING_SWEEP_INTERVAL_SECONDS", 60),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		Environment:            getEnv("ENVIRONMENT", "development"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func intEnv(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
