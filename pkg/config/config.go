package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RelayAddr    string
	RelayURL     string
	RedisURL     string
	RedisChannel string
	PingInterval time.Duration
	PongWait     time.Duration
	Heartbeat    time.Duration
	// Client side
	SyncTimeout     time.Duration
	PersistDebounce time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryBudget     time.Duration
	MaxRetries      int
	Storage         string
	Name            string
	Color           string
	LogLevel        slog.Level
}

// Load reads the given dotenv files (".env" when none are given) and then the
// environment. Missing dotenv files are ignored; variables already set in the
// environment win over dotenv values.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return Config{
		RelayAddr:       getenv("MDCOLLAB_RELAY_ADDR", "localhost:8080"),
		RelayURL:        getenv("MDCOLLAB_RELAY_URL", ""),
		RedisURL:        getenv("MDCOLLAB_REDIS_URL", ""),
		RedisChannel:    getenv("MDCOLLAB_REDIS_CHANNEL", "mdcollab:relay"),
		PingInterval:    getenvDuration("MDCOLLAB_PING_INTERVAL", 10*time.Second),
		PongWait:        getenvDuration("MDCOLLAB_PONG_WAIT", 25*time.Second),
		Heartbeat:       getenvDuration("MDCOLLAB_RELAY_HEARTBEAT", 5*time.Second),
		SyncTimeout:     getenvDuration("MDCOLLAB_SYNC_TIMEOUT", 8*time.Second),
		PersistDebounce: getenvDuration("MDCOLLAB_PERSIST_DEBOUNCE", 500*time.Millisecond),
		RetryInitial:    getenvDuration("MDCOLLAB_RETRY_INITIAL", 500*time.Millisecond),
		RetryMax:        getenvDuration("MDCOLLAB_RETRY_MAX", 10*time.Second),
		RetryBudget:     getenvDuration("MDCOLLAB_RETRY_BUDGET", 2*time.Minute),
		MaxRetries:      getenvInt("MDCOLLAB_MAX_RETRIES", 0),
		Storage:         getenv("MDCOLLAB_STORAGE", "."),
		Name:            getenv("MDCOLLAB_NAME", os.Getenv("USER")),
		Color:           getenv("MDCOLLAB_COLOR", "#3b82f6"),
		LogLevel:        getenvLevel("MDCOLLAB_LOG_LEVEL", slog.LevelInfo),
	}, nil
}

// Logger builds the text logger the binaries install as default.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvLevel(key string, fallback slog.Level) slog.Level {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fallback
	}
	return level
}
