package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	ServerPort     string
	GinMode        string
	LogLevel       string
	LogFormat      string
	RedisURL       string
	JWTSecret      string
	BackendURL     string
	BackendTimeout time.Duration
	// BackendServiceToken authenticates the outbox workers, which deliver
	// events after the student's connection is gone.
	BackendServiceToken string
	// AllowedOrigins controls HTTP CORS and WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
	// WSRateLimit is the number of session upgrades allowed per IP per minute.
	WSRateLimit int
	// AttemptLockTTL bounds how long a dead connection keeps an attempt locked.
	AttemptLockTTL time.Duration

	Session SessionTimings
}

// SessionTimings are the knobs of the exam session controller. The tab-switch
// debounce and fullscreen transition window are empirical values tuned against
// browser double-firing, hence configurable.
type SessionTimings struct {
	AutosaveInterval     time.Duration
	AutosaveDebounce     time.Duration
	AutosaveMinInterval  time.Duration
	TimerTick            time.Duration
	TabSwitchDebounce    time.Duration
	FullscreenTransition time.Duration
	GraceBlocked         time.Duration
	GraceExceeded        time.Duration
	NavThrottle          time.Duration
}

// DefaultSessionTimings returns the production defaults.
func DefaultSessionTimings() SessionTimings {
	return SessionTimings{
		AutosaveInterval:     15 * time.Second,
		AutosaveDebounce:     2 * time.Second,
		AutosaveMinInterval:  2 * time.Second,
		TimerTick:            time.Second,
		TabSwitchDebounce:    500 * time.Millisecond,
		FullscreenTransition: time.Second,
		GraceBlocked:         3 * time.Second,
		GraceExceeded:        5 * time.Second,
		NavThrottle:          time.Second,
	}
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() *Config {
	_ = godotenv.Load() // .env is optional

	def := DefaultSessionTimings()

	return &Config{
		ServerPort:          getEnv("SERVER_PORT", "8090"),
		GinMode:             getEnv("GIN_MODE", "debug"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "pretty"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:           getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
		BackendURL:          strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8080"), "/"),
		BackendTimeout:      getEnvDuration("BACKEND_TIMEOUT", 10*time.Second),
		BackendServiceToken: getEnv("BACKEND_SERVICE_TOKEN", ""),
		AllowedOrigins:      parseOrigins(getEnv("ALLOWED_ORIGINS", "")),
		WSRateLimit:         getEnvInt("WS_RATE_LIMIT", 30),
		AttemptLockTTL:      getEnvDuration("ATTEMPT_LOCK_TTL", 45*time.Second),

		Session: SessionTimings{
			AutosaveInterval:     getEnvDuration("AUTOSAVE_INTERVAL", def.AutosaveInterval),
			AutosaveDebounce:     getEnvDuration("AUTOSAVE_DEBOUNCE", def.AutosaveDebounce),
			AutosaveMinInterval:  getEnvDuration("AUTOSAVE_MIN_INTERVAL", def.AutosaveMinInterval),
			TimerTick:            getEnvDuration("TIMER_TICK", def.TimerTick),
			TabSwitchDebounce:    getEnvDuration("TAB_SWITCH_DEBOUNCE", def.TabSwitchDebounce),
			FullscreenTransition: getEnvDuration("FULLSCREEN_TRANSITION", def.FullscreenTransition),
			GraceBlocked:         getEnvDuration("GRACE_BLOCKED", def.GraceBlocked),
			GraceExceeded:        getEnvDuration("GRACE_EXCEEDED", def.GraceExceeded),
			NavThrottle:          getEnvDuration("NAV_THROTTLE", def.NavThrottle),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("1500ms", "15s") or a bare
// integer interpreted as milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// parseOrigins splits a comma-separated origins string into a trimmed slice.
// Returns nil (allow-all) if the input is empty.
func parseOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
