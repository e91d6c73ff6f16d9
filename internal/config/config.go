package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	RedisURL              string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// Real-time send rate limiting (per identity).
	RateWindow     time.Duration
	RateWindowCap  int
	RateBurstWin   time.Duration
	RateBurstCap   int
	RatePenalty    time.Duration
	RateMaxEntries int
	RateSweepEvery time.Duration

	PresenceTTL time.Duration

	MaxMentionsPerMessage int
	GroupMinParticipants  int
	GroupMaxParticipants  int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getseconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Load reads configuration from the environment, with an optional .env file
// for local development.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=messenger port=5432 sslmode=disable TimeZone=UTC"),
		RedisURL:              getenv("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),

		RateWindow:     getseconds("RATE_WINDOW_SECONDS", 60*time.Second),
		RateWindowCap:  getint("RATE_WINDOW_CAP", 30),
		RateBurstWin:   getseconds("RATE_BURST_WINDOW_SECONDS", time.Second),
		RateBurstCap:   getint("RATE_BURST_CAP", 5),
		RatePenalty:    getseconds("RATE_PENALTY_SECONDS", 30*time.Second),
		RateMaxEntries: getint("RATE_MAX_ENTRIES", 10000),
		RateSweepEvery: getseconds("RATE_SWEEP_SECONDS", 60*time.Second),

		PresenceTTL: getseconds("PRESENCE_TTL_SECONDS", 300*time.Second),

		MaxMentionsPerMessage: getint("MAX_MENTIONS_PER_MESSAGE", 50),
		GroupMinParticipants:  getint("GROUP_MIN_PARTICIPANTS", 3),
		GroupMaxParticipants:  getint("GROUP_MAX_PARTICIPANTS", 100),
	}
}
