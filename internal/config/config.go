// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible
// defaults. All limits and timing parameters the engine needs are
// configurable (§6 "Configuration (recognized options)").
//
// Configuration categories:
//   - Connection: max connections per identity, liveness scan interval
//   - RateLimit: token-bucket capacity/refill per event class
//   - Room: subscriber send-queue limits, empty-room grace period
//   - Test: session TTL, keystroke log cap, stats broadcast interval
//   - Race: countdown duration, waiting TTL, grace window, wpm ceiling
//   - Timeout: send/fetch/sink deadlines
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConnectionConfig holds connection-registry related configuration.
type ConnectionConfig struct {
	MaxPerIdentity int           // max_connections_per_identity (default 5)
	LivenessScan   time.Duration // background idle scan interval (default 60s)
	IdleThreshold  time.Duration // flagged-idle threshold (default 5m)
}

// RateLimitConfig holds token-bucket configuration per event class (§4.2).
type RateLimitConfig struct {
	ConnectionCapacity   int
	ConnectionRefill     time.Duration
	KeystrokeCapacity    int
	KeystrokeRefill      time.Duration
	RaceProgressCapacity int
	RaceProgressRefill   time.Duration
	ChatCapacity         int
	ChatRefill           time.Duration
	GeneralCapacity      int
	GeneralRefill        time.Duration
	BucketTTL            time.Duration // bucket eviction after last touch (default 10m)
}

// RoomConfig holds Room Fabric configuration (§4.4, §5).
type RoomConfig struct {
	EmptyGrace         time.Duration // grace period before an empty room is reclaimed
	SendQueueMaxMsgs   int           // send_queue_max_messages (default 256)
	SendQueueMaxBytes  int           // send_queue_max_bytes (default 1MB)
	SlowConsumerWindow time.Duration // window for "two drops" closing rule (default 10s)
}

// TestConfig holds Test Session Engine configuration (§4.5).
type TestConfig struct {
	SessionTTL                time.Duration // test_session_ttl_ms (default 10m)
	KeystrokeLogCap           int           // keystroke_log_cap (default 10000)
	StatsBroadcastMinInterval time.Duration // stats_broadcast_min_interval_ms (default 100ms)
	EvictionDelay             time.Duration // delay after completion before eviction (default 30s)
}

// RaceConfig holds Race Engine configuration (§4.6).
type RaceConfig struct {
	CountdownDuration time.Duration // countdown_duration_ms (default 5s, bounds 3s..10s)
	WaitingTTL        time.Duration // race_waiting_ttl_ms (default 1h)
	GraceWindowMax    time.Duration // max grace window after first finisher (default 30s)
	MaxWPMCeiling     int           // max_wpm_plausibility_ceiling (default 300)
	EvictionDelay     time.Duration // delay after completion/cancel before eviction (default 60s)
	AllowSpectators   bool          // policy toggle, default true (§4.6 "Spectator rules")
}

// TimeoutConfig holds suspension-point deadlines (§5).
type TimeoutConfig struct {
	Send       time.Duration // outbound send deadline (default 5s)
	WordFetch  time.Duration // WordSource fetch deadline (default 3s)
	ResultSink time.Duration // ResultSink call deadline (default 5s)
}

// HousekeepingConfig controls the periodic sweep (§5 "Eviction").
type HousekeepingConfig struct {
	Interval time.Duration // default 60s
}

// Config holds all application configuration.
type Config struct {
	Port          string
	AllowedOrigin string
	DBPath        string

	Connection   ConnectionConfig
	RateLimit    RateLimitConfig
	Room         RoomConfig
	Test         TestConfig
	Race         RaceConfig
	Timeout      TimeoutConfig
	Housekeeping HousekeepingConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", ""),
		DBPath:        getEnv("DB_PATH", "./data/typeclash.db"),

		Connection: ConnectionConfig{
			MaxPerIdentity: getEnvInt("TC_MAX_CONNECTIONS_PER_IDENTITY", 5),
			LivenessScan:   getEnvDuration("TC_LIVENESS_SCAN_INTERVAL", 60*time.Second),
			IdleThreshold:  getEnvDuration("TC_IDLE_THRESHOLD", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			ConnectionCapacity:   getEnvInt("TC_RL_CONNECTION_CAPACITY", 10),
			ConnectionRefill:     getEnvDuration("TC_RL_CONNECTION_REFILL", 6*time.Second),
			KeystrokeCapacity:    getEnvInt("TC_RL_KEYSTROKE_CAPACITY", 20),
			KeystrokeRefill:      getEnvDuration("TC_RL_KEYSTROKE_REFILL", time.Second/20),
			RaceProgressCapacity: getEnvInt("TC_RL_RACE_PROGRESS_CAPACITY", 10),
			RaceProgressRefill:   getEnvDuration("TC_RL_RACE_PROGRESS_REFILL", time.Second/10),
			ChatCapacity:         getEnvInt("TC_RL_CHAT_CAPACITY", 5),
			ChatRefill:           getEnvDuration("TC_RL_CHAT_REFILL", 12*time.Second),
			GeneralCapacity:      getEnvInt("TC_RL_GENERAL_CAPACITY", 100),
			GeneralRefill:        getEnvDuration("TC_RL_GENERAL_REFILL", 6*time.Second),
			BucketTTL:            getEnvDuration("TC_RL_BUCKET_TTL", 10*time.Minute),
		},
		Room: RoomConfig{
			EmptyGrace:         getEnvDuration("TC_ROOM_EMPTY_GRACE", 30*time.Second),
			SendQueueMaxMsgs:   getEnvInt("TC_SEND_QUEUE_MAX_MESSAGES", 256),
			SendQueueMaxBytes:  getEnvInt("TC_SEND_QUEUE_MAX_BYTES", 1<<20),
			SlowConsumerWindow: getEnvDuration("TC_SLOW_CONSUMER_WINDOW", 10*time.Second),
		},
		Test: TestConfig{
			SessionTTL:                getEnvDuration("TC_TEST_SESSION_TTL", 10*time.Minute),
			KeystrokeLogCap:           getEnvInt("TC_KEYSTROKE_LOG_CAP", 10000),
			StatsBroadcastMinInterval: getEnvDuration("TC_STATS_BROADCAST_MIN_INTERVAL", 100*time.Millisecond),
			EvictionDelay:             getEnvDuration("TC_TEST_EVICTION_DELAY", 30*time.Second),
		},
		Race: RaceConfig{
			CountdownDuration: getEnvDuration("TC_COUNTDOWN_DURATION", 5*time.Second),
			WaitingTTL:        getEnvDuration("TC_RACE_WAITING_TTL", 60*time.Minute),
			GraceWindowMax:    getEnvDuration("TC_RACE_GRACE_WINDOW_MAX", 30*time.Second),
			MaxWPMCeiling:     getEnvInt("TC_MAX_WPM_CEILING", 300),
			EvictionDelay:     getEnvDuration("TC_RACE_EVICTION_DELAY", 60*time.Second),
			AllowSpectators:   getEnvBool("TC_ALLOW_SPECTATORS", true),
		},
		Timeout: TimeoutConfig{
			Send:       getEnvDuration("TC_TIMEOUT_SEND", 5*time.Second),
			WordFetch:  getEnvDuration("TC_TIMEOUT_WORD_FETCH", 3*time.Second),
			ResultSink: getEnvDuration("TC_TIMEOUT_RESULT_SINK", 5*time.Second),
		},
		Housekeeping: HousekeepingConfig{
			Interval: getEnvDuration("TC_HOUSEKEEPING_INTERVAL", 60*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and within
// the bounds the spec requires (§6 "countdown_duration_ms (default 5000;
// bounds 3000..10000)").
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Race.CountdownDuration < 3*time.Second || c.Race.CountdownDuration > 10*time.Second {
		return fmt.Errorf("countdown duration must be between 3s and 10s, got %s", c.Race.CountdownDuration)
	}
	if c.Connection.MaxPerIdentity <= 0 {
		return fmt.Errorf("max connections per identity must be > 0")
	}
	return nil
}

// IsDevelopment returns true if no allowed origin has been configured, or it
// refers to localhost.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
