// Package config resolves all runtime configuration from the environment
// once at boot. Handlers receive the resolved values through their
// dependencies instead of reading env vars ad hoc.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/motolink/waroute/internal/util"
)

// SearchPolicy names how a search-capable flow combines the advisory agent
// with the direct matching path.
type SearchPolicy string

const (
	// PolicyDirect runs the direct ranking query only.
	PolicyDirect SearchPolicy = "direct"
	// PolicyAgentFirst tries the advisory agent and falls back to the direct
	// path on any failure or empty option set.
	PolicyAgentFirst SearchPolicy = "agent-first"
)

// ParseSearchPolicy validates a policy string.
func ParseSearchPolicy(s string) (SearchPolicy, error) {
	switch SearchPolicy(s) {
	case PolicyDirect, PolicyAgentFirst:
		return SearchPolicy(s), nil
	case "":
		return PolicyDirect, nil
	default:
		return "", fmt.Errorf("unknown search policy %q", s)
	}
}

// Channel selects the messaging backend.
const (
	ChannelCloud     = "cloud"
	ChannelTwilio    = "twilio"
	ChannelWhatsmeow = "whatsmeow"
)

// Search tuning defaults. The radius band floor and ceiling coincide on
// purpose today: searches run at a fixed 15 km regardless of the configured
// radius. Widen MaxRadiusMeters to make the config effective.
const (
	DefaultRadiusMeters  = 15_000
	MaxRadiusMeters      = 15_000
	DefaultMaxResults    = 9
	DefaultWindowDays    = 30
	DefaultIntentTTL     = 30 * time.Minute
	DefaultRatePerMinute = 30
)

// Config is the resolved runtime configuration.
type Config struct {
	// HTTP server.
	Addr string

	// Store DSN; driver is auto-detected (postgres vs sqlite).
	DatabaseDSN string

	// Messaging channel and per-channel credentials.
	Channel            string
	CloudAPIBaseURL    string
	CloudAccessToken   string
	CloudPhoneNumberID string
	CloudVerifyToken   string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	WhatsmeowDBDSN     string
	WhatsmeowQRPath    string

	// Redis for the intent cache. Empty address disables the cache.
	RedisAddr     string
	RedisPassword string
	IntentTTL     time.Duration

	// Search tuning.
	SearchRadiusMeters int
	MaxResults         int
	WindowDays         int
	SearchPolicy       SearchPolicy

	// Guards.
	BlockedSenders []string
	RatePerMinute  int
}

// Load reads configuration from the environment. Callers typically load a
// .env file first (see cmd/waroute).
func Load() (Config, error) {
	policy, err := ParseSearchPolicy(util.GetEnv("WAROUTE_SEARCH_POLICY", string(PolicyDirect)))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr:        util.GetEnv("WAROUTE_ADDR", ":8080"),
		DatabaseDSN: util.GetEnv("DATABASE_DSN", ""),

		Channel:            util.GetEnv("WAROUTE_CHANNEL", ChannelCloud),
		CloudAPIBaseURL:    util.GetEnv("WA_CLOUD_BASE_URL", "https://graph.facebook.com/v19.0"),
		CloudAccessToken:   util.GetEnv("WA_CLOUD_ACCESS_TOKEN", ""),
		CloudPhoneNumberID: util.GetEnv("WA_CLOUD_PHONE_NUMBER_ID", ""),
		CloudVerifyToken:   util.GetEnv("WA_CLOUD_VERIFY_TOKEN", ""),
		TwilioAccountSID:   util.GetEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:    util.GetEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:   util.GetEnv("TWILIO_FROM_NUMBER", ""),
		WhatsmeowDBDSN:     util.GetEnv("WHATSMEOW_DB_DSN", ""),
		WhatsmeowQRPath:    util.GetEnv("WHATSMEOW_QR_PATH", ""),

		RedisAddr:     util.GetEnv("REDIS_ADDR", ""),
		RedisPassword: util.GetEnv("REDIS_PASSWORD", ""),
		IntentTTL:     util.ParseDurationEnv("WAROUTE_INTENT_TTL", DefaultIntentTTL),

		SearchRadiusMeters: util.ParseIntEnv("WAROUTE_SEARCH_RADIUS_M", DefaultRadiusMeters),
		MaxResults:         util.ParseIntEnv("WAROUTE_MAX_RESULTS", DefaultMaxResults),
		WindowDays:         util.ParseIntEnv("WAROUTE_WINDOW_DAYS", DefaultWindowDays),
		SearchPolicy:       policy,

		RatePerMinute: util.ParseIntEnv("WAROUTE_RATE_PER_MINUTE", DefaultRatePerMinute),
	}

	if blocked := util.GetEnv("WAROUTE_BLOCKED_SENDERS", ""); blocked != "" {
		cfg.BlockedSenders = splitCSV(blocked)
	}

	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("DATABASE_DSN not set")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EffectiveRadiusMeters clamps the configured radius into the fixed
// floor/ceiling band.
func (c Config) EffectiveRadiusMeters() int {
	m := c.SearchRadiusMeters
	if m <= 0 {
		m = DefaultRadiusMeters
	}
	if m < DefaultRadiusMeters {
		m = DefaultRadiusMeters
	}
	if m > MaxRadiusMeters {
		m = MaxRadiusMeters
	}
	return m
}
