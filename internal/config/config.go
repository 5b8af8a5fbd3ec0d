/**
 * @description
 * This package handles the configuration management for the payments-service. It
 * uses the Viper library to read configuration from environment variables, with an
 * optional .env file for local development.
 *
 * Reconciliation policy values (replay window, match window, auto-match threshold,
 * ambiguity gap, scoring weights) are deliberately configuration rather than code
 * constants: they are tuning knobs per deployment, not correctness invariants.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Proxy trust policies for resolving the webhook caller's source address. With
// `none`, only the TCP peer address counts; forwarding headers are attacker-
// controlled input. With `trust-first-forwarded-ip`, the service sits behind a
// trusted reverse proxy and reads the first entry of X-Forwarded-For.
const (
	ProxyTrustNone             = "none"
	ProxyTrustFirstForwardedIP = "trust-first-forwarded-ip"
)

// Config holds all the configuration variables for the payments-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	JWTIssuer            string `mapstructure:"JWT_ISSUER"`
	JWTAudience          string `mapstructure:"JWT_AUDIENCE"`

	// Webhook source authentication.
	MpesaAllowedIPs string `mapstructure:"MPESA_ALLOWED_IPS"`
	ProxyTrust      string `mapstructure:"PROXY_TRUST_POLICY"`

	// Optional per-source webhook throttle (0 disables).
	WebhookRateLimitPerMinute int `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`

	// Rail timestamp handling.
	ProviderUTCOffsetMinutes int `mapstructure:"PROVIDER_UTC_OFFSET_MINUTES"`
	ReplayWindowMinutes      int `mapstructure:"REPLAY_WINDOW_MINUTES"`

	// Reconciliation policy.
	MatchWindowHours   int    `mapstructure:"MATCH_WINDOW_HOURS"`
	DueSoonWindowHours int    `mapstructure:"DUE_SOON_WINDOW_HOURS"`
	AutoMatchThreshold int    `mapstructure:"AUTO_MATCH_THRESHOLD"`
	AmbiguityGap       int    `mapstructure:"AMBIGUITY_GAP"`
	ScoreBase          int    `mapstructure:"SCORE_BASE"`
	ScorePhoneWeight   int    `mapstructure:"SCORE_PHONE_WEIGHT"`
	ScoreDueSoonWeight int    `mapstructure:"SCORE_DUE_SOON_WEIGHT"`
	ScoreAmountWeight  int    `mapstructure:"SCORE_AMOUNT_WEIGHT"`
	DefaultPhoneRegion string `mapstructure:"DEFAULT_PHONE_REGION"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values.
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "nyumbani:rate_limit")
	viper.SetDefault("EVENTS_EXCHANGE", "nyumbani.events")
	viper.SetDefault("PROXY_TRUST_POLICY", ProxyTrustNone)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("PROVIDER_UTC_OFFSET_MINUTES", 180) // rail timestamps are Nairobi local time
	viper.SetDefault("REPLAY_WINDOW_MINUTES", 15)
	viper.SetDefault("MATCH_WINDOW_HOURS", 72)
	viper.SetDefault("DUE_SOON_WINDOW_HOURS", 168)
	viper.SetDefault("AUTO_MATCH_THRESHOLD", 85)
	viper.SetDefault("AMBIGUITY_GAP", 20)
	viper.SetDefault("SCORE_BASE", 60)
	viper.SetDefault("SCORE_PHONE_WEIGHT", 30)
	viper.SetDefault("SCORE_DUE_SOON_WEIGHT", 10)
	viper.SetDefault("SCORE_AMOUNT_WEIGHT", 10)
	viper.SetDefault("DEFAULT_PHONE_REGION", "KE")

	// Bind environment variables explicitly to ensure they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("MPESA_ALLOWED_IPS")
	_ = viper.BindEnv("PROXY_TRUST_POLICY")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("PROVIDER_UTC_OFFSET_MINUTES")
	_ = viper.BindEnv("REPLAY_WINDOW_MINUTES")
	_ = viper.BindEnv("MATCH_WINDOW_HOURS")
	_ = viper.BindEnv("DUE_SOON_WINDOW_HOURS")
	_ = viper.BindEnv("AUTO_MATCH_THRESHOLD")
	_ = viper.BindEnv("AMBIGUITY_GAP")
	_ = viper.BindEnv("SCORE_BASE")
	_ = viper.BindEnv("SCORE_PHONE_WEIGHT")
	_ = viper.BindEnv("SCORE_DUE_SOON_WEIGHT")
	_ = viper.BindEnv("SCORE_AMOUNT_WEIGHT")
	_ = viper.BindEnv("DEFAULT_PHONE_REGION")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.ProxyTrust = strings.TrimSpace(strings.ToLower(config.ProxyTrust))
	switch config.ProxyTrust {
	case ProxyTrustNone, ProxyTrustFirstForwardedIP:
	default:
		log.Printf("level=warn component=config msg=\"unknown proxy trust policy; forwarding headers will not be trusted\" policy=%q", config.ProxyTrust)
		config.ProxyTrust = ProxyTrustNone
	}

	if config.ReplayWindowMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive replay window; using default\" minutes=%d", config.ReplayWindowMinutes)
		config.ReplayWindowMinutes = 15
	}
	if config.MatchWindowHours <= 0 {
		config.MatchWindowHours = 72
	}
	if config.DueSoonWindowHours <= 0 {
		config.DueSoonWindowHours = 168
	}
	if config.AutoMatchThreshold <= 0 || config.AutoMatchThreshold > 100 {
		log.Printf("level=warn component=config msg=\"auto-match threshold out of range; using default\" threshold=%d", config.AutoMatchThreshold)
		config.AutoMatchThreshold = 85
	}
	if config.AmbiguityGap < 0 {
		config.AmbiguityGap = 20
	}
	if config.WebhookRateLimitPerMinute < 0 {
		config.WebhookRateLimitPerMinute = 0
	}
	config.DefaultPhoneRegion = strings.ToUpper(strings.TrimSpace(config.DefaultPhoneRegion))
	if config.DefaultPhoneRegion == "" {
		config.DefaultPhoneRegion = "KE"
	}

	return
}

// AllowedIPs splits the comma-separated allow-list into trimmed entries.
func (c Config) AllowedIPs() []string {
	var ips []string
	for _, part := range strings.Split(c.MpesaAllowedIPs, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ips = append(ips, trimmed)
		}
	}
	return ips
}

// ReplayWindow returns the replay window as a duration.
func (c Config) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowMinutes) * time.Minute
}

// ProviderLocation returns the fixed-offset zone the rail stamps TransTime in.
func (c Config) ProviderLocation() *time.Location {
	return time.FixedZone("provider", c.ProviderUTCOffsetMinutes*60)
}
