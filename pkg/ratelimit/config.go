package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Well-known endpoint classes. The policy table is an open mapping, so any
// other class name may be registered alongside these.
const (
	ClassGeneral = "general"
	ClassAuth    = "auth"
	ClassUpload  = "upload"
	ClassSearch  = "search"
)

// DefaultPolicies returns the built-in policy table. The auth class counts
// every attempt, success or failure, and carries a 15 minute penalty window
// to blunt credential brute force.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassGeneral: {
			Window:  time.Minute,
			Max:     100,
			Message: "Too many requests, please try again later.",
		},
		ClassAuth: {
			Window:        time.Minute,
			Max:           10,
			Message:       "Too many authentication attempts, please try again later.",
			BlockDuration: 15 * time.Minute,
		},
		ClassUpload: {
			Window:  time.Minute,
			Max:     20,
			Message: "Too many upload requests, please try again later.",
		},
		ClassSearch: {
			Window:  time.Minute,
			Max:     60,
			Message: "Too many search requests, please try again later.",
		},
	}
}

// PolicyOverride replaces only the fields that are set; nil fields keep the
// value from the base policy.
type PolicyOverride struct {
	Window         *time.Duration
	Max            *int
	Message        *string
	SkipSuccessful *bool
	SkipFailed     *bool
	BlockDuration  *time.Duration
}

func (o PolicyOverride) apply(p Policy) Policy {
	if o.Window != nil {
		p.Window = *o.Window
	}
	if o.Max != nil {
		p.Max = *o.Max
	}
	if o.Message != nil {
		p.Message = *o.Message
	}
	if o.SkipSuccessful != nil {
		p.SkipSuccessful = *o.SkipSuccessful
	}
	if o.SkipFailed != nil {
		p.SkipFailed = *o.SkipFailed
	}
	if o.BlockDuration != nil {
		p.BlockDuration = *o.BlockDuration
	}
	return p
}

func validatePolicy(class string, p Policy) error {
	if p.Max <= 0 {
		return fmt.Errorf("%w: class %q has max %d", ErrInvalidPolicy, class, p.Max)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: class %q has window %s", ErrInvalidPolicy, class, p.Window)
	}
	return nil
}

// Config carries environment-derived settings for a Limiter.
type Config struct {
	// RedisEnabled selects the shared store. Defaults to true when
	// APP_ENV/GO_ENV is "production", false otherwise.
	RedisEnabled bool
	// Redis holds the connection options used when RedisEnabled is true.
	Redis *redis.Options
	// Overrides are field-level policy adjustments keyed by class.
	Overrides map[string]PolicyOverride
}

// Options expands the config into constructor options.
func (c Config) Options() []Option {
	opts := []Option{WithOverrides(c.Overrides)}
	if c.RedisEnabled && c.Redis != nil {
		opts = append(opts, WithRedisOptions(c.Redis))
	}
	return opts
}

// FromEnv loads limiter configuration from environment variables:
//
//	RATE_LIMIT_REDIS_ENABLED  REDIS_URL  REDIS_HOST  REDIS_PORT  REDIS_PASSWORD
//	RATE_LIMIT_<CLASS>_MAX and RATE_LIMIT_<CLASS>_WINDOW_MS for the four
//	well-known classes.
//
// Unset variables keep the built-in defaults; a set variable overrides only
// its own field.
func FromEnv() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("RATE_LIMIT_GENERAL_MAX", 100)
	v.SetDefault("RATE_LIMIT_GENERAL_WINDOW_MS", 60000)
	v.SetDefault("RATE_LIMIT_AUTH_MAX", 10)
	v.SetDefault("RATE_LIMIT_AUTH_WINDOW_MS", 60000)
	v.SetDefault("RATE_LIMIT_UPLOAD_MAX", 20)
	v.SetDefault("RATE_LIMIT_UPLOAD_WINDOW_MS", 60000)
	v.SetDefault("RATE_LIMIT_SEARCH_MAX", 60)
	v.SetDefault("RATE_LIMIT_SEARCH_WINDOW_MS", 60000)

	env := v.GetString("APP_ENV")
	if env == "" {
		env = v.GetString("GO_ENV")
	}
	v.SetDefault("RATE_LIMIT_REDIS_ENABLED", strings.EqualFold(env, "production"))

	cfg := Config{
		RedisEnabled: v.GetBool("RATE_LIMIT_REDIS_ENABLED"),
		Overrides:    make(map[string]PolicyOverride),
	}

	for _, class := range []string{ClassGeneral, ClassAuth, ClassUpload, ClassSearch} {
		prefix := "RATE_LIMIT_" + strings.ToUpper(class)
		max := v.GetInt(prefix + "_MAX")
		window := time.Duration(v.GetInt64(prefix+"_WINDOW_MS")) * time.Millisecond
		cfg.Overrides[class] = PolicyOverride{Max: &max, Window: &window}
	}

	if cfg.RedisEnabled {
		if url := v.GetString("REDIS_URL"); url != "" {
			opts, err := redis.ParseURL(url)
			if err != nil {
				return Config{}, fmt.Errorf("parse REDIS_URL: %w", err)
			}
			cfg.Redis = opts
		} else {
			cfg.Redis = &redis.Options{
				Addr:     fmt.Sprintf("%s:%d", v.GetString("REDIS_HOST"), v.GetInt("REDIS_PORT")),
				Password: v.GetString("REDIS_PASSWORD"),
			}
		}
		// Bounded retries: fail fast so the limiter can fall back to its
		// local store instead of hanging the request path.
		cfg.Redis.DialTimeout = 5 * time.Second
		cfg.Redis.MaxRetries = 3
		cfg.Redis.MinRetryBackoff = 100 * time.Millisecond
		cfg.Redis.MaxRetryBackoff = 2 * time.Second
	}

	return cfg, nil
}
