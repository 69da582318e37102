package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Notifier backends.
const (
	NotifierExpo = "expo"
	NotifierAMQP = "amqp"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL      string
	DBMaxConns       int
	DBSlowQueryLogMs int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TrackTTL      time.Duration

	Notifier         string
	ExpoPushURL      string
	ExpoAccessToken  string
	AMQPURL          string
	AMQPExchange     string
	SlackWebhookURL  string
	DispatchWorkers  int
	RecipientTimeout time.Duration
	DispatchCeiling  time.Duration

	MaxRadiusKm         float64
	FallbackEnabled     bool
	FallbackLimit       int
	NearbyFallbackLimit int
	NotifyOnEscort      bool

	EscortRetention time.Duration
	PurgeSchedule   string
	PurgeTimeout    time.Duration

	RateLimit float64
	RateBurst int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = gateway handles auth)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL/PostGIS connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "max pooled database connections (0 = pgx default)")
	fs.IntVar(&c.DBSlowQueryLogMs, "db-slow-query-ms", 250, "log queries slower than this many milliseconds (0 = log every query at debug)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the geo index and live tracks (empty = in-process)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.DurationVar(&c.TrackTTL, "track-ttl", 6*time.Hour, "expiry of a live escort track without updates")

	fs.StringVar(&c.Notifier, "notifier", NotifierExpo, "responder notification backend (expo|amqp)")
	fs.StringVar(&c.ExpoPushURL, "expo-push-url", "https://exp.host/--/api/v2/push/send", "Expo push send endpoint")
	fs.StringVar(&c.ExpoAccessToken, "expo-access-token", "", "Expo access token (optional)")
	fs.StringVar(&c.AMQPURL, "amqp-url", "", "RabbitMQ URL for the amqp notifier")
	fs.StringVar(&c.AMQPExchange, "amqp-exchange", "safeguard.alerts", "exchange alerts are published to")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for undelivered alert escalations")
	fs.IntVar(&c.DispatchWorkers, "dispatch-workers", 8, "concurrent deliveries per alert (1..256)")
	fs.DurationVar(&c.RecipientTimeout, "recipient-timeout", 5*time.Second, "per-recipient delivery timeout")
	fs.DurationVar(&c.DispatchCeiling, "dispatch-ceiling", 30*time.Second, "overall delivery budget per alert")

	fs.Float64Var(&c.MaxRadiusKm, "max-radius-km", 50, "upper bound for responder search radius")
	fs.BoolVar(&c.FallbackEnabled, "match-fallback", true, "alert recently active responders when nobody is in range")
	fs.IntVar(&c.FallbackLimit, "match-fallback-limit", 10, "responders alerted by the fallback")
	fs.IntVar(&c.NearbyFallbackLimit, "nearby-fallback-limit", 50, "incidents listed to a responder without a position")
	fs.BoolVar(&c.NotifyOnEscort, "notify-on-escort", true, "alert nearby responders when an escort starts")

	fs.DurationVar(&c.EscortRetention, "escort-retention", 24*time.Hour, "how long an ended escort keeps its trail")
	fs.StringVar(&c.PurgeSchedule, "purge-schedule", "@every 5m", "cron schedule for the retention purge")
	fs.DurationVar(&c.PurgeTimeout, "purge-timeout", time.Minute, "time budget for one retention purge")

	fs.Float64Var(&c.RateLimit, "rate-limit", 5, "per-actor requests per second (0 = unlimited)")
	fs.IntVar(&c.RateBurst, "rate-burst", 20, "per-actor request burst")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}
	if c.DBSlowQueryLogMs < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryLogMs))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}
	if c.TrackTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid TRACK_TTL %s (must be > 0)", c.TrackTTL))
	}

	switch c.Notifier {
	case NotifierExpo:
		if c.ExpoPushURL == "" {
			errs = append(errs, errors.New("EXPO_PUSH_URL is required for the expo notifier"))
		}
	case NotifierAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("AMQP_URL is required for the amqp notifier"))
		}
		if c.AMQPExchange == "" {
			errs = append(errs, errors.New("AMQP_EXCHANGE is required for the amqp notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid NOTIFIER %q (must be expo or amqp)", c.Notifier))
	}

	if c.DispatchWorkers <= 0 || c.DispatchWorkers > 256 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_WORKERS %d (must be 1..256)", c.DispatchWorkers))
	}
	if c.RecipientTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid RECIPIENT_TIMEOUT %s (must be > 0)", c.RecipientTimeout))
	}
	if c.DispatchCeiling < c.RecipientTimeout {
		errs = append(errs, fmt.Errorf("DISPATCH_CEILING %s must be at least RECIPIENT_TIMEOUT %s", c.DispatchCeiling, c.RecipientTimeout))
	}
	// shutdown reserves a full dispatch ceiling for in-flight alerts
	if time.Duration(c.ShutdownBudgetSeconds)*time.Second <= c.DispatchCeiling {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DISPATCH_CEILING %s", c.ShutdownBudgetSeconds, c.DispatchCeiling))
	}

	if !(c.MaxRadiusKm > 0 && c.MaxRadiusKm <= 500) {
		errs = append(errs, fmt.Errorf("invalid MAX_RADIUS_KM %v (must be in (0, 500])", c.MaxRadiusKm))
	}
	if c.FallbackEnabled && c.FallbackLimit <= 0 {
		errs = append(errs, fmt.Errorf("invalid MATCH_FALLBACK_LIMIT %d (must be > 0 when fallback is enabled)", c.FallbackLimit))
	}
	if c.NearbyFallbackLimit <= 0 {
		errs = append(errs, fmt.Errorf("invalid NEARBY_FALLBACK_LIMIT %d (must be > 0)", c.NearbyFallbackLimit))
	}

	if c.EscortRetention <= 0 {
		errs = append(errs, fmt.Errorf("invalid ESCORT_RETENTION %s (must be > 0)", c.EscortRetention))
	}
	if _, err := cron.ParseStandard(c.PurgeSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid PURGE_SCHEDULE %q: %w", c.PurgeSchedule, err))
	}
	if c.PurgeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid PURGE_TIMEOUT %s (must be > 0)", c.PurgeTimeout))
	}

	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT %v (must be >= 0)", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_BURST %d (must be > 0 when rate limiting)", c.RateBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MatchFallbackLimit is the fallback size handed to the matcher. Zero
// disables the fallback.
func (c *Config) MatchFallbackLimit() int {
	if !c.FallbackEnabled {
		return 0
	}
	return c.FallbackLimit
}

// SlowQueryThreshold returns DBSlowQueryLogMs as a duration.
func (c *Config) SlowQueryThreshold() time.Duration {
	return time.Duration(c.DBSlowQueryLogMs) * time.Millisecond
}
