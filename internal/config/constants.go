package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Upstream call budgets. A call exceeding its budget is an upstream failure.
const (
	ChatTimeout       = 30 * time.Second
	ImageTimeout      = 90 * time.Second
	SpeechTimeout     = 30 * time.Second
	TranscribeTimeout = 30 * time.Second
	UploadTimeout     = 20 * time.Second
	ChannelTimeout    = 10 * time.Second
)

// Webhook processing
const (
	WebhookProcessTimeout = 3 * time.Minute
	WebhookDedupTTL       = 24 * time.Hour
	MaxWebhookBodyBytes   = 1 << 20
	MaxPaymentBodyBytes   = 64 << 10
)

// Scheduler
const (
	SchedulerTickInterval = time.Minute
	SchedulerRunLockTTL   = 48 * time.Hour
	SchedulerTaskTimeout  = 30 * time.Minute
)

// MaxPersonaGroupSize is bounded by the channel's five-messages-per-reply limit.
const MaxPersonaGroupSize = 5
