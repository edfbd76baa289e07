package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile     string `env:"LOG_FILE"`
	Environment string `env:"NODE_ENV" envDefault:"development"`

	LineChannelSecret      string `env:"LINE_CHANNEL_SECRET"`
	LineChannelAccessToken string `env:"LINE_CHANNEL_ACCESS_TOKEN"`
	LineAPIBaseURL         string `env:"LINE_API_BASE_URL" envDefault:"https://api.line.me"`
	LineDataAPIBaseURL     string `env:"LINE_DATA_API_BASE_URL" envDefault:"https://api-data.line.me"`

	WhitelistUserIDs []string `env:"WHITELIST_USER_IDS" envSeparator:","`
	DefaultFreeQuota int      `env:"DEFAULT_FREE_QUOTA" envDefault:"10"`
	DefaultPersona   string   `env:"DEFAULT_PERSONA" envDefault:"rina"`
	PlanTable        string   `env:"PLAN_TABLE" envDefault:"199:30,499:90,899:180"`
	Timezone         string   `env:"TIMEZONE" envDefault:"Asia/Taipei"`

	CostChat   int `env:"COST_CHAT" envDefault:"1"`
	CostImage  int `env:"COST_IMAGE" envDefault:"1"`
	CostSpeech int `env:"COST_SPEECH" envDefault:"1"`

	ChatProvider  string `env:"CHAT_PROVIDER" envDefault:"openai"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	ChatModel     string `env:"CHAT_MODEL" envDefault:"gpt-4o-mini"`
	TTSModel      string `env:"TTS_MODEL" envDefault:"tts-1"`
	TTSVoice      string `env:"TTS_VOICE" envDefault:"nova"`
	ASRModel      string `env:"ASR_MODEL" envDefault:"whisper-1"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`

	ReplicateAPIToken  string `env:"REPLICATE_API_TOKEN"`
	ReplicateBaseURL   string `env:"REPLICATE_BASE_URL" envDefault:"https://api.replicate.com/v1"`
	ImageModelVersion  string `env:"IMAGE_MODEL_VERSION"`
	R2Endpoint         string `env:"R2_ENDPOINT"`
	R2AccessKeyID      string `env:"R2_ACCESS_KEY_ID"`
	R2SecretAccessKey  string `env:"R2_SECRET_ACCESS_KEY"`
	R2Bucket           string `env:"R2_BUCKET"`
	R2PublicURL        string `env:"R2_PUBLIC_URL"`

	ECPayMerchantID  string `env:"ECPAY_MERCHANT_ID"`
	ECPayHashKey     string `env:"ECPAY_HASH_KEY"`
	ECPayHashIV      string `env:"ECPAY_HASH_IV"`
	ECPayCheckoutURL string `env:"ECPAY_CHECKOUT_URL" envDefault:"https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5"`
	PublicBaseURL    string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	AdminUsername     string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	UserRateLimit         int     `env:"USER_RATE_LIMIT" envDefault:"20"`
	UserRateWindowSeconds int     `env:"USER_RATE_WINDOW_SECONDS" envDefault:"60"`
	RandomGreetingWindow  string  `env:"RANDOM_GREETING_WINDOW" envDefault:"14:00-18:00"`
	BroadcastRatePerSec   float64 `env:"BROADCAST_RATE_PER_SECOND" envDefault:"20"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) UserRateWindow() time.Duration {
	return time.Duration(c.UserRateWindowSeconds) * time.Second
}

// Location resolves the timezone that defines "today" for expiry checks and schedules.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Plans parses PLAN_TABLE ("amount:days,amount:days") into an amount -> days map.
func (c *Config) Plans() (map[int]int, error) {
	return ParsePlanTable(c.PlanTable)
}

func ParsePlanTable(raw string) (map[int]int, error) {
	plans := make(map[int]int)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		amountStr, daysStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("plan entry %q: expected amount:days", entry)
		}
		amount, err := strconv.Atoi(strings.TrimSpace(amountStr))
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("plan entry %q: invalid amount", entry)
		}
		days, err := strconv.Atoi(strings.TrimSpace(daysStr))
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("plan entry %q: invalid days", entry)
		}
		if _, dup := plans[amount]; dup {
			return nil, fmt.Errorf("plan entry %q: duplicate amount", entry)
		}
		plans[amount] = days
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("PLAN_TABLE defines no plans")
	}
	return plans, nil
}

// TimeWindow is a same-day [Start, End) range in minutes after midnight.
type TimeWindow struct {
	Start int
	End   int
}

func (c *Config) GreetingWindow() (TimeWindow, error) {
	return ParseTimeWindow(c.RandomGreetingWindow)
}

func ParseTimeWindow(raw string) (TimeWindow, error) {
	startStr, endStr, ok := strings.Cut(raw, "-")
	if !ok {
		return TimeWindow{}, fmt.Errorf("time window %q: expected HH:MM-HH:MM", raw)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return TimeWindow{}, err
	}
	end, err := parseClock(endStr)
	if err != nil {
		return TimeWindow{}, err
	}
	if end <= start {
		return TimeWindow{}, fmt.Errorf("time window %q: end must be after start", raw)
	}
	return TimeWindow{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminPasswordHash != "" {
		if !strings.HasPrefix(c.AdminPasswordHash, "$2a$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2b$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2y$") {
			return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <password>)")
		}
	}

	if c.DefaultFreeQuota < 0 {
		return fmt.Errorf("DEFAULT_FREE_QUOTA must not be negative")
	}
	if c.CostChat < 1 || c.CostImage < 1 || c.CostSpeech < 1 {
		return fmt.Errorf("action costs must be at least 1")
	}
	if _, err := c.Plans(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.GreetingWindow(); err != nil {
		return err
	}
	switch c.ChatProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("CHAT_PROVIDER must be openai or gemini, got %q", c.ChatProvider)
	}

	if isProduction {
		if err := validateSecret("LINE_CHANNEL_SECRET", c.LineChannelSecret); err != nil {
			return err
		}
		if c.LineChannelAccessToken == "" {
			return fmt.Errorf("LINE_CHANNEL_ACCESS_TOKEN is required in production")
		}
		if c.ECPayHashKey == "" || c.ECPayHashIV == "" {
			log.Warn().Msg("ECPAY_HASH_KEY/ECPAY_HASH_IV empty in production: payment notifications will be rejected")
		}
		if c.AdminPasswordHash == "" {
			log.Warn().Msg("ADMIN_PASSWORD_HASH is empty in production: admin API disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

// PlanAmounts returns the configured plan amounts in ascending order.
func PlanAmounts(plans map[int]int) []int {
	amounts := make([]int, 0, len(plans))
	for amount := range plans {
		amounts = append(amounts, amount)
	}
	sort.Ints(amounts)
	return amounts
}

func validateSecret(name, value string) error {
	if len(value) < 16 {
		return fmt.Errorf("%s must be at least 16 characters in production", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
