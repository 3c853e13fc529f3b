package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Resolver     ResolverConfig
	Lifecycle    LifecycleConfig
	Square       SquareConfig
	Postmark     PostmarkConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CONTRATAPRO_APP_ENV" required:"true"`
	Port         string `envconfig:"CONTRATAPRO_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CONTRATAPRO_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CONTRATAPRO_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"CONTRATAPRO_DB_DSN"`

	LegacyHost     string `envconfig:"CONTRATAPRO_DB_HOST"`
	LegacyPort     int    `envconfig:"CONTRATAPRO_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CONTRATAPRO_DB_USER"`
	LegacyPassword string `envconfig:"CONTRATAPRO_DB_PASSWORD"`
	LegacyName     string `envconfig:"CONTRATAPRO_DB_NAME"`
	LegacySSLMode  string `envconfig:"CONTRATAPRO_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CONTRATAPRO_DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"CONTRATAPRO_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONTRATAPRO_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CONTRATAPRO_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CONTRATAPRO_REDIS_URL"`
	Address      string        `envconfig:"CONTRATAPRO_REDIS_ADDR"`
	Password     string        `envconfig:"CONTRATAPRO_REDIS_PASSWORD"`
	DB           int           `envconfig:"CONTRATAPRO_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CONTRATAPRO_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CONTRATAPRO_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CONTRATAPRO_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CONTRATAPRO_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CONTRATAPRO_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CONTRATAPRO_AUTO_MIGRATE" default:"false"`
}

// ResolverConfig drives the daily scheduled-mutation run.
type ResolverConfig struct {
	Timezone            string        `envconfig:"CONTRATAPRO_RESOLVER_TIMEZONE" default:"America/Sao_Paulo"`
	LeaseTTL            time.Duration `envconfig:"CONTRATAPRO_RESOLVER_LEASE_TTL" default:"2h"`
	Concurrency         int           `envconfig:"CONTRATAPRO_RESOLVER_CONCURRENCY" default:"4"`
	NotificationTimeout time.Duration `envconfig:"CONTRATAPRO_RESOLVER_NOTIFICATION_TIMEOUT" default:"10s"`
	ReminderLeadDays    int           `envconfig:"CONTRATAPRO_RESOLVER_REMINDER_LEAD_DAYS" default:"7"`
	TriggerToken        string        `envconfig:"CONTRATAPRO_RESOLVER_TRIGGER_TOKEN"`
}

// LifecycleConfig tunes synchronous lifecycle actions.
type LifecycleConfig struct {
	GatewayTimeout   time.Duration `envconfig:"CONTRATAPRO_LIFECYCLE_GATEWAY_TIMEOUT" default:"15s"`
	GraceDays        int           `envconfig:"CONTRATAPRO_LIFECYCLE_GRACE_DAYS" default:"7"`
	BillingCycleDays int           `envconfig:"CONTRATAPRO_LIFECYCLE_BILLING_CYCLE_DAYS" default:"30"`
	DefaultTrialDays int           `envconfig:"CONTRATAPRO_LIFECYCLE_DEFAULT_TRIAL_DAYS" default:"15"`
	EventDedupeTTL   time.Duration `envconfig:"CONTRATAPRO_LIFECYCLE_EVENT_DEDUPE_TTL" default:"720h"`
}

type SquareConfig struct {
	AccessToken     string            `envconfig:"CONTRATAPRO_SQUARE_ACCESS_TOKEN"`
	Env             string            `envconfig:"CONTRATAPRO_SQUARE_ENV" default:"sandbox"`
	LocationID      string            `envconfig:"CONTRATAPRO_SQUARE_LOCATION_ID"`
	PlanVariations  map[string]string `envconfig:"CONTRATAPRO_SQUARE_PLAN_VARIATIONS"`
	CheckoutBaseURL string            `envconfig:"CONTRATAPRO_SQUARE_CHECKOUT_BASE_URL"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

// Enabled reports whether enough settings exist to talk to Square.
func (s SquareConfig) Enabled() bool {
	return s.AccessToken != "" && s.LocationID != ""
}

type PostmarkConfig struct {
	ServerToken   string  `envconfig:"CONTRATAPRO_POSTMARK_SERVER_TOKEN"`
	AccountToken  string  `envconfig:"CONTRATAPRO_POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail   string  `envconfig:"CONTRATAPRO_POSTMARK_SENDER_EMAIL" default:"noreply@contratapro.com.br"`
	SupportEmail  string  `envconfig:"CONTRATAPRO_POSTMARK_SUPPORT_EMAIL" default:"suporte@contratapro.com.br"`
	RatePerSecond float64 `envconfig:"CONTRATAPRO_POSTMARK_RATE_PER_SECOND" default:"10"`
	Burst         int     `envconfig:"CONTRATAPRO_POSTMARK_BURST" default:"5"`
}

// Enabled reports whether real delivery is configured.
func (p PostmarkConfig) Enabled() bool {
	return p.ServerToken != "" && p.AccountToken != ""
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
