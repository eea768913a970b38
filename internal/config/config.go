package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

type DB struct {
	Driver     string // postgres | sqlite
	User       string
	Pass       string
	Host       string
	Port       string
	Name       string
	SQLitePath string
}

type NSQ struct {
	NsqdTCPAddr  string // e.g. nsqd:4150; empty disables publishing
	NsqdHTTPAddr string // stats endpoint polled by event-monitor
	Channel      string // consumer channel of event-monitor
	DLQTopic     string // dead letters for EXHAUSTED deliveries
	SLATopic     string // SLA alerts
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Scheduler struct {
	TickInterval time.Duration
	BatchSize    int
	Workers      int
	StuckTimeout time.Duration // IN_FLIGHT longer than this is reclaimed
	Owner        string        // recorded as claimed_by
}

type Backoff struct {
	Base          time.Duration
	Cap           time.Duration
	JitterPercent float64 // 0.0-1.0
}

type SLA struct {
	CheckInterval time.Duration
	AlertLedger   string // store | redis
	AlertTTL      time.Duration
}

type Webhook struct {
	SignatureHeader string
	TimestampHeader string
	Leeway          time.Duration
}

type Auth struct {
	Disabled         bool
	TrustProxyHeader bool // accept x-operator-id from an authenticating proxy
	PublicKeyPEM     string
	JWKSURL      string
	Issuer       string
	Audience     string
}

// Platform holds the per-partner settings.
type Platform struct {
	Name        delivery.Platform
	Endpoint    string
	Secret      string
	MaxAttempts int
	Concurrency int
	Timeout     time.Duration
	SLAWarn     time.Duration
	SLABreach   time.Duration
}

type FakePartner struct {
	FailFirstN      int    // Number of requests to fail initially
	FailStatus      int    // Status returned while failing
	Secret          string // Secret for signature verification and callbacks
	LeewaySeconds   int    // Allowed timestamp skew in seconds
	ResponseDelayMS int    // Simulated response delay in milliseconds
	Port            string
	CallbackURL     string // base URL of the relay API for confirmations
	Platform        string
}

type Config struct {
	AppName        string
	HTTPPort       string // :8080
	GRPCPort       string // :50051
	MetricsPort    string // worker metrics listener
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	MetricsAPIURL  string
	ReplayMaxBatch int
	DB             DB
	NSQ            NSQ
	Redis          Redis
	Scheduler      Scheduler
	Backoff        Backoff
	SLA            SLA
	Webhook        Webhook
	Auth           Auth
	Platforms      map[delivery.Platform]Platform
	FakePartner    FakePartner
}

// EnvFileVar names the .env file to load when no path is given.
const EnvFileVar = "CONFIG_ENV_FILE"

// LoadEnvFile loads KEY=VALUE pairs from path, or from $CONFIG_ENV_FILE when
// path is empty, into the process environment without overriding variables
// that are already set.
func LoadEnvFile(path string) error {
	if path == "" {
		path = os.Getenv(EnvFileVar)
	}
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_name", "impactrelay")
	v.SetDefault("http_port", ":8080")
	v.SetDefault("grpc_port", ":50051")
	v.SetDefault("metrics_port", ":8083")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("otel_exporter_otlp_endpoint", "")
	v.SetDefault("metrics_api_url", "")
	v.SetDefault("replay_max_batch", 5000)

	v.SetDefault("store_driver", "postgres")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.pass", "postgres")
	v.SetDefault("db.host", "postgres")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "impactrelay")
	v.SetDefault("sqlite_path", "impactrelay.db")

	v.SetDefault("nsqd_tcp_addr", "")
	v.SetDefault("nsqd_http_addr", "")
	v.SetDefault("nsq.channel", "event-monitor")
	v.SetDefault("nsq.dlq_topic", "deliveries_exhausted")
	v.SetDefault("nsq.sla_topic", "sla_alerts")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.workers", 16)
	v.SetDefault("stuck_attempt_timeout", 10*time.Minute)
	v.SetDefault("scheduler.owner", "")

	v.SetDefault("backoff.base", 30*time.Second)
	v.SetDefault("backoff.cap", 30*time.Minute)
	v.SetDefault("backoff.jitter_pct", 0.2)

	v.SetDefault("sla.check_interval", time.Minute)
	v.SetDefault("sla.alert_ledger", "store")
	v.SetDefault("sla.alert_ttl", 30*24*time.Hour)

	v.SetDefault("webhook.signature_header", "X-Impact-Signature")
	v.SetDefault("webhook.timestamp_header", "X-Impact-Timestamp")
	v.SetDefault("webhook.signature_leeway", 5*time.Minute)

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.trust_proxy_header", false)
	v.SetDefault("jwt.public_key", "")
	v.SetDefault("jwt.jwks_url", "")
	v.SetDefault("jwt.issuer", "impactrelay-token-issuer")
	v.SetDefault("jwt.audience", "impactrelay-api")

	for _, p := range delivery.AllPlatforms {
		key := "platforms." + string(p)
		v.SetDefault(key+".endpoint", "")
		v.SetDefault(key+".secret", "")
		v.SetDefault(key+".max_attempts", 5)
		v.SetDefault(key+".concurrency", 4)
		v.SetDefault(key+".timeout", 30*time.Second)
		v.SetDefault(key+".sla_warn", 4*time.Hour)
		v.SetDefault(key+".sla_breach", 24*time.Hour)
	}

	v.SetDefault("fail_first_n", 0)
	v.SetDefault("fail_status", 503)
	v.SetDefault("partner_secret", "")
	v.SetDefault("signing_leeway_seconds", 300)
	v.SetDefault("response_delay_ms", 0)
	v.SetDefault("fake_partner_port", ":8081")
	v.SetDefault("callback_url", "")
	v.SetDefault("fake_partner_platform", string(delivery.PlatformBenevity))
	return v
}

// FromEnv reads the configuration from the environment. Nested keys map to
// upper-case variables with "_" separators, e.g. platforms.benevity.max_attempts
// is PLATFORMS_BENEVITY_MAX_ATTEMPTS.
func FromEnv() Config {
	v := newViper()

	platforms := make(map[delivery.Platform]Platform, len(delivery.AllPlatforms))
	for _, p := range delivery.AllPlatforms {
		key := "platforms." + string(p)
		platforms[p] = Platform{
			Name:        p,
			Endpoint:    v.GetString(key + ".endpoint"),
			Secret:      v.GetString(key + ".secret"),
			MaxAttempts: v.GetInt(key + ".max_attempts"),
			Concurrency: v.GetInt(key + ".concurrency"),
			Timeout:     v.GetDuration(key + ".timeout"),
			SLAWarn:     v.GetDuration(key + ".sla_warn"),
			SLABreach:   v.GetDuration(key + ".sla_breach"),
		}
	}

	owner := v.GetString("scheduler.owner")
	if owner == "" {
		owner, _ = os.Hostname()
	}

	return Config{
		AppName:        v.GetString("app_name"),
		HTTPPort:       v.GetString("http_port"),
		GRPCPort:       v.GetString("grpc_port"),
		MetricsPort:    v.GetString("metrics_port"),
		LogLevel:       v.GetString("log_level"),
		LogFormat:      v.GetString("log_format"),
		OTLPEndpoint:   v.GetString("otel_exporter_otlp_endpoint"),
		MetricsAPIURL:  v.GetString("metrics_api_url"),
		ReplayMaxBatch: v.GetInt("replay_max_batch"),
		DB: DB{
			Driver:     v.GetString("store_driver"),
			User:       v.GetString("db.user"),
			Pass:       v.GetString("db.pass"),
			Host:       v.GetString("db.host"),
			Port:       v.GetString("db.port"),
			Name:       v.GetString("db.name"),
			SQLitePath: v.GetString("sqlite_path"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:  v.GetString("nsqd_tcp_addr"),
			NsqdHTTPAddr: v.GetString("nsqd_http_addr"),
			Channel:      v.GetString("nsq.channel"),
			DLQTopic:     v.GetString("nsq.dlq_topic"),
			SLATopic:     v.GetString("nsq.sla_topic"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Scheduler: Scheduler{
			TickInterval: v.GetDuration("scheduler.tick_interval"),
			BatchSize:    v.GetInt("scheduler.batch_size"),
			Workers:      v.GetInt("scheduler.workers"),
			StuckTimeout: v.GetDuration("stuck_attempt_timeout"),
			Owner:        owner,
		},
		Backoff: Backoff{
			Base:          v.GetDuration("backoff.base"),
			Cap:           v.GetDuration("backoff.cap"),
			JitterPercent: v.GetFloat64("backoff.jitter_pct"),
		},
		SLA: SLA{
			CheckInterval: v.GetDuration("sla.check_interval"),
			AlertLedger:   v.GetString("sla.alert_ledger"),
			AlertTTL:      v.GetDuration("sla.alert_ttl"),
		},
		Webhook: Webhook{
			SignatureHeader: v.GetString("webhook.signature_header"),
			TimestampHeader: v.GetString("webhook.timestamp_header"),
			Leeway:          v.GetDuration("webhook.signature_leeway"),
		},
		Auth: Auth{
			Disabled:         v.GetBool("auth.disabled"),
			TrustProxyHeader: v.GetBool("auth.trust_proxy_header"),
			PublicKeyPEM:     v.GetString("jwt.public_key"),
			JWKSURL:          v.GetString("jwt.jwks_url"),
			Issuer:           v.GetString("jwt.issuer"),
			Audience:         v.GetString("jwt.audience"),
		},
		Platforms: platforms,
		FakePartner: FakePartner{
			FailFirstN:      v.GetInt("fail_first_n"),
			FailStatus:      v.GetInt("fail_status"),
			Secret:          v.GetString("partner_secret"),
			LeewaySeconds:   v.GetInt("signing_leeway_seconds"),
			ResponseDelayMS: v.GetInt("response_delay_ms"),
			Port:            v.GetString("fake_partner_port"),
			CallbackURL:     v.GetString("callback_url"),
			Platform:        v.GetString("fake_partner_platform"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// BackoffPolicy returns the retry policy.
func (c Config) BackoffPolicy() delivery.Backoff {
	return delivery.Backoff{Base: c.Backoff.Base, Cap: c.Backoff.Cap, JitterPct: c.Backoff.JitterPercent}
}

// Platform returns the settings for p; unknown platforms get zero values.
func (c Config) Platform(p delivery.Platform) Platform {
	return c.Platforms[p]
}

// Validate reports settings that would make the engine misbehave.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", c.DB.Driver)
	}
	if c.Scheduler.BatchSize < 1 || c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler batch size and workers must be positive")
	}
	if c.Backoff.JitterPercent < 0 || c.Backoff.JitterPercent > 1 {
		return fmt.Errorf("BACKOFF_JITTER_PCT must be within 0..1, got %v", c.Backoff.JitterPercent)
	}
	switch c.SLA.AlertLedger {
	case "store", "redis":
	default:
		return fmt.Errorf("SLA_ALERT_LEDGER must be store or redis, got %q", c.SLA.AlertLedger)
	}
	for _, p := range c.Platforms {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("platform %s: max attempts must be at least 1", p.Name)
		}
		if p.Concurrency < 1 {
			return fmt.Errorf("platform %s: concurrency must be at least 1", p.Name)
		}
		if p.SLAWarn > p.SLABreach {
			return fmt.Errorf("platform %s: SLA warn %s exceeds breach %s", p.Name, p.SLAWarn, p.SLABreach)
		}
	}
	return nil
}
