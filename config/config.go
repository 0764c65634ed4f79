package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. THREATWATCH_API_PORT
const EnvPrefix = "THREATWATCH"

// Notification destinations understood by the router
const (
	DestinationSlack = "slack"
	DestinationEmail = "email"
	DestinationSMS   = "sms"
	DestinationLog   = "log"
	// DestinationStream fans alerts out to websocket subscribers of the API
	DestinationStream = "stream"
)

// Batch payload encodings accepted on the NATS subject
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

var knownDestinations = map[string]bool{
	DestinationSlack:  true,
	DestinationEmail:  true,
	DestinationSMS:    true,
	DestinationLog:    true,
	DestinationStream: true,
}

var severityNames = []string{"low", "medium", "high", "critical"}

// GeoLocation maps a network to a point on the globe for impossible-travel checks
type GeoLocation struct {
	CIDR      string  `mapstructure:"cidr" yaml:"cidr"`
	Name      string  `mapstructure:"name" yaml:"name"`
	Latitude  float64 `mapstructure:"latitude" yaml:"latitude"`
	Longitude float64 `mapstructure:"longitude" yaml:"longitude"`
}

// Detection holds every rule threshold and list. Values here are the single
// source of truth for the evaluators; nothing is hardcoded in rule logic.
type Detection struct {
	BruteForce struct {
		Threshold int           `mapstructure:"threshold"`
		Window    time.Duration `mapstructure:"window"`
	} `mapstructure:"brute_force"`

	SuspiciousIP struct {
		// Denylist entries may be exact IPs, CIDRs, or dotted prefixes like "185.220."
		Denylist []string `mapstructure:"denylist"`
		// File is an optional YAML file with a top-level "denylist" list merged at load time
		File string `mapstructure:"file"`
	} `mapstructure:"suspicious_ip"`

	PrivilegeEscalation struct {
		AdminUsers []string `mapstructure:"admin_users"`
	} `mapstructure:"privilege_escalation"`

	DataExfiltration struct {
		ByteThreshold int64 `mapstructure:"byte_threshold"`
	} `mapstructure:"data_exfiltration"`

	NetworkScanning struct {
		ProbePaths        []string      `mapstructure:"probe_paths"`
		NotFoundThreshold int           `mapstructure:"not_found_threshold"`
		Window            time.Duration `mapstructure:"window"`
	} `mapstructure:"network_scanning"`

	AnomalousTime struct {
		StartHour          int      `mapstructure:"start_hour"`
		EndHour            int      `mapstructure:"end_hour"`
		SensitiveResources []string `mapstructure:"sensitive_resources"`
	} `mapstructure:"anomalous_time"`

	PrivilegedAuth struct {
		Accounts []string `mapstructure:"accounts"`
	} `mapstructure:"privileged_auth"`

	SQLInjection struct {
		// Signatures are case-insensitive substrings; a "re:" prefix marks a regular expression
		Signatures []string `mapstructure:"signatures"`
		// File is an optional YAML file with a top-level "signatures" list merged at load time
		File string `mapstructure:"file"`
	} `mapstructure:"sql_injection"`

	APIRateLimit struct {
		Threshold int           `mapstructure:"threshold"`
		Window    time.Duration `mapstructure:"window"`
	} `mapstructure:"api_rate_limit"`

	CredentialStuffing struct {
		UniqueUsers int           `mapstructure:"unique_users"`
		Window      time.Duration `mapstructure:"window"`
	} `mapstructure:"credential_stuffing"`

	GeoAnomaly struct {
		MaxSpeedKmh float64       `mapstructure:"max_speed_kmh"`
		Window      time.Duration `mapstructure:"window"`
		Locations   []GeoLocation `mapstructure:"locations"`
	} `mapstructure:"geo_anomaly"`
}

// Config holds all configuration for the threatwatch service
type Config struct {
	Detection Detection `mapstructure:"detection"`

	Engine struct {
		BatchSize      int           `mapstructure:"batch_size"`
		FlushInterval  time.Duration `mapstructure:"flush_interval"`
		MaxConcurrency int           `mapstructure:"max_concurrency"`
		RegexTimeout   time.Duration `mapstructure:"regex_timeout"`
	} `mapstructure:"engine"`

	Storage struct {
		// AlertBackend is "sqlite" or "redis"; events always live in SQLite
		AlertBackend   string        `mapstructure:"alert_backend"`
		SQLitePath     string        `mapstructure:"sqlite_path"`
		QueryTimeout   time.Duration `mapstructure:"query_timeout"`
		MaxWindowRows  int           `mapstructure:"max_window_rows"`
		EventRetention time.Duration `mapstructure:"event_retention"`
		RetentionSweep time.Duration `mapstructure:"retention_sweep_interval"`
		DedupCacheSize int           `mapstructure:"dedup_cache_size"`
		Redis          struct {
			Addr      string `mapstructure:"addr"`
			Password  string `mapstructure:"password"`
			DB        int    `mapstructure:"db"`
			PoolSize  int    `mapstructure:"pool_size"`
			KeyPrefix string `mapstructure:"key_prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"storage"`

	NATS struct {
		Enabled    bool          `mapstructure:"enabled"`
		URL        string        `mapstructure:"url"`
		Stream     string        `mapstructure:"stream"`
		Subject    string        `mapstructure:"subject"`
		Durable    string        `mapstructure:"durable"`
		AckWait    time.Duration `mapstructure:"ack_wait"`
		MaxDeliver int           `mapstructure:"max_deliver"`
		NakDelay   time.Duration `mapstructure:"nak_delay"`
		// Encoding is the payload format the publisher writes, json or msgpack
		Encoding string `mapstructure:"encoding"`
	} `mapstructure:"nats"`

	API struct {
		Enabled      bool   `mapstructure:"enabled"`
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
		// TokenHash is a bcrypt hash of the bearer token; empty disables auth
		TokenHash string `mapstructure:"token_hash"`
		// JWT accepts HS256 bearer tokens signed with Secret alongside the static token
		JWT struct {
			Secret string        `mapstructure:"secret"`
			Issuer string        `mapstructure:"issuer"`
			TTL    time.Duration `mapstructure:"ttl"`
		} `mapstructure:"jwt"`
		RateLimit struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second"`
			Burst             int     `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Notifications struct {
		// Routing maps a severity name to the destinations that receive it
		Routing     map[string][]string `mapstructure:"routing"`
		Workers     int                 `mapstructure:"workers"`
		QueueSize   int                 `mapstructure:"queue_size"`
		SendTimeout time.Duration       `mapstructure:"send_timeout"`
		// Retries is the number of extra attempts after a failed send
		Retries      int           `mapstructure:"retries"`
		RetryBackoff time.Duration `mapstructure:"retry_backoff"`

		CircuitBreaker struct {
			MaxFailures uint32        `mapstructure:"max_failures"`
			Cooldown    time.Duration `mapstructure:"cooldown"`
		} `mapstructure:"circuit_breaker"`

		Slack struct {
			Enabled    bool    `mapstructure:"enabled"`
			WebhookURL string  `mapstructure:"webhook_url"`
			Channel    string  `mapstructure:"channel"`
			Username   string  `mapstructure:"username"`
			IconEmoji  string  `mapstructure:"icon_emoji"`
			RateLimit  float64 `mapstructure:"rate_limit"`
			Burst      int     `mapstructure:"burst"`
		} `mapstructure:"slack"`

		Email struct {
			Enabled  bool   `mapstructure:"enabled"`
			TopicARN string `mapstructure:"topic_arn"`
			Region   string `mapstructure:"region"`
		} `mapstructure:"email"`

		SMS struct {
			Enabled      bool     `mapstructure:"enabled"`
			PhoneNumbers []string `mapstructure:"phone_numbers"`
			Region       string   `mapstructure:"region"`
		} `mapstructure:"sms"`

		Stream struct {
			Enabled bool `mapstructure:"enabled"`
			// ClientBuffer is the per-subscriber backlog before a slow client is dropped
			ClientBuffer int `mapstructure:"client_buffer"`
		} `mapstructure:"stream"`
	} `mapstructure:"notifications"`

	Secrets struct {
		Provider string `mapstructure:"provider"`
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			SecretID  string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`

	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("detection.brute_force.threshold", 5)
	v.SetDefault("detection.brute_force.window", 5*time.Minute)
	v.SetDefault("detection.suspicious_ip.denylist", []string{"185.220.", "45.142.", "123.45."})
	v.SetDefault("detection.suspicious_ip.file", "")
	v.SetDefault("detection.privilege_escalation.admin_users", []string{"admin", "root", "administrator", "superuser", "sysadmin"})
	v.SetDefault("detection.data_exfiltration.byte_threshold", int64(10*1024*1024)) // 10 MiB
	v.SetDefault("detection.network_scanning.probe_paths", []string{
		"/.env", "/wp-admin", "/admin", "/config.php", "/.git", "/phpmyadmin",
		"/backup.sql", "/.aws", "/etc/passwd", "../", "..\\", "/wp-config.php",
	})
	v.SetDefault("detection.network_scanning.not_found_threshold", 20)
	v.SetDefault("detection.network_scanning.window", 5*time.Minute)
	v.SetDefault("detection.anomalous_time.start_hour", 2)
	v.SetDefault("detection.anomalous_time.end_hour", 5)
	v.SetDefault("detection.anomalous_time.sensitive_resources", []string{"/admin", "/database", "/config", "/system", "/api/admin"})
	v.SetDefault("detection.privileged_auth.accounts", []string{"admin", "root", "administrator", "superuser", "sysadmin"})
	v.SetDefault("detection.sql_injection.signatures", []string{
		"' or '1'='1", "' or 1=1", "union select", "drop table", "insert into",
		"delete from", "exec(", "execute(", "'; --", "' --", "/*", "*/",
		"xp_cmdshell", "0x", "char(", "concat(", "@@version", "information_schema",
	})
	v.SetDefault("detection.sql_injection.file", "")
	v.SetDefault("detection.api_rate_limit.threshold", 100)
	v.SetDefault("detection.api_rate_limit.window", 60*time.Second)
	v.SetDefault("detection.credential_stuffing.unique_users", 10)
	v.SetDefault("detection.credential_stuffing.window", 5*time.Minute)
	v.SetDefault("detection.geo_anomaly.max_speed_kmh", 900.0) // roughly airliner cruise speed
	v.SetDefault("detection.geo_anomaly.window", 6*time.Hour)
	v.SetDefault("detection.geo_anomaly.locations", []map[string]interface{}{})

	v.SetDefault("engine.batch_size", 10)
	v.SetDefault("engine.flush_interval", 5*time.Second)
	v.SetDefault("engine.max_concurrency", 16)
	v.SetDefault("engine.regex_timeout", 100*time.Millisecond)

	v.SetDefault("storage.alert_backend", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/threatwatch.db")
	v.SetDefault("storage.query_timeout", 2*time.Second)
	v.SetDefault("storage.max_window_rows", 5000)
	v.SetDefault("storage.event_retention", 30*24*time.Hour)
	v.SetDefault("storage.retention_sweep_interval", time.Hour)
	v.SetDefault("storage.dedup_cache_size", 10000)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.key_prefix", "threatwatch")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "SECURITY_EVENTS")
	v.SetDefault("nats.subject", "events.batches")
	v.SetDefault("nats.durable", "threatwatch-detector")
	v.SetDefault("nats.ack_wait", 30*time.Second)
	v.SetDefault("nats.max_deliver", 5)
	v.SetDefault("nats.nak_delay", 2*time.Second)
	v.SetDefault("nats.encoding", EncodingJSON)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.max_body_bytes", 1048576) // 1MB
	v.SetDefault("api.token_hash", "")
	v.SetDefault("api.jwt.secret", "")
	v.SetDefault("api.jwt.issuer", "threatwatch")
	v.SetDefault("api.jwt.ttl", 24*time.Hour)
	v.SetDefault("api.rate_limit.requests_per_second", 50.0)
	v.SetDefault("api.rate_limit.burst", 100)

	v.SetDefault("notifications.routing", map[string]interface{}{
		"low":      []string{},
		"medium":   []string{DestinationSlack},
		"high":     []string{DestinationSlack},
		"critical": []string{DestinationSlack, DestinationEmail},
	})
	v.SetDefault("notifications.workers", 4)
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.send_timeout", 10*time.Second)
	v.SetDefault("notifications.retries", 2)
	v.SetDefault("notifications.retry_backoff", time.Second)
	v.SetDefault("notifications.circuit_breaker.max_failures", 3)
	v.SetDefault("notifications.circuit_breaker.cooldown", 60*time.Second)
	v.SetDefault("notifications.slack.enabled", false)
	v.SetDefault("notifications.slack.webhook_url", "")
	v.SetDefault("notifications.slack.channel", "")
	v.SetDefault("notifications.slack.username", "Security Monitor")
	v.SetDefault("notifications.slack.icon_emoji", ":shield:")
	v.SetDefault("notifications.slack.rate_limit", 1.0)
	v.SetDefault("notifications.slack.burst", 5)
	v.SetDefault("notifications.email.enabled", false)
	v.SetDefault("notifications.email.topic_arn", "")
	v.SetDefault("notifications.email.region", "us-east-1")
	v.SetDefault("notifications.sms.enabled", false)
	v.SetDefault("notifications.sms.phone_numbers", []string{})
	v.SetDefault("notifications.sms.region", "us-east-1")
	v.SetDefault("notifications.stream.enabled", false)
	v.SetDefault("notifications.stream.client_buffer", 64)

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.path", "secret/threatwatch")
	v.SetDefault("secrets.aws.secret_id", "threatwatch/secrets")

	v.SetDefault("logging.level", "info")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the settings operators override most
	_ = v.BindEnv("storage.sqlite_path", EnvPrefix+"_SQLITE_PATH")
	_ = v.BindEnv("nats.url", EnvPrefix+"_NATS_URL")
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOG_LEVEL")
}

// newViper builds a viper instance with defaults and env bindings.
// An empty path searches for config.yaml in . and ./config.
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	setDefaults(v)
	loadFromEnv(v)
	return v
}

// readAndDecode reads the config file (if any) and decodes and validates it
func readAndDecode(v *viper.Viper, explicitPath bool) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitPath || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	return readAndDecode(newViper(path), path != "")
}

// Defaults returns the built-in configuration, ignoring files and environment
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default config does not decode: %v", err))
	}
	return &config
}

// RoutingFor returns the configured destinations for a severity name, case-insensitively
func (c *Config) RoutingFor(severity string) []string {
	return c.Notifications.Routing[strings.ToLower(severity)]
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	if err := validateDetection(&config.Detection); err != nil {
		return err
	}

	if config.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine batch_size must be positive")
	}
	if config.Engine.FlushInterval <= 0 {
		return fmt.Errorf("engine flush_interval must be positive")
	}
	if config.Engine.MaxConcurrency <= 0 {
		return fmt.Errorf("engine max_concurrency must be positive")
	}
	if config.Engine.RegexTimeout <= 0 {
		return fmt.Errorf("engine regex_timeout must be positive")
	}

	switch config.Storage.AlertBackend {
	case "sqlite":
	case "redis":
		if config.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage redis addr is required for the redis alert backend")
		}
	default:
		return fmt.Errorf("invalid storage alert_backend %q (must be sqlite or redis)", config.Storage.AlertBackend)
	}
	if config.Storage.SQLitePath == "" {
		return fmt.Errorf("storage sqlite_path cannot be empty")
	}
	if config.Storage.QueryTimeout <= 0 {
		return fmt.Errorf("storage query_timeout must be positive")
	}
	if config.Storage.MaxWindowRows <= 0 {
		return fmt.Errorf("storage max_window_rows must be positive")
	}
	for _, c := range config.Detection.counts() {
		if c.value > config.Storage.MaxWindowRows {
			return fmt.Errorf("storage max_window_rows (%d) is below detection %s (%d); the rule could never fire",
				config.Storage.MaxWindowRows, c.name, c.value)
		}
	}
	if config.Storage.EventRetention <= 0 {
		return fmt.Errorf("storage event_retention must be positive")
	}

	if config.NATS.Enabled {
		parsed, err := url.Parse(config.NATS.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("invalid NATS url %q", config.NATS.URL)
		}
		if config.NATS.Stream == "" || config.NATS.Subject == "" || config.NATS.Durable == "" {
			return fmt.Errorf("nats stream, subject and durable are required")
		}
		if config.NATS.Encoding != EncodingJSON && config.NATS.Encoding != EncodingMsgpack {
			return fmt.Errorf("invalid nats encoding %q (must be json or msgpack)", config.NATS.Encoding)
		}
	}

	if config.API.Enabled && (config.API.Port < 1 || config.API.Port > 65535) {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}
	if config.API.Enabled && (config.API.RateLimit.RequestsPerSecond <= 0 || config.API.RateLimit.Burst <= 0) {
		return fmt.Errorf("api rate_limit requests_per_second and burst must be positive")
	}
	if config.API.MaxBodyBytes <= 0 {
		return fmt.Errorf("api max_body_bytes must be positive")
	}
	if config.API.JWT.Secret != "" {
		if len(config.API.JWT.Secret) < 32 {
			return fmt.Errorf("api jwt secret must be at least 32 characters")
		}
		if config.API.JWT.TTL <= 0 {
			return fmt.Errorf("api jwt ttl must be positive")
		}
	}

	return validateNotifications(config)
}

type namedCount struct {
	name  string
	value int
}

// counts lists the thresholds that windowed rules compare event counts against
func (d *Detection) counts() []namedCount {
	return []namedCount{
		{"brute_force.threshold", d.BruteForce.Threshold},
		{"network_scanning.not_found_threshold", d.NetworkScanning.NotFoundThreshold},
		{"api_rate_limit.threshold", d.APIRateLimit.Threshold},
		{"credential_stuffing.unique_users", d.CredentialStuffing.UniqueUsers},
	}
}

func validateDetection(d *Detection) error {
	for _, c := range d.counts() {
		if c.value <= 0 {
			return fmt.Errorf("detection %s must be positive", c.name)
		}
	}

	windows := []struct {
		name  string
		value time.Duration
	}{
		{"brute_force.window", d.BruteForce.Window},
		{"network_scanning.window", d.NetworkScanning.Window},
		{"api_rate_limit.window", d.APIRateLimit.Window},
		{"credential_stuffing.window", d.CredentialStuffing.Window},
		{"geo_anomaly.window", d.GeoAnomaly.Window},
	}
	for _, w := range windows {
		if w.value <= 0 {
			return fmt.Errorf("detection %s must be positive", w.name)
		}
	}

	if d.DataExfiltration.ByteThreshold <= 0 {
		return fmt.Errorf("detection data_exfiltration.byte_threshold must be positive")
	}
	if d.AnomalousTime.StartHour < 0 || d.AnomalousTime.StartHour > 23 ||
		d.AnomalousTime.EndHour < 0 || d.AnomalousTime.EndHour > 24 {
		return fmt.Errorf("detection anomalous_time hours must be within 0-24")
	}
	if d.AnomalousTime.StartHour >= d.AnomalousTime.EndHour {
		return fmt.Errorf("detection anomalous_time start_hour must be before end_hour")
	}
	if d.GeoAnomaly.MaxSpeedKmh <= 0 {
		return fmt.Errorf("detection geo_anomaly.max_speed_kmh must be positive")
	}
	for _, loc := range d.GeoAnomaly.Locations {
		if _, _, err := net.ParseCIDR(loc.CIDR); err != nil {
			return fmt.Errorf("invalid geo location cidr %q: %w", loc.CIDR, err)
		}
		if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
			return fmt.Errorf("geo location %q has out of range coordinates", loc.CIDR)
		}
	}
	return nil
}

func validateNotifications(config *Config) error {
	n := &config.Notifications
	for severity, destinations := range n.Routing {
		if !isSeverityName(severity) {
			return fmt.Errorf("notification routing has unknown severity %q", severity)
		}
		for _, d := range destinations {
			if !knownDestinations[strings.ToLower(d)] {
				return fmt.Errorf("notification routing for %s has unknown destination %q", severity, d)
			}
		}
	}
	if n.Workers <= 0 || n.QueueSize <= 0 {
		return fmt.Errorf("notification workers and queue_size must be positive")
	}
	if n.SendTimeout <= 0 {
		return fmt.Errorf("notification send_timeout must be positive")
	}
	if n.Retries < 0 {
		return fmt.Errorf("notification retries cannot be negative")
	}
	if n.CircuitBreaker.MaxFailures == 0 || n.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("notification circuit_breaker requires positive max_failures and cooldown")
	}
	if n.Slack.Enabled && n.Slack.WebhookURL != "" {
		parsed, err := url.Parse(n.Slack.WebhookURL)
		if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
			return fmt.Errorf("slack webhook_url must be an https URL")
		}
	}
	if n.Slack.RateLimit <= 0 || n.Slack.Burst <= 0 {
		return fmt.Errorf("slack rate_limit and burst must be positive")
	}
	if n.Stream.Enabled && n.Stream.ClientBuffer <= 0 {
		return fmt.Errorf("stream client_buffer must be positive")
	}
	return nil
}

func isSeverityName(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range severityNames {
		if s == lower {
			return true
		}
	}
	return false
}
