package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// PostgresConfig sizes the pool shared by the job, ledger and device stores.
type PostgresConfig struct {
	DSN               string
	ApplicationName   string
	MaxConns          int
	MinConns          int
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// RedisConfig covers the one client used for pairing codes, the job stream
// and both pub/sub channels.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	ClientName     string
	PoolSize       int
	MinIdleConns   int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
}

// CORSConfig is shared by the HTTP API and the /ws origin check. An empty
// AllowedOrigins accepts any origin; entries may use a leading "*." to match
// subdomains.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	BucketImages  string
	BucketResults string
	UseSSL        bool
	Region        string
	PresignTTL    time.Duration
}

type SecurityConfig struct {
	JWTAccessSecret string
	JWTAccessTTL    time.Duration
	JWTRefreshTTL   time.Duration
	PairingCodeTTL  time.Duration
	MaxDevices      int
}

// BatchConfig holds the batch job policy knobs.
type BatchConfig struct {
	PollInterval    time.Duration
	MaxWait         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	FastConcurrency int
	CreditsPerUSD   int
	EnforceCredits  bool
	InProcess       bool
}

type VendorConfig struct {
	APIKey  string
	BaseURL string
}

type ProvidersConfig struct {
	OpenAI    VendorConfig
	Anthropic VendorConfig
	Gemini    VendorConfig
	XAI       VendorConfig
	Groq      VendorConfig
}

type WorkerConfig struct {
	Stream        string
	Group         string
	Consumer      string
	ClaimInterval time.Duration
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment string
	Logging     LoggingConfig
	HTTP        HTTPConfig
	CORS        CORSConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Security    SecurityConfig
	Batch       BatchConfig
	Providers   ProvidersConfig
	Worker      WorkerConfig
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	return load(v)
}

func load(v *viper.Viper) (*AppConfig, error) {
	v.SetEnvPrefix("KULL")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.Batch.PollInterval <= 0 {
		return fmt.Errorf("batch.pollinterval must be positive")
	}
	if c.Batch.MaxWait < c.Batch.PollInterval {
		return fmt.Errorf("batch.maxwait must not be shorter than batch.pollinterval")
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("batch.maxretries must not be negative")
	}
	if c.Batch.FastConcurrency <= 0 {
		return fmt.Errorf("batch.fastconcurrency must be positive")
	}
	if c.Batch.CreditsPerUSD <= 0 {
		return fmt.Errorf("batch.creditsperusd must be positive")
	}
	if c.Postgres.MinConns > c.Postgres.MaxConns {
		return fmt.Errorf("postgres.minconns must not exceed postgres.maxconns")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("cors.allowedorigins", []string{})
	v.SetDefault("cors.allowcredentials", true)
	v.SetDefault("cors.maxage", "10m")

	v.SetDefault("postgres.applicationname", "kull")
	v.SetDefault("postgres.maxconns", 30)
	v.SetDefault("postgres.minconns", 2)
	v.SetDefault("postgres.maxconnlifetime", "30m")
	v.SetDefault("postgres.maxconnidletime", "5m")
	v.SetDefault("postgres.healthcheckperiod", "30s")
	v.SetDefault("postgres.connecttimeout", "10s")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.clientname", "kull")
	v.SetDefault("redis.poolsize", 20)
	v.SetDefault("redis.minidleconns", 2)
	v.SetDefault("redis.dialtimeout", "5s")
	v.SetDefault("redis.readtimeout", "3s")
	v.SetDefault("redis.writetimeout", "3s")
	v.SetDefault("redis.connecttimeout", "5s")

	v.SetDefault("storage.bucketimages", "kull-images")
	v.SetDefault("storage.bucketresults", "kull-results")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.presignttl", "24h")

	v.SetDefault("security.jwtaccessttl", "15m")
	v.SetDefault("security.jwtrefreshttl", "720h") // 30 days
	v.SetDefault("security.pairingcodettl", "10m")
	v.SetDefault("security.maxdevices", 10)

	v.SetDefault("batch.pollinterval", "5s")
	v.SetDefault("batch.maxwait", "24h")
	v.SetDefault("batch.maxretries", 3)
	v.SetDefault("batch.retrybackoff", "10s")
	v.SetDefault("batch.fastconcurrency", 8)
	v.SetDefault("batch.creditsperusd", 100)
	v.SetDefault("batch.enforcecredits", true)
	v.SetDefault("batch.inprocess", true)

	v.SetDefault("providers.openai.baseurl", "")
	v.SetDefault("providers.anthropic.baseurl", "https://api.anthropic.com/v1/")
	v.SetDefault("providers.xai.baseurl", "https://api.x.ai/v1")
	v.SetDefault("providers.groq.baseurl", "https://api.groq.com/openai/v1")

	v.SetDefault("worker.stream", "batch:jobs")
	v.SetDefault("worker.group", "batch-runners")
	v.SetDefault("worker.consumer", "runner-1")
	v.SetDefault("worker.claiminterval", "30s")
}
