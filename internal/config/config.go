package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/cloud-cover-service/internal/traffic"
)

// Config holds service configuration loaded from env and an optional YAML file.
type Config struct {
	ServerPort string

	ServiceAccountKey string

	CacheBackend          string // "redis", "memcached" or "in_memory"
	CacheKey              string
	CacheTTL              time.Duration
	CacheConnectTimeout   time.Duration
	RedisHost             string
	RedisPort             string // parsed when the cache is opened
	RedisDB               int
	MemcachedAddrs        string
	MemcachedMaxIdleConns int
	WarmEnabled           bool
	WarmInterval          time.Duration // 0 = warm once at startup

	EarthEngineURL     string
	EarthEngineProject string // empty = project_id from the key
	Collection         string
	Window             time.Duration
	SortProperty       string
	Attribute          string
	DisplayName        string
	ProviderTimeout    time.Duration // 0 = no client-side deadline
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	RateLimitRPS   int // 0 = limiter disabled
	RateLimitBurst int
	CoalesceMisses bool

	RequestTimeout time.Duration // 0 = no deadline

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	FallbackPct          int
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Cache struct {
		Backend        string `yaml:"backend"`
		Key            string `yaml:"key"`
		TTL            string `yaml:"ttl"`
		ConnectTimeout string `yaml:"connect_timeout"`
		Redis          struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warm struct {
			Enabled  bool   `yaml:"enabled"`
			Interval string `yaml:"interval"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Provider struct {
		URL            string `yaml:"url"`
		Project        string `yaml:"project"`
		Collection     string `yaml:"collection"`
		Window         string `yaml:"window"`
		SortProperty   string `yaml:"sort_property"`
		Attribute      string `yaml:"attribute"`
		DisplayName    string `yaml:"display_name"`
		Timeout        string `yaml:"timeout"`
		RetryAttempts  int    `yaml:"retry_attempts"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
		RetryMaxDelay  string `yaml:"retry_max_delay"`
		CircuitBreaker struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"provider"`

	Reliability struct {
		RateLimitRPS   int  `yaml:"rate_limit_rps"`
		RateLimitBurst int  `yaml:"rate_limit_burst"`
		CoalesceMisses bool `yaml:"coalesce_misses"`
	} `yaml:"reliability"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		FallbackPct          int    `yaml:"fallback_pct"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	ServiceAccountKey string `yaml:"service_account_key"`
}

// Load reads config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml relative to the
// working directory, then applies env overrides. Both files are optional; every setting
// has a default except SERVICE_ACCOUNT_KEY.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	var fc fileConfig
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	case os.IsNotExist(err):
		if os.Getenv("ENV_NAME") != "" {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.ServiceAccountKey = strings.TrimSpace(os.Getenv("SERVICE_ACCOUNT_KEY"))
	if cfg.ServiceAccountKey == "" {
		key, err := loadKeyFromSecrets(cwd)
		if err != nil {
			return nil, err
		}
		cfg.ServiceAccountKey = key
	}

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("CACHE_BACKEND")),
		strings.TrimSpace(fc.Cache.Backend),
		"redis",
	))
	cfg.CacheKey = firstNonEmpty(fc.Cache.Key, "last_cloud_cover")
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheConnectTimeout = parseDuration(fc.Cache.ConnectTimeout, 5*time.Second)

	cfg.RedisHost = strings.TrimSpace(firstNonEmpty(os.Getenv("REDIS_HOST"), fc.Cache.Redis.Host))
	cfg.RedisPort = "6379"
	if fc.Cache.Redis.Port != 0 {
		cfg.RedisPort = strconv.Itoa(fc.Cache.Redis.Port)
	}
	if s := strings.TrimSpace(os.Getenv("REDIS_PORT")); s != "" {
		cfg.RedisPort = s
	}
	cfg.RedisDB = fc.Cache.Redis.DB

	cfg.MemcachedAddrs = strings.TrimSpace(firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211"))
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.WarmEnabled = fc.Cache.Warm.Enabled
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warm.Interval, 0)

	cfg.EarthEngineURL = strings.TrimSpace(firstNonEmpty(os.Getenv("EARTHENGINE_URL"), fc.Provider.URL, "https://earthengine.googleapis.com"))
	cfg.EarthEngineProject = strings.TrimSpace(fc.Provider.Project)
	cfg.Collection = firstNonEmpty(fc.Provider.Collection, "LANDSAT/LC09/C02/T1")
	cfg.Window = parseDuration(fc.Provider.Window, 48*time.Hour)
	cfg.SortProperty = firstNonEmpty(fc.Provider.SortProperty, "system:time_start")
	cfg.Attribute = firstNonEmpty(fc.Provider.Attribute, "CLOUD_COVER")
	cfg.DisplayName = firstNonEmpty(fc.Provider.DisplayName, "Landsat 9")
	cfg.ProviderTimeout = parseDurationOrZero(fc.Provider.Timeout, 0)
	cfg.RetryAttempts = fc.Provider.RetryAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	cfg.RetryBaseDelay = parseDuration(fc.Provider.RetryBaseDelay, 500*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Provider.RetryMaxDelay, 5*time.Second)

	cb := fc.Provider.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 1
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 60*time.Second)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS
	}
	cfg.CoalesceMisses = fc.Reliability.CoalesceMisses

	cfg.RequestTimeout = parseDurationOrZero(fc.Request.Timeout, 0)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute)
	cfg.FallbackPct = fc.Lifecycle.FallbackPct

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadKeyFromSecrets(cwd string) (string, error) {
	secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
	data, err := os.ReadFile(secretsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.ServiceAccountKey), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero is kept, so "0" explicitly disables optional timeouts.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate rejects values that cannot be served. Redis host and port are not checked here:
// a bad address fails the startup connection and the process runs degraded. A missing
// SERVICE_ACCOUNT_KEY likewise surfaces per request as a failed computation.
func validate(cfg *Config) error {
	switch cfg.CacheBackend {
	case "redis":
	case "memcached":
		if cfg.MemcachedAddrs == "" {
			return fmt.Errorf("MEMCACHED_ADDRS required when cache.backend is memcached")
		}
	case "in_memory":
	default:
		return fmt.Errorf("cache.backend must be redis, memcached or in_memory, got %q", cfg.CacheBackend)
	}
	if cfg.ProviderTimeout < 0 {
		return fmt.Errorf("provider.timeout must not be negative")
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("request.timeout must not be negative")
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("reliability.rate_limit_rps must not be negative")
	}
	if cfg.FallbackPct < 0 || cfg.FallbackPct > 100 {
		return fmt.Errorf("lifecycle.fallback_pct must be between 0 and 100, got %d", cfg.FallbackPct)
	}
	if cfg.OverloadThresholdPct > 100 {
		return fmt.Errorf("lifecycle.overload_threshold_pct must be at most 100, got %d", cfg.OverloadThresholdPct)
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.warm.interval must not be negative")
	}
	if cfg.OverloadWindow > traffic.Retention {
		return fmt.Errorf("lifecycle.overload_window must be at most %s, got %s", traffic.Retention, cfg.OverloadWindow)
	}
	if cfg.DegradedWindow > traffic.Retention {
		return fmt.Errorf("lifecycle.degraded_window must be at most %s, got %s", traffic.Retention, cfg.DegradedWindow)
	}
	return nil
}
