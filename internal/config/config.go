// Package config loads the service configuration from defaults, an optional
// config file, the environment and command-line flags.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment key, e.g. ADES_SERVER_PORT.
const EnvPrefix = "ADES"

// Platforms lists the accepted values of Config.Platform in canonical case.
var Platforms = []string{"Generic", "K8s", "PBS", "Docker"}

// Config holds configuration for the ADES service.
type Config struct {
	// ID names this ADES instance. It scopes the ledger under Home.
	ID       string `mapstructure:"id"`
	Home     string `mapstructure:"home"`
	Platform string `mapstructure:"platform"`
	Debug    bool   `mapstructure:"debug"`

	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	K8s     K8sConfig     `mapstructure:"k8s"`
	PBS     PBSConfig     `mapstructure:"pbs"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Results ResultsConfig `mapstructure:"results"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyFile   string        `mapstructure:"api_key_file"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// DrainWait is how long readiness reports draining before the listener
	// stops. Zero skips the wait.
	DrainWait   time.Duration `mapstructure:"drain_wait"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SlogLevel returns the configured level, or info if it does not parse.
func (l LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type StoreConfig struct {
	Path         string `mapstructure:"path"`
	URL          string `mapstructure:"url"`
	AuthToken    string `mapstructure:"auth_token"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type JobsConfig struct {
	// QueryRate bounds backend status queries per second. Zero disables the limit.
	QueryRate        float64       `mapstructure:"query_rate"`
	QueryBurst       int           `mapstructure:"query_burst"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	AllowFileSources bool          `mapstructure:"allow_file_sources"`
}

type K8sConfig struct {
	Namespace       string `mapstructure:"namespace"`
	StorageClass    string `mapstructure:"storage_class"`
	NFSServer       string `mapstructure:"nfs_server"`
	Debug           bool   `mapstructure:"debug"`
	CalrissianImage string `mapstructure:"calrissian_image"`
	InitImage       string `mapstructure:"init_image"`
	Kubeconfig      string `mapstructure:"kubeconfig"`
}

type PBSConfig struct {
	Queue       string   `mapstructure:"queue"`
	Select      string   `mapstructure:"select"`
	Walltime    string   `mapstructure:"walltime"`
	Site        string   `mapstructure:"site"`
	Modules     []string `mapstructure:"modules"`
	Venv        string   `mapstructure:"venv"`
	MetricsTool string   `mapstructure:"metrics_tool"`
}

type DockerConfig struct {
	RunnerImage string  `mapstructure:"runner_image"`
	Socket      string  `mapstructure:"socket"`
	CPU         float64 `mapstructure:"cpu"`
	MemoryMB    int     `mapstructure:"memory_mb"`
}

// ResultsConfig controls expansion of s3:// result links into object links.
type ResultsConfig struct {
	Expand          bool   `mapstructure:"expand"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Glob            string `mapstructure:"glob"`
}

// NotifyConfig controls webhook delivery of job status changes. An empty URL
// disables notifications.
type NotifyConfig struct {
	URL            string        `mapstructure:"url"`
	SigningKey     string        `mapstructure:"signing_key"`
	SigningKeyFile string        `mapstructure:"signing_key_file"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	// Consecutive failed deliveries before delivery pauses for BreakerCooldown.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// legacyEnv maps keys to the unprefixed environment names earlier
// deployments used. The prefixed name is checked first.
var legacyEnv = map[string]string{
	"home":                      "ADES_HOME",
	"platform":                  "ADES_PLATFORM",
	"k8s.namespace":             "NAMESPACE",
	"k8s.storage_class":         "STORAGE_CLASS",
	"k8s.nfs_server":            "USE_NFS",
	"k8s.debug":                 "DEBUG_K8S",
	"results.access_key_id":     "S3_AWS_ACCESS_KEY_ID",
	"results.secret_access_key": "S3_AWS_SECRET_ACCESS_KEY",
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("id", "")
	v.SetDefault("home", "./ades")
	v.SetDefault("platform", "Generic")
	v.SetDefault("debug", false)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.api_key_file", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.drain_wait", "5s")
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("logging.level", "info")

	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.max_open_conns", 10)

	v.SetDefault("jobs.query_rate", 0)
	v.SetDefault("jobs.query_burst", 1)
	v.SetDefault("jobs.fetch_timeout", "30s")
	v.SetDefault("jobs.allow_file_sources", false)

	v.SetDefault("k8s.namespace", "ades")
	v.SetDefault("k8s.storage_class", "")
	v.SetDefault("k8s.nfs_server", "")
	v.SetDefault("k8s.debug", false)
	v.SetDefault("k8s.calrissian_image", "pymonger/calrissian:latest")
	v.SetDefault("k8s.init_image", "busybox")
	v.SetDefault("k8s.kubeconfig", "")

	v.SetDefault("pbs.queue", "debug")
	v.SetDefault("pbs.select", "1:ncpus=1:model=bro")
	v.SetDefault("pbs.walltime", "2:00:00")
	v.SetDefault("pbs.site", "static_broadwell:nat=hfe1")
	v.SetDefault("pbs.modules", []string{"singularity"})
	v.SetDefault("pbs.venv", "$HOME/.venv/ades/bin/activate")
	v.SetDefault("pbs.metrics_tool", "pbs-metrics")

	v.SetDefault("docker.runner_image", "quay.io/commonwl/cwltool:latest")
	v.SetDefault("docker.socket", "/var/run/docker.sock")
	v.SetDefault("docker.cpu", 0)
	v.SetDefault("docker.memory_mb", 0)

	v.SetDefault("results.expand", false)
	v.SetDefault("results.region", "us-west-2")
	v.SetDefault("results.endpoint", "")
	v.SetDefault("results.path_style", false)
	v.SetDefault("results.access_key_id", "")
	v.SetDefault("results.secret_access_key", "")
	v.SetDefault("results.glob", "**")

	v.SetDefault("notify.url", "")
	v.SetDefault("notify.signing_key", "")
	v.SetDefault("notify.signing_key_file", "")
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.max_retries", 5)
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.rate_per_second", 10)
	v.SetDefault("notify.burst", 10)
	v.SetDefault("notify.breaker_threshold", 5)
	v.SetDefault("notify.breaker_cooldown", "30s")
}

// Load reads configuration into a Config. Flags must already be bound to v.
// configFile may be empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.ID == "" {
		hostname, _ := os.Hostname()
		cfg.ID = DefaultID(hostname, time.Now())
	}
	if cfg.Store.Path == "" && cfg.Store.URL == "" {
		cfg.Store.Path = filepath.Join(cfg.Home, cfg.ID, "sqlite", "sqlite.db")
	}
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = GetSecretFile(cfg.Server.APIKeyFile)
	}
	if cfg.Notify.SigningKey == "" {
		cfg.Notify.SigningKey = GetSecretFile(cfg.Notify.SigningKeyFile)
	}
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultID derives a unique instance id from the hostname and a timestamp.
func DefaultID(hostname string, now time.Time) string {
	sum := sha1.Sum([]byte(hostname + now.UTC().Format("2006-01-02T15:04:05.000000")))
	return "ades-" + hex.EncodeToString(sum[:])
}

// Validate checks the configuration and normalizes the platform name.
func (c *Config) Validate() error {
	var errs []error

	platform, ok := canonicalPlatform(c.Platform)
	if !ok {
		errs = append(errs, fmt.Errorf("platform %q invalid, must be one of %s", c.Platform, strings.Join(Platforms, ", ")))
	} else {
		c.Platform = platform
	}

	info, err := os.Stat(c.Home)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("home %s does not exist", c.Home))
	case !info.IsDir():
		errs = append(errs, fmt.Errorf("home %s is not a directory", c.Home))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		errs = append(errs, errors.New("metrics.port must differ from server.port"))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level %q invalid", c.Logging.Level))
	}
	if c.Jobs.QueryRate < 0 {
		errs = append(errs, errors.New("jobs.query_rate must not be negative"))
	}
	if c.Notify.URL != "" && c.Notify.Workers < 1 {
		errs = append(errs, errors.New("notify.workers must be at least 1"))
	}
	return errors.Join(errs...)
}

func canonicalPlatform(name string) (string, bool) {
	for _, p := range Platforms {
		if strings.EqualFold(p, name) {
			return p, true
		}
	}
	return "", false
}
