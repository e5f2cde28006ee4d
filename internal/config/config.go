package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/models"
)

const EnvPrefix = "BEER"

type Config struct {
	Host                   string   `mapstructure:"host"`
	Port                   int      `mapstructure:"port"`
	OwnerID                string   `mapstructure:"owner_id"`     // Registered as Owner on every start
	WorkerToken            string   `mapstructure:"worker_token"` // Shared secret workers present on /join
	DatabaseDriver         string   `mapstructure:"database_driver"`
	DatabaseDSN            string   `mapstructure:"database_dsn"`
	KubeconfigPath         string   `mapstructure:"kubeconfig_path"` // Empty = in-cluster, then default kubeconfig
	KubeContext            string   `mapstructure:"kube_context"`
	Namespace              string   `mapstructure:"namespace"`
	LogLevel               string   `mapstructure:"log_level"`
	LogJSON                bool     `mapstructure:"log_json"`
	LogFile                string   `mapstructure:"log_file"` // Rotated by lumberjack; empty = stderr only
	K8sTimeoutSec          int      `mapstructure:"k8s_timeout_sec"`
	K8sRateLimitPerSec     float64  `mapstructure:"k8s_rate_limit_per_sec"` // 0 = no limit
	K8sRateLimitBurst      int      `mapstructure:"k8s_rate_limit_burst"`
	RequestTimeoutSec      int      `mapstructure:"request_timeout_sec"`
	ShutdownTimeoutSec     int      `mapstructure:"shutdown_timeout_sec"`
	MaxBodyBytes           int64    `mapstructure:"max_body_bytes"`
	RateLimitPerMin        int      `mapstructure:"rate_limit_per_min"` // Per client IP; 0 = no limit
	RateLimitBurst         int      `mapstructure:"rate_limit_burst"`
	TrustedProxies         []string `mapstructure:"trusted_proxies"` // CIDRs or IPs whose X-Forwarded-For is believed
	AllowedOrigins         []string `mapstructure:"allowed_origins"`
	TracingEndpoint        string   `mapstructure:"tracing_endpoint"` // Empty = tracing disabled
	TracingSamplingRate    float64  `mapstructure:"tracing_sampling_rate"`
	JobVolumeMount         string   `mapstructure:"job_volume_mount"`
	JobPodTemplate         string   `mapstructure:"job_pod_template"` // YAML PodTemplateSpec job pods start from
	JobMaxDurationHours    int      `mapstructure:"job_max_duration_hours"`
	NodeRefreshConcurrency int      `mapstructure:"node_refresh_concurrency"`
}

// Load reads config.yaml, BEER_* environment variables and the command-line args, in increasing
// order of precedence.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/beer/")
	v.AddConfigPath("$HOME/.beer")
	v.AddConfigPath(".")

	setDefaults(v)

	fs := pflag.NewFlagSet("beer-manager", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file")
	fs.Int("port", v.GetInt("port"), "HTTP listen port")
	fs.String("log-level", v.GetString("log_level"), "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("port", fs.Lookup("port")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log_level", fs.Lookup("log-level")); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if *configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("owner_id", "")
	v.SetDefault("worker_token", "")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_dsn", "./beer.db")
	v.SetDefault("kubeconfig_path", "")
	v.SetDefault("kube_context", "")
	v.SetDefault("namespace", "beer")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("log_file", "")
	v.SetDefault("k8s_timeout_sec", 30)
	v.SetDefault("k8s_rate_limit_per_sec", 0) // 0 = disabled
	v.SetDefault("k8s_rate_limit_burst", 0)
	v.SetDefault("request_timeout_sec", 60)
	v.SetDefault("shutdown_timeout_sec", 15)
	v.SetDefault("max_body_bytes", 64*1024)
	v.SetDefault("rate_limit_per_min", 60)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("tracing_endpoint", "")
	v.SetDefault("tracing_sampling_rate", 1.0)
	v.SetDefault("job_volume_mount", "/workspace")
	v.SetDefault("job_pod_template", "")
	v.SetDefault("job_max_duration_hours", 720)
	v.SetDefault("node_refresh_concurrency", 8)
}

// Validate rejects configurations the manager cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.OwnerID) == "" {
		problems = append(problems, "owner_id is required")
	} else if err := k8s.ValidateUserID(c.OwnerID); err != nil {
		problems = append(problems, "owner_id: "+err.Error())
	}
	if strings.TrimSpace(c.WorkerToken) == "" {
		problems = append(problems, "worker_token is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database_driver must be sqlite or postgres, got %q", c.DatabaseDriver))
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		problems = append(problems, "tracing_sampling_rate must be within [0, 1]")
	}
	if c.NodeRefreshConcurrency < 1 {
		problems = append(problems, "node_refresh_concurrency must be at least 1")
	}
	if c.JobMaxDurationHours < 1 || c.JobMaxDurationHours > models.MaxExpectedDurationHours {
		problems = append(problems, fmt.Sprintf("job_max_duration_hours must be within [1, %d]", models.MaxExpectedDurationHours))
	}
	for _, p := range c.TrustedProxies {
		p = strings.TrimSpace(p)
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			problems = append(problems, fmt.Sprintf("trusted_proxies entry %q is neither an IP nor a CIDR", p))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) K8sTimeout() time.Duration      { return seconds(c.K8sTimeoutSec) }
func (c *Config) RequestTimeout() time.Duration  { return seconds(c.RequestTimeoutSec) }
func (c *Config) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSec) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
