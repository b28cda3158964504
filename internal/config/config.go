package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tanq16/fastdl/internal/engine"
	"github.com/tanq16/fastdl/internal/utils"
)

const EnvPrefix = "FASTDL"

type Config struct {
	Connections      int           `mapstructure:"connections" yaml:"connections"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout" yaml:"keep_alive_timeout"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	Proxy            string        `mapstructure:"proxy" yaml:"proxy"`
	ProxyUsername    string        `mapstructure:"proxy_username" yaml:"proxy_username"`
	ProxyPassword    string        `mapstructure:"proxy_password" yaml:"proxy_password"`
	Headers          []string      `mapstructure:"headers" yaml:"headers"`
	HTTP2            bool          `mapstructure:"http2" yaml:"http2"`
	Retries          int           `mapstructure:"retries" yaml:"retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	MinChunkSizeRaw  string        `mapstructure:"min_chunk_size" yaml:"min_chunk_size"`
	LimitRateRaw     string        `mapstructure:"limit_rate" yaml:"limit_rate"`
	MemoryBudgetRaw  string        `mapstructure:"memory_budget" yaml:"memory_budget"`
	MetricsFile      string        `mapstructure:"metrics_file" yaml:"metrics_file"`
	ReportFile       string        `mapstructure:"report_file" yaml:"report_file"`
	LogFile          string        `mapstructure:"log_file" yaml:"log_file"`
	Debug            bool          `mapstructure:"debug" yaml:"debug"`

	// Parsed from the raw byte strings above.
	MinChunkSize int64 `mapstructure:"-" yaml:"-"`
	LimitRate    int64 `mapstructure:"-" yaml:"-"`
	MemoryBudget int64 `mapstructure:"-" yaml:"-"`
}

// FlagNames maps configuration keys to the command-line flags that set them.
var FlagNames = map[string]string{
	"connections":        "connections",
	"timeout":            "timeout",
	"keep_alive_timeout": "keep-alive-timeout",
	"stall_timeout":      "stall-timeout",
	"user_agent":         "user-agent",
	"proxy":              "proxy",
	"proxy_username":     "proxy-username",
	"proxy_password":     "proxy-password",
	"headers":            "header",
	"http2":              "http2",
	"retries":            "retries",
	"retry_base_delay":   "retry-base-delay",
	"retry_max_delay":    "retry-max-delay",
	"min_chunk_size":     "min-chunk-size",
	"limit_rate":         "limit-rate",
	"memory_budget":      "memory-budget",
	"metrics_file":       "metrics-file",
	"report_file":        "report",
	"log_file":           "log-file",
	"debug":              "debug",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connections", 0)
	v.SetDefault("timeout", 3*time.Minute)
	v.SetDefault("keep_alive_timeout", 90*time.Second)
	v.SetDefault("stall_timeout", 60*time.Second)
	v.SetDefault("user_agent", utils.ToolUserAgent)
	v.SetDefault("headers", []string{})
	v.SetDefault("http2", true)
	v.SetDefault("retries", engine.DefaultMaxAttempts)
	v.SetDefault("retry_base_delay", engine.DefaultBaseDelay)
	v.SetDefault("retry_max_delay", engine.DefaultMaxDelay)
	v.SetDefault("min_chunk_size", "2MiB")
	v.SetDefault("limit_rate", "")
	v.SetDefault("memory_budget", "")
	v.SetDefault("debug", false)
}

// DefaultPath is the config file read when none is given explicitly.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fastdl", "config.yaml")
}

// Load layers defaults, the config file, FASTDL_* environment variables and
// explicitly set flags, in increasing priority. An explicit path must exist;
// the default path is optional.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range FlagNames {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.parseSizes(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) parseSizes() error {
	var err error
	if c.MinChunkSize, err = parseBytes("min_chunk_size", c.MinChunkSizeRaw); err != nil {
		return err
	}
	if c.LimitRate, err = parseBytes("limit_rate", c.LimitRateRaw); err != nil {
		return err
	}
	// An explicit zero budget means never buffer chunks in memory.
	switch strings.TrimSpace(c.MemoryBudgetRaw) {
	case "":
		c.MemoryBudget = 0
	case "0":
		c.MemoryBudget = -1
	default:
		if c.MemoryBudget, err = parseBytes("memory_budget", c.MemoryBudgetRaw); err != nil {
			return err
		}
	}
	return nil
}

func parseBytes(key, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", key, raw, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s: size %q is too large", key, raw)
	}
	return int64(n), nil
}

func (c *Config) validate() error {
	if c.Connections < 0 || c.Connections > utils.MaxConnections {
		return fmt.Errorf("connections must be between 0 (auto) and %d, got %d", utils.MaxConnections, c.Connections)
	}
	if c.Retries < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", c.Retries)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay <= 0 {
		return errors.New("retry delays must be positive")
	}
	if c.RetryBaseDelay > c.RetryMaxDelay {
		return fmt.Errorf("retry_base_delay (%s) exceeds retry_max_delay (%s)", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.StallTimeout < 0 {
		return errors.New("stall_timeout must not be negative")
	}
	return nil
}

// RetryPolicy returns the configured per-chunk retry policy.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: c.Retries,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// HTTPClientConfig resolves the client settings. A randomized user agent is
// picked here, and credentials embedded in the proxy URL are split out unless
// given separately.
func (c *Config) HTTPClientConfig(connections int) utils.HTTPClientConfig {
	userAgent := c.UserAgent
	if userAgent == "randomize" {
		userAgent = utils.GetRandomUserAgent()
	}
	proxyURL, proxyUsername, proxyPassword := utils.SplitProxyAuth(c.Proxy, c.ProxyUsername, c.ProxyPassword)
	return utils.HTTPClientConfig{
		Timeout:        c.Timeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  proxyUsername,
		ProxyPassword:  proxyPassword,
		UserAgent:      userAgent,
		Headers:        utils.ParseHeaderArgs(c.Headers),
		HTTP2:          c.HTTP2,
		HighThreadMode: connections == 0 || connections > utils.HighThreadLimit,
	}
}
