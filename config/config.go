// Package config provides configuration loading for the scan daemon.
// It supports loading from properties/INI files with environment variable
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all configuration options for the scan daemon.
type Config struct {
	Port         string
	DebugEnabled bool

	// Key-value store connection (kvstore.Driver backing)
	RedisHost    string
	RedisPort    int
	RedisDBCount int

	// Feed refresh coordination
	FeedLockPath string
	FeedDir      string

	// Engine process launch
	EngineBinaryPath string

	// Supervisor polling and handshake timing. Only ScanHandshakeTimeout is
	// passed to the supervisor; its poll cadences are fixed constants in
	// package supervisor (1s during the handshake, 3s afterwards), and
	// ScanPollInterval and ScanHandshakeInterval are loaded but not read by
	// any other package.
	ScanPollInterval      time.Duration
	ScanHandshakeInterval time.Duration
	ScanHandshakeTimeout  time.Duration

	// Scheduled jobs configuration
	JobsEnabled bool

	// Feed check job - polls feedDir for a new VT feed version
	JobsFeedCheckEnabled  bool
	JobsFeedCheckInterval time.Duration
	JobsFeedCheckTimeout  time.Duration

	// OpenTelemetry metrics configuration
	OTELMetricsEnabled      bool
	OTELMetricsEndpoint     string
	OTELMetricsProtocol     string // "grpc" or "http"
	OTELMetricsPushInterval time.Duration
	OTELMetricsInsecure     bool

	// Individual metric toggles
	MetricsDeploymentEnabled  bool // Enable ospd_deployment metric
	MetricsScanCountsEnabled  bool // Enable ospd_scans_total metric
	MetricsActiveScansEnabled bool // Enable ospd_active_scan_hosts metric
	MetricsFeedInfoEnabled    bool // Enable ospd_feed_info metric

	// Staleness tracking for the active-scan gauge: a scan_id series that
	// stops being reported (scan finished, daemon missed a scrape) is left
	// out of the output for this long, then reported once with a NaN value
	// and dropped.
	MetricsStalenessEnabled bool
	MetricsStalenessWindow  time.Duration
}

// defaultConfig returns a Config with hardcoded defaults.
func defaultConfig() *Config {
	return &Config{
		Port:         "9999",
		DebugEnabled: false,

		RedisHost:    "127.0.0.1",
		RedisPort:    6379,
		RedisDBCount: 128,

		FeedLockPath: "/var/run/ospd-go/feed-update.lock",
		FeedDir:      "/var/lib/ospd-go/vt-feed",

		EngineBinaryPath: "/usr/sbin/openvas",

		ScanPollInterval:      1 * time.Second,
		ScanHandshakeInterval: 100 * time.Millisecond,
		ScanHandshakeTimeout:  5 * time.Minute,

		// Jobs enabled by default
		JobsEnabled: true,

		// Feed check job - poll every 30 minutes
		JobsFeedCheckEnabled:  true,
		JobsFeedCheckInterval: 30 * time.Minute,
		JobsFeedCheckTimeout:  10 * time.Minute,

		// OpenTelemetry metrics - disabled by default
		OTELMetricsEnabled:      false,
		OTELMetricsEndpoint:     "localhost:4317",
		OTELMetricsProtocol:     "grpc", // Use "http" for Prometheus native OTLP
		OTELMetricsPushInterval: 1 * time.Minute,
		OTELMetricsInsecure:     true,

		// Individual metrics - enabled by default
		MetricsDeploymentEnabled:  true,
		MetricsScanCountsEnabled:  true,
		MetricsActiveScansEnabled: true,
		MetricsFeedInfoEnabled:    true,

		MetricsStalenessEnabled: true,
		MetricsStalenessWindow:  60 * time.Minute,
	}
}

// LoadConfig loads configuration from the specified file path.
// Environment variables override file values.
// Precedence: environment variables > config file > defaults
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	// Try to load config file
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			iniFile, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}

			section := iniFile.Section("")

			if section.HasKey("port") {
				cfg.Port = section.Key("port").String()
			}
			if section.HasKey("debug_enabled") {
				cfg.DebugEnabled = parseBool(section.Key("debug_enabled").String())
			}

			if section.HasKey("redis_host") {
				cfg.RedisHost = section.Key("redis_host").String()
			}
			if section.HasKey("redis_port") {
				if port, err := strconv.Atoi(section.Key("redis_port").String()); err == nil {
					cfg.RedisPort = port
				}
			}
			if section.HasKey("redis_db_count") {
				if count, err := strconv.Atoi(section.Key("redis_db_count").String()); err == nil && count > 0 {
					cfg.RedisDBCount = count
				}
			}

			if section.HasKey("feed_lock_path") {
				cfg.FeedLockPath = section.Key("feed_lock_path").String()
			}
			if section.HasKey("feed_dir") {
				cfg.FeedDir = section.Key("feed_dir").String()
			}

			if section.HasKey("engine_binary_path") {
				cfg.EngineBinaryPath = section.Key("engine_binary_path").String()
			}

			if section.HasKey("scan_poll_interval") {
				if duration, err := time.ParseDuration(section.Key("scan_poll_interval").String()); err == nil {
					cfg.ScanPollInterval = duration
				}
			}
			if section.HasKey("scan_handshake_interval") {
				if duration, err := time.ParseDuration(section.Key("scan_handshake_interval").String()); err == nil {
					cfg.ScanHandshakeInterval = duration
				}
			}
			if section.HasKey("scan_handshake_timeout") {
				if duration, err := time.ParseDuration(section.Key("scan_handshake_timeout").String()); err == nil {
					cfg.ScanHandshakeTimeout = duration
				}
			}

			// Load jobs configuration
			if section.HasKey("jobs_enabled") {
				cfg.JobsEnabled = parseBool(section.Key("jobs_enabled").String())
			}

			// Feed check job
			if section.HasKey("jobs_feed_check_enabled") {
				cfg.JobsFeedCheckEnabled = parseBool(section.Key("jobs_feed_check_enabled").String())
			}
			if section.HasKey("jobs_feed_check_interval") {
				if duration, err := time.ParseDuration(section.Key("jobs_feed_check_interval").String()); err == nil {
					cfg.JobsFeedCheckInterval = duration
				}
			}
			if section.HasKey("jobs_feed_check_timeout") {
				if duration, err := time.ParseDuration(section.Key("jobs_feed_check_timeout").String()); err == nil {
					cfg.JobsFeedCheckTimeout = duration
				}
			}

			// OpenTelemetry metrics configuration
			if section.HasKey("otel_metrics_enabled") {
				cfg.OTELMetricsEnabled = parseBool(section.Key("otel_metrics_enabled").String())
			}
			if section.HasKey("otel_metrics_endpoint") {
				cfg.OTELMetricsEndpoint = section.Key("otel_metrics_endpoint").String()
			}
			if section.HasKey("otel_metrics_protocol") {
				protocol := strings.ToLower(section.Key("otel_metrics_protocol").String())
				if protocol == "grpc" || protocol == "http" {
					cfg.OTELMetricsProtocol = protocol
				}
			}
			if section.HasKey("otel_metrics_push_interval") {
				if duration, err := time.ParseDuration(section.Key("otel_metrics_push_interval").String()); err == nil {
					cfg.OTELMetricsPushInterval = duration
				}
			}
			if section.HasKey("otel_metrics_insecure") {
				cfg.OTELMetricsInsecure = parseBool(section.Key("otel_metrics_insecure").String())
			}

			// Individual metric toggles
			if section.HasKey("metrics_deployment_enabled") {
				cfg.MetricsDeploymentEnabled = parseBool(section.Key("metrics_deployment_enabled").String())
			}
			if section.HasKey("metrics_scan_counts_enabled") {
				cfg.MetricsScanCountsEnabled = parseBool(section.Key("metrics_scan_counts_enabled").String())
			}
			if section.HasKey("metrics_active_scans_enabled") {
				cfg.MetricsActiveScansEnabled = parseBool(section.Key("metrics_active_scans_enabled").String())
			}
			if section.HasKey("metrics_feed_info_enabled") {
				cfg.MetricsFeedInfoEnabled = parseBool(section.Key("metrics_feed_info_enabled").String())
			}
			if section.HasKey("metrics_staleness_enabled") {
				cfg.MetricsStalenessEnabled = parseBool(section.Key("metrics_staleness_enabled").String())
			}
			if section.HasKey("metrics_staleness_window") {
				if duration, err := time.ParseDuration(section.Key("metrics_staleness_window").String()); err == nil {
					cfg.MetricsStalenessWindow = duration
				}
			}
		} else if !os.IsNotExist(err) {
			// File exists but can't be read
			return nil, fmt.Errorf("cannot access config file %s: %w", path, err)
		}
		// If file doesn't exist, just use defaults (no error)
	}

	// Override with environment variables
	if portEnv := os.Getenv("PORT"); portEnv != "" {
		cfg.Port = portEnv
	}
	if debugEnv := os.Getenv("DEBUG_ENABLED"); debugEnv != "" {
		cfg.DebugEnabled = parseBool(debugEnv)
	}

	if hostEnv := os.Getenv("REDIS_HOST"); hostEnv != "" {
		cfg.RedisHost = hostEnv
	}
	if portEnv := os.Getenv("REDIS_PORT"); portEnv != "" {
		if port, err := strconv.Atoi(portEnv); err == nil {
			cfg.RedisPort = port
		}
	}
	if countEnv := os.Getenv("REDIS_DB_COUNT"); countEnv != "" {
		if count, err := strconv.Atoi(countEnv); err == nil && count > 0 {
			cfg.RedisDBCount = count
		}
	}

	if lockPathEnv := os.Getenv("FEED_LOCK_PATH"); lockPathEnv != "" {
		cfg.FeedLockPath = lockPathEnv
	}
	if feedDirEnv := os.Getenv("FEED_DIR"); feedDirEnv != "" {
		cfg.FeedDir = feedDirEnv
	}

	if enginePathEnv := os.Getenv("ENGINE_BINARY_PATH"); enginePathEnv != "" {
		cfg.EngineBinaryPath = enginePathEnv
	}

	if pollEnv := os.Getenv("SCAN_POLL_INTERVAL"); pollEnv != "" {
		if duration, err := time.ParseDuration(pollEnv); err == nil {
			cfg.ScanPollInterval = duration
		}
	}
	if handshakeIntervalEnv := os.Getenv("SCAN_HANDSHAKE_INTERVAL"); handshakeIntervalEnv != "" {
		if duration, err := time.ParseDuration(handshakeIntervalEnv); err == nil {
			cfg.ScanHandshakeInterval = duration
		}
	}
	if handshakeTimeoutEnv := os.Getenv("SCAN_HANDSHAKE_TIMEOUT"); handshakeTimeoutEnv != "" {
		if duration, err := time.ParseDuration(handshakeTimeoutEnv); err == nil {
			cfg.ScanHandshakeTimeout = duration
		}
	}

	// Jobs enabled
	if jobsEnv := os.Getenv("JOBS_ENABLED"); jobsEnv != "" {
		cfg.JobsEnabled = parseBool(jobsEnv)
	}

	// Feed check job
	if enabledEnv := os.Getenv("JOBS_FEED_CHECK_ENABLED"); enabledEnv != "" {
		cfg.JobsFeedCheckEnabled = parseBool(enabledEnv)
	}
	if intervalEnv := os.Getenv("JOBS_FEED_CHECK_INTERVAL"); intervalEnv != "" {
		if duration, err := time.ParseDuration(intervalEnv); err == nil {
			cfg.JobsFeedCheckInterval = duration
		}
	}
	if timeoutEnv := os.Getenv("JOBS_FEED_CHECK_TIMEOUT"); timeoutEnv != "" {
		if duration, err := time.ParseDuration(timeoutEnv); err == nil {
			cfg.JobsFeedCheckTimeout = duration
		}
	}

	// OpenTelemetry metrics configuration
	if enabledEnv := os.Getenv("OTEL_METRICS_ENABLED"); enabledEnv != "" {
		cfg.OTELMetricsEnabled = parseBool(enabledEnv)
	}
	if endpointEnv := os.Getenv("OTEL_METRICS_ENDPOINT"); endpointEnv != "" {
		cfg.OTELMetricsEndpoint = endpointEnv
	}
	if protocolEnv := os.Getenv("OTEL_METRICS_PROTOCOL"); protocolEnv != "" {
		protocol := strings.ToLower(protocolEnv)
		if protocol == "grpc" || protocol == "http" {
			cfg.OTELMetricsProtocol = protocol
		}
	}
	if intervalEnv := os.Getenv("OTEL_METRICS_PUSH_INTERVAL"); intervalEnv != "" {
		if duration, err := time.ParseDuration(intervalEnv); err == nil {
			cfg.OTELMetricsPushInterval = duration
		}
	}
	if insecureEnv := os.Getenv("OTEL_METRICS_INSECURE"); insecureEnv != "" {
		cfg.OTELMetricsInsecure = parseBool(insecureEnv)
	}

	// Individual metric toggles
	if v := os.Getenv("METRICS_DEPLOYMENT_ENABLED"); v != "" {
		cfg.MetricsDeploymentEnabled = parseBool(v)
	}
	if v := os.Getenv("METRICS_SCAN_COUNTS_ENABLED"); v != "" {
		cfg.MetricsScanCountsEnabled = parseBool(v)
	}
	if v := os.Getenv("METRICS_ACTIVE_SCANS_ENABLED"); v != "" {
		cfg.MetricsActiveScansEnabled = parseBool(v)
	}
	if v := os.Getenv("METRICS_FEED_INFO_ENABLED"); v != "" {
		cfg.MetricsFeedInfoEnabled = parseBool(v)
	}
	if v := os.Getenv("METRICS_STALENESS_ENABLED"); v != "" {
		cfg.MetricsStalenessEnabled = parseBool(v)
	}
	if v := os.Getenv("METRICS_STALENESS_WINDOW"); v != "" {
		if duration, err := time.ParseDuration(v); err == nil {
			cfg.MetricsStalenessWindow = duration
		}
	}

	return cfg, nil
}

// parseBool recognizes the loose truthy forms the teacher's INI files use.
func parseBool(s string) bool {
	val := strings.ToLower(s)
	return val == "true" || val == "1" || val == "yes"
}

// LoadConfigWithDefaults tries to load configuration from default locations.
// It checks locations in order:
// 1. /etc/ospd-go/ospd-go.conf
// 2. ./ospd-go.conf (current directory)
// 3. Hardcoded defaults
//
// Environment variables override file values.
func LoadConfigWithDefaults() (*Config, error) {
	defaultPaths := []string{
		"/etc/ospd-go/ospd-go.conf",
		"./ospd-go.conf",
	}

	for _, path := range defaultPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadConfig(path)
			if err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}

	// No config file found, use defaults with env var overrides
	return LoadConfig("")
}
