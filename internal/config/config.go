package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the sentinel core.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Collectors    CollectorsConfig    `yaml:"collectors"`
	Baseline      BaselineConfig      `yaml:"baseline"`
	Detection     DetectionConfig     `yaml:"detection"`
	Risk          RiskConfig          `yaml:"risk"`
	Playbooks     PlaybooksConfig     `yaml:"playbooks"`
	Remediation   RemediationConfig   `yaml:"remediation"`
	Executors     ExecutorsConfig     `yaml:"executors"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Audit         AuditConfig         `yaml:"audit"`
	Cache         CacheConfig         `yaml:"cache"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CollectorsConfig groups telemetry source integrations.
type CollectorsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// PrometheusConfig configures the Prometheus-compatible metrics source.
type PrometheusConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts"`
	RetryBackoff  time.Duration `yaml:"retryBackoff"`
	QueriesPath   string        `yaml:"queriesPath"`
	Step          time.Duration `yaml:"step"`
}

// BaselineConfig tunes baseline learning.
type BaselineConfig struct {
	MinHistoryDays     int           `yaml:"minHistoryDays"`
	OptimalHistoryDays int           `yaml:"optimalHistoryDays"`
	MinHourlySamples   int           `yaml:"minHourlySamples"`
	RefreshInterval    time.Duration `yaml:"refreshInterval"`
	MaxAge             time.Duration `yaml:"maxAge"`
	LearnParallelism   int           `yaml:"learnParallelism"`
	SnapshotKey        string        `yaml:"snapshotKey"`
	SnapshotTTL        time.Duration `yaml:"snapshotTTL"`
}

// DetectionConfig tunes the anomaly detector.
type DetectionConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ZScoreThreshold float64       `yaml:"zscoreThreshold"`
	MADThreshold    float64       `yaml:"madThreshold"`
	MediumCut       float64       `yaml:"mediumCut"`
	HighCut         float64       `yaml:"highCut"`
	CriticalCut     float64       `yaml:"criticalCut"`
	TrendWindow     int           `yaml:"trendWindow"`
}

// RiskConfig carries factor weights, level thresholds and approval counts.
type RiskConfig struct {
	Weights    RiskWeights    `yaml:"weights"`
	Thresholds RiskThresholds `yaml:"thresholds"`
	Approvals  ApprovalConfig `yaml:"approvals"`
}

// RiskWeights combine the four risk factors into a score.
type RiskWeights struct {
	Severity   float64 `yaml:"severity"`
	Urgency    float64 `yaml:"urgency"`
	Impact     float64 `yaml:"impact"`
	Complexity float64 `yaml:"complexity"`
}

// RiskThresholds map a risk score to a gating tier.
type RiskThresholds struct {
	Auto     float64 `yaml:"auto"`
	SemiAuto float64 `yaml:"semiAuto"`
	Manual   float64 `yaml:"manual"`
}

// ApprovalConfig controls the approval workflow.
type ApprovalConfig struct {
	SemiAuto int           `yaml:"semiAuto"`
	Manual   int           `yaml:"manual"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PlaybooksConfig controls playbook loading for the planner.
type PlaybooksConfig struct {
	Dir string `yaml:"dir"`
}

// RemediationConfig controls plan execution safety rails.
type RemediationConfig struct {
	Enabled             bool          `yaml:"enabled"`
	DryRun              bool          `yaml:"dryRun"`
	MaxConcurrent       int           `yaml:"maxConcurrent"`
	Cooldown            time.Duration `yaml:"cooldown"`
	BlacklistNamespaces []string      `yaml:"blacklistNamespaces"`
}

// ExecutorsConfig groups execution backends.
type ExecutorsConfig struct {
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Webhook    WebhookConfig    `yaml:"webhook"`
}

// KubernetesConfig configures the cluster-facing executor.
type KubernetesConfig struct {
	InCluster  bool          `yaml:"inCluster"`
	Kubeconfig string        `yaml:"kubeconfig"`
	Timeout    time.Duration `yaml:"timeout"`
}

// WebhookConfig configures the generic HTTP executor.
type WebhookConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts"`
	RetryBackoff  time.Duration `yaml:"retryBackoff"`
}

// NotificationsConfig controls outbound event delivery.
type NotificationsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	WebhookURL   string        `yaml:"webhookURL"`
	Timeout      time.Duration `yaml:"timeout"`
	RateInterval time.Duration `yaml:"rateInterval"`
}

// AuditConfig controls the durable audit trail.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	LogFile  string `yaml:"logFile"`
	LoadDays int    `yaml:"loadDays"`
}

// CacheConfig controls the optional Valkey-backed snapshot store.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    15 * time.Second,
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Collectors: CollectorsConfig{
			Prometheus: PrometheusConfig{
				URL:           "http://localhost:9090",
				Timeout:       30 * time.Second,
				RetryAttempts: 3,
				RetryBackoff:  time.Second,
				QueriesPath:   "configs/queries.yaml",
				Step:          time.Minute,
			},
		},
		Baseline: BaselineConfig{
			MinHistoryDays:     7,
			OptimalHistoryDays: 30,
			MinHourlySamples:   5,
			RefreshInterval:    24 * time.Hour,
			MaxAge:             24 * time.Hour,
			LearnParallelism:   4,
			SnapshotKey:        "sentinel:baselines",
			SnapshotTTL:        72 * time.Hour,
		},
		Detection: DetectionConfig{
			Interval:        time.Minute,
			ZScoreThreshold: 3.0,
			MADThreshold:    3.5,
			MediumCut:       3.0,
			HighCut:         4.0,
			CriticalCut:     5.0,
			TrendWindow:     5,
		},
		Risk: RiskConfig{
			Weights:    RiskWeights{Severity: 0.35, Urgency: 0.25, Impact: 0.25, Complexity: 0.15},
			Thresholds: RiskThresholds{Auto: 0.4, SemiAuto: 0.6, Manual: 0.8},
			Approvals:  ApprovalConfig{SemiAuto: 1, Manual: 2, Timeout: 30 * time.Minute},
		},
		Playbooks: PlaybooksConfig{Dir: "configs/playbooks"},
		Remediation: RemediationConfig{
			Enabled:       true,
			MaxConcurrent: 3,
			Cooldown:      5 * time.Minute,
		},
		Executors: ExecutorsConfig{
			Kubernetes: KubernetesConfig{Timeout: 30 * time.Second},
			Webhook: WebhookConfig{
				Timeout:       10 * time.Second,
				RetryAttempts: 3,
				RetryBackoff:  time.Second,
			},
		},
		Notifications: NotificationsConfig{
			Timeout:      10 * time.Second,
			RateInterval: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:  true,
			LogFile:  "/var/log/sentinel/audit.log",
			LoadDays: 7,
		},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
	}
}

func validate(cfg *Config) error {
	t := cfg.Risk.Thresholds
	if !(t.Auto < t.SemiAuto && t.SemiAuto < t.Manual) {
		return fmt.Errorf("risk thresholds must be strictly increasing: auto=%v semiAuto=%v manual=%v", t.Auto, t.SemiAuto, t.Manual)
	}
	d := cfg.Detection
	if d.MediumCut > d.HighCut || d.HighCut > d.CriticalCut {
		return fmt.Errorf("severity cuts must be non-decreasing: medium=%v high=%v critical=%v", d.MediumCut, d.HighCut, d.CriticalCut)
	}
	if cfg.Baseline.MinHistoryDays <= 0 {
		return fmt.Errorf("baseline minHistoryDays must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_PROMETHEUS_URL"); v != "" {
		cfg.Collectors.Prometheus.URL = v
	}
	if v := os.Getenv("SENTINEL_QUERIES_PATH"); v != "" {
		cfg.Collectors.Prometheus.QueriesPath = v
	}
	if v := os.Getenv("SENTINEL_PLAYBOOKS_DIR"); v != "" {
		cfg.Playbooks.Dir = v
	}
	if v := os.Getenv("SENTINEL_REMEDIATION_ENABLED"); v != "" {
		cfg.Remediation.Enabled = isTrue(v)
	}
	if v := os.Getenv("SENTINEL_REMEDIATION_DRY_RUN"); v != "" {
		cfg.Remediation.DryRun = isTrue(v)
	}
	if v := os.Getenv("SENTINEL_BASELINE_MIN_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.Baseline.MinHistoryDays = days
		}
	}
	if v := os.Getenv("SENTINEL_DETECTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.Interval = d
		}
	}
	if v := os.Getenv("SENTINEL_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notifications.WebhookURL = v
		cfg.Notifications.Enabled = true
	}
	if v := os.Getenv("SENTINEL_AUDIT_LOG_FILE"); v != "" {
		cfg.Audit.LogFile = v
	}
	if v := os.Getenv("SENTINEL_KUBECONFIG"); v != "" {
		cfg.Executors.Kubernetes.Kubeconfig = v
	}
	if v := os.Getenv("SENTINEL_K8S_IN_CLUSTER"); v != "" {
		cfg.Executors.Kubernetes.InCluster = isTrue(v)
	}
	if v := os.Getenv("SENTINEL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SENTINEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = isTrue(v)
	}
	if v := os.Getenv("SENTINEL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("SENTINEL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENTINEL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SENTINEL_CACHE_TLS"); isTrue(v) {
		cfg.Cache.TLS = true
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
}
