package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sentinelops/sentinel-core/internal/api"
	"github.com/sentinelops/sentinel-core/internal/audit"
	"github.com/sentinelops/sentinel-core/internal/baseline"
	"github.com/sentinelops/sentinel-core/internal/cache"
	"github.com/sentinelops/sentinel-core/internal/collectors"
	"github.com/sentinelops/sentinel-core/internal/config"
	"github.com/sentinelops/sentinel-core/internal/detector"
	"github.com/sentinelops/sentinel-core/internal/engine"
	"github.com/sentinelops/sentinel-core/internal/executors"
	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/notify"
	"github.com/sentinelops/sentinel-core/internal/planner"
	"github.com/sentinelops/sentinel-core/internal/playbook"
	"github.com/sentinelops/sentinel-core/internal/remediation"
	"github.com/sentinelops/sentinel-core/internal/risk"
	"github.com/sentinelops/sentinel-core/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting sentinel-core", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyOptions{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	queries, err := collectors.LoadQueries(cfg.Collectors.Prometheus.QueriesPath)
	if err != nil {
		logger.Error("failed to load query catalog", slog.Any("error", err))
		os.Exit(1)
	}
	collector := collectors.NewPrometheusCollector(collectors.PrometheusOptions{
		URL:     cfg.Collectors.Prometheus.URL,
		Timeout: cfg.Collectors.Prometheus.Timeout,
		Step:    cfg.Collectors.Prometheus.Step,
		Retry: executors.RetryPolicy{
			Attempts:       cfg.Collectors.Prometheus.RetryAttempts,
			InitialBackoff: cfg.Collectors.Prometheus.RetryBackoff,
		},
	}, queries, logger)

	baselines := baseline.NewEngine(baseline.Options{
		MinHistoryDays:     cfg.Baseline.MinHistoryDays,
		OptimalHistoryDays: cfg.Baseline.OptimalHistoryDays,
		MinHourlySamples:   cfg.Baseline.MinHourlySamples,
		MaxAge:             cfg.Baseline.MaxAge,
		Parallelism:        cfg.Baseline.LearnParallelism,
		SnapshotKey:        cfg.Baseline.SnapshotKey,
		SnapshotTTL:        cfg.Baseline.SnapshotTTL,
	}, cacheProvider, logger)

	det := detector.New(detector.Options{
		ZScoreThreshold: cfg.Detection.ZScoreThreshold,
		MADThreshold:    cfg.Detection.MADThreshold,
		MediumCut:       cfg.Detection.MediumCut,
		HighCut:         cfg.Detection.HighCut,
		CriticalCut:     cfg.Detection.CriticalCut,
		TrendWindow:     cfg.Detection.TrendWindow,
	}, baselines.Store(), logger)

	assessor := risk.NewAssessor(
		risk.Weights{
			Severity:   cfg.Risk.Weights.Severity,
			Urgency:    cfg.Risk.Weights.Urgency,
			Impact:     cfg.Risk.Weights.Impact,
			Complexity: cfg.Risk.Weights.Complexity,
		},
		risk.Thresholds{
			Auto:     cfg.Risk.Thresholds.Auto,
			SemiAuto: cfg.Risk.Thresholds.SemiAuto,
			Manual:   cfg.Risk.Thresholds.Manual,
		},
		risk.Approvals{
			SemiAuto: cfg.Risk.Approvals.SemiAuto,
			Manual:   cfg.Risk.Approvals.Manual,
		},
	)

	library, err := playbook.NewLibrary(cfg.Playbooks.Dir, logger)
	if err != nil {
		logger.Error("failed to load playbooks", slog.Any("error", err))
		os.Exit(1)
	}

	auditOpts := audit.Options{LoadDays: cfg.Audit.LoadDays}
	if cfg.Audit.Enabled {
		auditOpts.FilePath = cfg.Audit.LogFile
	}
	trail, err := audit.NewTrail(auditOpts, logger)
	if err != nil {
		logger.Error("failed to open audit trail", slog.Any("error", err))
		os.Exit(1)
	}
	defer trail.Close()

	pl := planner.New(planner.Options{ApprovalTimeout: cfg.Risk.Approvals.Timeout}, assessor, library, trail, logger)

	registry := buildRegistry(cfg, logger)
	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notifications.Enabled && cfg.Notifications.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(
			cfg.Notifications.WebhookURL,
			cfg.Notifications.Timeout,
			cfg.Notifications.RateInterval,
			cacheProvider,
			logger,
		)
	}

	rem := remediation.NewEngine(remediation.Options{
		Enabled:             cfg.Remediation.Enabled,
		DryRun:              cfg.Remediation.DryRun,
		MaxConcurrent:       cfg.Remediation.MaxConcurrent,
		Cooldown:            cfg.Remediation.Cooldown,
		BlacklistNamespaces: cfg.Remediation.BlacklistNamespaces,
	}, registry, trail, notifier, logger)

	core := engine.New(engine.Options{
		DetectionInterval: cfg.Detection.Interval,
		RefreshInterval:   cfg.Baseline.RefreshInterval,
	}, collector, baselines, det, pl, rem, notifier, logger)

	handlers := api.NewHandlers(core, det, baselines, pl, rem, trail, logger)
	server, err := api.NewServer(cfg.Server, handlers, logger)
	if err != nil {
		logger.Error("failed to create api server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if runErr := core.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error("engine exited", slog.Any("error", runErr))
			stop()
		}
	}()

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("api server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("sentinel-core stopped")
}

// buildRegistry assembles the executor set. A missing cluster config degrades
// to the webhook executor alone.
func buildRegistry(cfg *config.Config, logger *slog.Logger) *executors.Registry {
	webhookRetry := executors.RetryPolicy{
		Attempts:       cfg.Executors.Webhook.RetryAttempts,
		InitialBackoff: cfg.Executors.Webhook.RetryBackoff,
	}
	execs := []executors.Executor{
		executors.NewWebhookExecutor(cfg.Executors.Webhook.Timeout, webhookRetry, logger),
	}

	if client := kubernetesClient(cfg.Executors.Kubernetes, logger); client != nil {
		execs = append(execs, executors.NewKubernetesExecutor(client, executors.DefaultRetryPolicy(), cfg.Executors.Kubernetes.Timeout, logger))
	}
	return executors.NewRegistry(execs...)
}

func kubernetesClient(cfg config.KubernetesConfig, logger *slog.Logger) kubernetes.Interface {
	var (
		restCfg *rest.Config
		err     error
	)
	switch {
	case cfg.InCluster:
		restCfg, err = rest.InClusterConfig()
	case cfg.Kubeconfig != "":
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	default:
		logger.Info("kubernetes executor disabled, no cluster config")
		return nil
	}
	if err != nil {
		logger.Warn("kubernetes config unavailable", slog.Any("error", err))
		return nil
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		logger.Warn("kubernetes client unavailable", slog.Any("error", err))
		return nil
	}
	return client
}
