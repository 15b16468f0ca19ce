// Command councild wires every council component together and serves the
// Chat protocol over HTTP, in config-then-logger-then-OTel-then-backends
// order.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"council/internal/budget"
	"council/internal/config"
	"council/internal/health"
	"council/internal/hostinfo"
	"council/internal/memory"
	"council/internal/observability"
	"council/internal/orchestrator"
	"council/internal/persistence/databases"
	"council/internal/providers"
	"council/internal/specialist"
	"council/internal/summarizer"
	"council/internal/transport"
	"council/internal/voting"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("councild")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()

	shutdown, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	httpClient := observability.NewHTTPClient(&http.Client{Transport: tr})

	metrics := observability.NewMetrics("council")

	mgr, err := databases.NewManager(baseCtx, databases.BackendConfig{
		DefaultDSN:       cfg.Databases.DefaultDSN,
		VectorBackend:    cfg.Databases.VectorBackend,
		VectorDSN:        cfg.Databases.VectorDSN,
		VectorDimensions: cfg.Databases.VectorDimensions,
		VectorMetric:     cfg.Databases.VectorMetric,
		QdrantCollection: cfg.Databases.QdrantCollection,
		SessionBackend:   cfg.Databases.SessionBackend,
		SessionDSN:       cfg.Databases.SessionDSN,
	})
	if err != nil {
		return fmt.Errorf("init databases: %w", err)
	}
	defer mgr.Close()

	var embedder memory.Embedder
	if cfg.Memory.EmbedderURL != "" {
		embedder = memory.NewHTTPEmbedder(cfg.Memory.EmbedderURL, cfg.Memory.EmbedderModel, cfg.Memory.EmbedderAPIKey, cfg.Memory.EmbeddingDim, httpClient)
	} else {
		embedder = memory.NewDeterministic(cfg.Memory.EmbeddingDim, 1)
	}

	mem, err := memory.New(memory.Config{
		Dimension:       cfg.Memory.EmbeddingDim,
		FlushInterval:   cfg.Memory.FlushInterval,
		ReindexInterval: cfg.Memory.ReindexInterval,
		ArchiveAge:      time.Duration(cfg.Memory.ArchiveAgeDays) * 24 * time.Hour,
		PurgeAge:        time.Duration(cfg.Memory.PurgeAgeDays) * 24 * time.Hour,
		SessionTTL:      time.Duration(cfg.Memory.SessionTTLDays) * 24 * time.Hour,
		DurableLogPath:  cfg.Memory.DurableLogPath,
	}, mgr.Vector, mgr.Session, embedder, metrics)
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	defer mem.Close()

	if err := mem.Replay(baseCtx); err != nil {
		log.Warn().Err(err).Msg("memory_replay_failed_continuing_empty")
	}

	guard := budget.New(cfg.Budget.PerRequestUSD, cfg.Budget.SessionUSD, cfg.Budget.DailyUSD, cfg.Budget.ResetUTC)

	registry, err := providers.New(baseCtx, cfg, guard, metrics)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}

	runner := specialist.New(registry, guard)
	votingEngine := voting.New(runner, cfg.Voting.Deadline)
	summariser := summarizer.New(registry, "local")

	var dedupe orchestrator.DedupeStore
	if cfg.Redis.Addr != "" {
		store, err := orchestrator.NewRedisDedupeStore(cfg.Redis.Addr)
		if err != nil {
			log.Warn().Err(err).Msg("redis_dedupe_unavailable_continuing_without_dedup")
		} else {
			dedupe = store
		}
	}

	var alerts *health.AlertPublisher
	brokers := splitCSV(cfg.Kafka.Brokers)
	if len(brokers) > 0 {
		alerts = health.NewAlertPublisher(brokers, cfg.Kafka.AlertsTopic, 2, *observability.LoggerWithTrace(baseCtx))
		defer func() {
			if err := alerts.Close(); err != nil {
				log.Error().Err(err).Msg("health_alert_publisher_close_failed")
			}
		}()
	}

	monitor := health.New(health.Config{
		GPULowUtilPct:      cfg.Health.GPULowUtilPct,
		GPULowUtilWindow:    cfg.Health.GPULowUtilWindow,
		DraftLatencyP95Ms:  cfg.Health.DraftLatencyP95Ms,
		DraftLatencyWindow: cfg.Health.DraftLatencyWindow,
		PendingQueueWarn:   cfg.Health.PendingQueueWarn,
	}, guard, cfg.Budget.DailyUSD, mem.PendingLen, metrics, alerts)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go sampleHostLoad(ctx, monitor)

	orch := orchestrator.New(cfg, registry, guard, mem, summariser, votingEngine, monitor, mgr.Session, cfg.Specialists, metrics, dedupe)

	srv := transport.New(orch, mem, monitor, guard, registry)
	httpSrv := &http.Server{
		Addr:              ":8088",
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("councild listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http_server_shutdown_failed")
	}

	log.Info().Msg("councild stopped")
	return nil
}

// sampleHostLoad feeds HealthMonitor's UpstreamCPU condition from this
// host's CPU utilisation, the local-inference-host load proxy named in
// internal/hostinfo.
func sampleHostLoad(ctx context.Context, monitor *health.Monitor) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pct, err := hostinfo.CPUUtilisation(ctx)
			if err != nil {
				continue
			}
			monitor.SampleGPU(pct)
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
