/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command selfheal is the self-healing core's process entrypoint: it
// loads configuration, wires every core component against its
// backing stores, starts the reconciliation sweep jobs and the metrics endpoint,
// and blocks until asked to shut down.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jordigilh/selfheal/internal/config"
	"github.com/jordigilh/selfheal/pkg/breaker"
	"github.com/jordigilh/selfheal/pkg/classifier"
	"github.com/jordigilh/selfheal/pkg/correction"
	"github.com/jordigilh/selfheal/pkg/correction/datacorrector"
	"github.com/jordigilh/selfheal/pkg/correction/pipelineadjuster"
	"github.com/jordigilh/selfheal/pkg/correction/resourceoptimizer"
	"github.com/jordigilh/selfheal/pkg/hooks"
	"github.com/jordigilh/selfheal/pkg/issue"
	"github.com/jordigilh/selfheal/pkg/learning"
	"github.com/jordigilh/selfheal/pkg/lineage"
	"github.com/jordigilh/selfheal/pkg/metadata"
	"github.com/jordigilh/selfheal/pkg/modelclient"
	"github.com/jordigilh/selfheal/pkg/notification"
	"github.com/jordigilh/selfheal/pkg/notification/delivery"
	"github.com/jordigilh/selfheal/pkg/observability"
	"github.com/jordigilh/selfheal/pkg/orchestrator"
	"github.com/jordigilh/selfheal/pkg/pattern"
	"github.com/jordigilh/selfheal/pkg/rootcause"
	"github.com/jordigilh/selfheal/pkg/schema"
	"github.com/jordigilh/selfheal/pkg/shared/logging"
	"github.com/jordigilh/selfheal/pkg/store"
	"github.com/jordigilh/selfheal/pkg/store/memory"
	"github.com/jordigilh/selfheal/pkg/store/objectstore"
	"github.com/jordigilh/selfheal/pkg/store/postgres"
)

func main() {
	var configPath string
	var metricsAddr string
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file (defaults applied when omitted)")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Address the Prometheus /metrics endpoint listens on")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selfheal: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "selfheal: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := wire(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("wiring failed", logging.NewFields().Error(err).ToZap()...)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	app.breakerFor("metadata-store").SetMetrics(metrics)
	app.breakerFor("schema-registry").SetMetrics(metrics)
	app.breakerFor("model-client").SetMetrics(metrics)
	app.orchestrator.SetMetrics(metrics)

	sched := cron.New()
	if _, _, err := app.orchestrator.ScheduleSweeps(sched,
		"@every 5m",
		time.Duration(cfg.OrphanTimeoutMinutes)*time.Minute,
		time.Duration(cfg.ApprovalTimeoutHours)*time.Hour,
	); err != nil {
		logger.Fatal("scheduling healing sweeps failed", logging.NewFields().Error(err).ToZap()...)
	}
	if _, err := pattern.ScheduleLearningSweep(sched, "@every 30m", app.patterns,
		func() []pattern.UnmatchedIssue { return nil }, 5, 0.8,
	); err != nil {
		logger.Fatal("scheduling pattern learning sweep failed", logging.NewFields().Error(err).ToZap()...)
	}
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", logging.NewFields().Error(err).ToZap()...)
		}
	}()

	logger.Info("selfheal core started", logging.NewFields().
		Custom("metrics_addr", metricsAddr).
		Custom("healing_mode", string(cfg.HealingMode)).
		ToZap()...)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// app holds every wired core component. Most are only reachable
// through this struct — main's job ends at wiring + starting the
// sweepers/metrics server, since request-driven invocation of any one
// component is out of this core's scope (no REST surface here).
type app struct {
	breakers          map[string]*breaker.Breaker
	messageClassifier *classifier.Classifier
	metadataStore     *metadata.Store
	lineageGraph      *lineage.Graph
	schemaRegistry    *schema.Registry
	issueSelector     *issue.Selector
	patterns          *pattern.Recognizer
	actions           *pattern.ActionStore
	rootCause         *rootcause.Analyzer
	objects           store.ObjectStore
	orchestrator      *orchestrator.Orchestrator
	hooks             *hooks.Hooks
	learning          *learningComponents
}

type learningComponents struct {
	collector *learning.Collector
	analyzer  *learning.Analyzer
	knowledge *learning.KnowledgeBase
	trainer   *learning.Trainer
}

func (a *app) breakerFor(name string) *breaker.Breaker {
	b, ok := a.breakers[name]
	if !ok {
		b = breaker.NewCircuitBreaker(name, 0.5, 30*time.Second)
		a.breakers[name] = b
	}
	return b
}

// wire constructs every core component against the stores selected
// by cfg.
func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	nextID := func() string { return uuid.NewString() }
	now := time.Now

	docs, analytical, err := buildDocumentStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build document stores: %w", err)
	}
	objects := buildObjectStore(cfg)

	resetTimeout, err := time.ParseDuration(cfg.CircuitBreaker.ResetTimeout)
	if err != nil {
		resetTimeout = 30 * time.Second
	}
	consecThresh := cfg.CircuitBreaker.ConsecutiveFailureThreshold
	if consecThresh == 0 {
		consecThresh = 5
	}
	breakers := map[string]*breaker.Breaker{
		"metadata-store":  breaker.NewConsecutiveCircuitBreaker("metadata-store", consecThresh, resetTimeout),
		"schema-registry": breaker.NewConsecutiveCircuitBreaker("schema-registry", consecThresh, resetTimeout),
		"model-client":    breaker.NewConsecutiveCircuitBreaker("model-client", consecThresh, resetTimeout),
	}
	for _, b := range breakers {
		b.SetLogger(logger)
	}

	messageClassifier := classifier.New(classifier.WithMaxRetries(cfg.MaxRetryAttempts))

	// Every document-store consumer goes through a breaker-guarded
	// handle so a down backend fails fast with a classified error
	// instead of hanging every component; the schema registry gets its
	// own named breaker since its availability is tracked separately.
	guardedDocs := store.NewGuardedDocumentStore(docs, breakers["metadata-store"], messageClassifier, logger)
	registryDocs := store.NewGuardedDocumentStore(docs, breakers["schema-registry"], messageClassifier, logger)

	metaStore := metadata.New(guardedDocs, analytical, now)
	lineageGraph := lineage.New(guardedDocs, now)
	schemaRegistry := schema.New(registryDocs, nextID)

	localClassifier := issue.NewLocalClassifier(nil, issue.DefaultConfidenceThreshold)
	localClassifier.SetLogger(logger)
	var remoteClassifier *issue.RemoteClassifier
	if cfg.Model.Mode == "remote" {
		predictor := modelclient.NewGuardedPredictor(
			modelclient.NewAnthropicPredictor(cfg.Model.APIKey, anthropic.Model(cfg.Model.Endpoint)),
			breakers["model-client"], messageClassifier, logger,
		)
		remoteClassifier = issue.NewRemoteClassifier(predictor, cfg.Model.Endpoint, cfg.ConfidenceThreshold)
		remoteClassifier.SetLogger(logger)
	}
	issueSelector := issue.NewSelector(cfg.Model.Mode, localClassifier, remoteClassifier)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.VectorDB.Addr,
		Password: cfg.VectorDB.Password,
		DB:       cfg.VectorDB.DB,
	})
	patternCache := pattern.NewCache(rdb, 10*time.Minute)
	patterns := pattern.New(guardedDocs, patternCache, nextID, now)
	actions := pattern.NewActionStore(guardedDocs, nextID)

	rcAnalyzer := rootcause.New(
		rootcause.MetadataEventSource{Store: metaStore},
		rootcause.GopsutilSnapshotter{},
		nextID, 0, 0, 0,
	)

	dataCorrector := datacorrector.New(objects, nextID, nil)
	pipeAdjuster := pipelineadjuster.New(nextID, nil)
	resOptimizer := resourceoptimizer.New(nextID, nil)

	// Six HealingAction kinds map onto three correction engines: data
	// correction and schema evolution both rewrite the dataset in
	// place; pipeline retry, dependency resolution, and parameter
	// adjustment all retune or restart pipeline execution; resource
	// scaling retunes the runtime envelope.
	engines := map[pattern.ActionKind]correction.Engine{
		pattern.ActionDataCorrection:       dataCorrector,
		pattern.ActionSchemaEvolution:      dataCorrector,
		pattern.ActionPipelineRetry:        pipeAdjuster,
		pattern.ActionDependencyResolution: pipeAdjuster,
		pattern.ActionParameterAdjustment:  pipeAdjuster,
		pattern.ActionResourceScaling:      resOptimizer,
	}

	orch := orchestrator.New(guardedDocs, patterns, actions, lineageGraph, engines, nextID, now,
		cfg.MaxRecoveryAttempts, orchestrator.DefaultQueueDepth)
	orch.SetNotifier(notification.NewEmitter(buildNotificationDelivery(cfg), nil))
	orch.SetLogger(logger)

	inbound := hooks.New(metaStore, lineageGraph, issueSelector, patterns, rcAnalyzer, orch,
		pipeAdjuster, nil, hooks.Config{
			Mode:          cfg.HealingMode,
			AutoThreshold: cfg.ApprovalRequiredBelowConfidence,
		}, nextID, now)
	inbound.SetLogger(logger)

	feedback := learning.NewCollector(guardedDocs, actions, nextID, now)
	analyzer := learning.NewAnalyzer(feedback, patterns, actions, learning.DefaultTrendWindow)
	knowledge := learning.NewKnowledgeBase(guardedDocs, nextID, now)
	trainer := learning.NewTrainer(guardedDocs, now, nil)

	logger.Info("components wired", logging.NewFields().
		Custom("document_store_backend", documentStoreBackend(cfg)).
		Custom("object_store_backend", objectStoreBackend(cfg)).
		ToZap()...)

	return &app{
		breakers:          breakers,
		messageClassifier: messageClassifier,
		metadataStore:     metaStore,
		lineageGraph:      lineageGraph,
		schemaRegistry:    schemaRegistry,
		issueSelector:     issueSelector,
		patterns:          patterns,
		actions:           actions,
		rootCause:         rcAnalyzer,
		objects:           objects,
		orchestrator:      orch,
		hooks:             inbound,
		learning: &learningComponents{
			collector: feedback,
			analyzer:  analyzer,
			knowledge: knowledge,
			trainer:   trainer,
		},
	}, nil
}

func documentStoreBackend(cfg *config.Config) string {
	if cfg.Database.DSN != "" {
		return "postgres"
	}
	return "memory"
}

func objectStoreBackend(cfg *config.Config) string {
	if cfg.ObjectStore.Endpoint != "" {
		return "minio"
	}
	return "memory"
}

func buildDocumentStores(ctx context.Context, cfg *config.Config) (store.DocumentStore, store.AnalyticalStore, error) {
	if cfg.Database.DSN == "" {
		return memory.New(func() int64 { return time.Now().UnixNano() }), memory.NewAnalyticalStore(), nil
	}

	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime != "" {
		if d, err := time.ParseDuration(cfg.Database.ConnMaxLifetime); err == nil {
			db.SetConnMaxLifetime(d)
		}
	}
	docs, err := postgres.Open(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("open document store: %w", err)
	}
	// The analytical (BigQuery-shaped) export target has no concrete
	// driver in this pack; memory.NewAnalyticalStore stands in as the
	// export sink until a real warehouse client is wired.
	return docs, memory.NewAnalyticalStore(), nil
}

func buildObjectStore(cfg *config.Config) store.ObjectStore {
	if cfg.ObjectStore.Endpoint == "" {
		return memory.NewObjectStore()
	}
	client, err := minio.New(cfg.ObjectStore.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectStore.AccessKeyID, cfg.ObjectStore.SecretAccessKey, ""),
		Secure: cfg.ObjectStore.UseSSL,
	})
	if err != nil {
		return memory.NewObjectStore()
	}
	return objectstore.NewMinioStore(client, cfg.ObjectStore.Bucket)
}

// buildNotificationDelivery picks the escalation delivery backend:
// a Slack incoming webhook when configured, otherwise the file
// adapter (delivery transport itself is an external
// collaborator, this is the one reference backend wired by default).
func buildNotificationDelivery(cfg *config.Config) delivery.Service {
	if cfg.Notification.SlackWebhookURL != "" {
		return delivery.NewSlackDeliveryService(cfg.Notification.SlackWebhookURL)
	}
	outputDir := cfg.Notification.OutputDir
	if outputDir == "" {
		outputDir = "./notifications"
	}
	return delivery.NewFileDeliveryService(outputDir)
}
