package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/cortexdc/orchestrator/internal/analytics"
	"github.com/cortexdc/orchestrator/internal/audit"
	"github.com/cortexdc/orchestrator/internal/auth"
	"github.com/cortexdc/orchestrator/internal/catalog"
	"github.com/cortexdc/orchestrator/internal/cleanup"
	"github.com/cortexdc/orchestrator/internal/config"
	"github.com/cortexdc/orchestrator/internal/deploy"
	"github.com/cortexdc/orchestrator/internal/executor"
	"github.com/cortexdc/orchestrator/internal/httpserver"
	"github.com/cortexdc/orchestrator/internal/store"
)

func enforceProdGuardrails() {
	env := os.Getenv("ORCH_ENV")
	if env == "" {
		env = "development"
	}
	if env == "production" {
		if strings.EqualFold(os.Getenv("ORCH_ALLOW_DEBUG_ACTOR"), "true") {
			log.Fatalf("[startup] ORCH_ALLOW_DEBUG_ACTOR=true is forbidden in production")
		}
		if os.Getenv("ORCH_INVOKER_URL") == "" {
			log.Fatalf("[startup] ORCH_INVOKER_URL is required in production; the static invoker is development-only")
		}
	}
}

func main() {
	runStreamer := flag.Bool("run-streamer", false, "start the audit compliance streamer")
	runRefresher := flag.Bool("run-refresher", false, "start the analytics rollup refresher")
	flag.Parse()

	enforceProdGuardrails()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	st := store.NewPGStore(db)
	auditLog := audit.NewPGLog(db)
	guard := auth.NewGuard()

	var invoker executor.Invoker = executor.NewStaticInvoker()
	if cfg.InvokerURL != "" {
		httpInvoker, err := executor.NewHTTPInvoker(executor.HTTPInvokerConfig{
			BaseURL: cfg.InvokerURL,
			Timeout: cfg.InvokerTimeout,
		})
		if err != nil {
			log.Fatalf("invoker init: %v", err)
		}
		invoker = httpInvoker
	} else {
		log.Printf("[startup] no invoker URL configured, step operations run against the static invoker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var objects cleanup.ObjectStore
	if cfg.ArtifactBucket != "" {
		s3Objects, err := cleanup.NewS3ObjectStore(ctx, cfg.ArtifactBucket, cfg.ArtifactPrefix)
		if err != nil {
			log.Fatalf("object store init: %v", err)
		}
		objects = s3Objects
	} else {
		log.Printf("[startup] no artifact bucket configured, artifact operations are disabled")
	}

	cleanupMgr := cleanup.NewManager(st, objects, invoker)
	exec := executor.New(invoker)
	cat := catalog.New(st, guard, auditLog)
	orch := deploy.New(st, exec, guard, auditLog, cleanupMgr)
	agg := analytics.New(st)

	server := httpserver.New(cfg, cat, orch, cleanupMgr, agg, auditLog, guard, st)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	if shouldRun(*runStreamer, "ORCH_STREAMER") {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.AuditTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		defer producer.Close()
		var archiver audit.Archiver
		if cfg.ArtifactBucket != "" {
			s3Archiver, err := audit.NewS3Archiver(ctx, cfg.ArtifactBucket, cfg.ArtifactPrefix)
			if err != nil {
				log.Fatalf("audit archiver init: %v", err)
			}
			archiver = s3Archiver
		}
		streamer := audit.NewStreamer(auditLog, producer, archiver, audit.StreamerConfig{})
		log.Printf("starting audit streamer")
		go func() {
			if err := streamer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("audit streamer stopped: %v", err)
			}
		}()
	}

	if shouldRun(*runRefresher, "ORCH_REFRESHER") {
		refresher := analytics.NewRefresher(agg, st, analytics.RefresherConfig{Interval: cfg.AnalyticsInterval})
		log.Printf("starting analytics refresher")
		go func() {
			if err := refresher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("analytics refresher stopped: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("scenario orchestrator listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func shouldRun(flagValue bool, envVar string) bool {
	if flagValue {
		return true
	}
	if v := os.Getenv(envVar); v != "" {
		enabled, err := strconv.ParseBool(v)
		return err == nil && enabled
	}
	return false
}
