package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/quartermasters/taxi-dispatch/internal/broker"
	"github.com/quartermasters/taxi-dispatch/internal/config"
	"github.com/quartermasters/taxi-dispatch/internal/directory"
	"github.com/quartermasters/taxi-dispatch/internal/eta"
	httpapi "github.com/quartermasters/taxi-dispatch/internal/http"
	"github.com/quartermasters/taxi-dispatch/internal/ingest"
	"github.com/quartermasters/taxi-dispatch/internal/lifecycle"
	"github.com/quartermasters/taxi-dispatch/internal/logging"
	"github.com/quartermasters/taxi-dispatch/internal/notify"
	"github.com/quartermasters/taxi-dispatch/internal/payments"
	"github.com/quartermasters/taxi-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN, logger.Info)
	}

	var dir directory.Directory
	if cfg.RedisAddr != "" {
		dir = directory.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		dir = directory.NewMemory()
	}

	var store interface {
		storage.TripStore
		storage.EventLog
	}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	hub := notify.NewHub(logger)
	if cfg.FCMEndpoint != "" {
		hub.Fallback = notify.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}

	var pay payments.Client
	if os.Getenv("STRIPE_API_KEY") != "" {
		pay = payments.NewStripeClient()
	}

	machine := lifecycle.NewMachine(store, store, dir, hub, pay, logger)
	bk := broker.New(broker.Config{
		OfferWindow:      cfg.OfferWindow,
		MaxAttempts:      cfg.MaxAttempts,
		SearchRetryDelay: cfg.SearchRetryDelay,
		SearchRadiusKm:   cfg.SearchRadiusKm,
		DefaultSpeedMps:  cfg.DefaultSpeedMps,
	}, store, dir, machine, hub, logger)
	machine.SetCancelHook(bk.CancelDispatch)
	if cfg.OSRMEndpoint != "" {
		bk.SetETA(eta.NewOSRMClient(cfg.OSRMEndpoint), eta.NewCache(cfg.OfferWindow*10))
	}

	srv := httpapi.NewServer(cfg, logger, machine, bk, dir, hub, kp, pay)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("taxi-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string, logf func(msg string, args ...any)) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trips.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	logf("migration applied", "file", "001_create_trips.sql")
}
