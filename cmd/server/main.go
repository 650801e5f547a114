package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"clinical-coach/internal/adapter"
	"clinical-coach/internal/coach"
	"clinical-coach/internal/config"
	"clinical-coach/internal/ingest"
	"clinical-coach/internal/logger"
	"clinical-coach/internal/platform/notify"
	"clinical-coach/internal/report"
)

func main() {
	cfg := config.LoadConfig()
	log := logger.New(logger.Options{
		Level:     cfg.LogLevel,
		Env:       cfg.Env,
		File:      cfg.LogFile,
		ToConsole: cfg.LogToConsole,
	})
	defer log.Sync()

	log.Info("starting clinical coach",
		zap.String("env", cfg.Env),
		zap.String("port", cfg.Port))

	// Infrastructure
	db := connectDatabase(cfg, log)
	if db != nil {
		defer db.Close()
		runMigrations(cfg, log)
	}

	// Adapters
	extraction := adapter.NewExtractionClient(cfg.ExtractionURL)
	retrieval := adapter.NewRetrievalClient(cfg.RetrievalURL, cfg.RetrievalTopK)

	var imaging coach.ImageClassifier
	if cfg.ImagingURL != "" {
		imaging = adapter.NewImagingClient(cfg.ImagingURL)
	}

	var escalator coach.Escalator
	if cfg.EscalationWebhookURL != "" {
		escalator = notify.NewClient(cfg.EscalationWebhookURL)
	} else {
		log.Warn("ESCALATION_WEBHOOK_URL not set, critical alerts stay in-process")
	}

	var archiver coach.Archiver
	if db != nil {
		archiver = coach.NewPostgresArchive(db)
	}

	reporter := report.NewService(report.NewDirSink(cfg.ReportDir), log)

	opts := coach.DefaultOptions()
	opts.AskThreshold = cfg.AskThreshold
	opts.MarginThreshold = cfg.MarginThreshold
	opts.Fusion.TextWeight = cfg.TextWeight
	opts.Fusion.ImagingWeight = cfg.ImagingWeight
	opts.Fusion.SingleSourcePenalty = cfg.SingleSourcePenalty
	opts.AdapterTimeout = cfg.AdapterTimeout
	opts.IdleTimeout = cfg.IdleTimeout
	opts.GracePeriod = cfg.GracePeriod

	registry := coach.NewRegistry(opts, coach.Deps{
		Extractor: extraction,
		Retriever: retrieval,
		Imaging:   imaging,
		Archiver:  archiver,
		Reporter:  reporter,
		Escalator: escalator,
		Logger:    log,
	})

	handler := coach.NewHandler(registry, log)

	// Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS for frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
			if r.Method == "OPTIONS" {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api", func(r chi.Router) {
		coach.RegisterRoutes(r, handler)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.KafkaEnabled {
		go func() {
			err := ingest.RunTranscriptConsumer(ctx, ingest.KafkaConfig{
				Brokers:       cfg.KafkaBrokers,
				Topic:         cfg.TranscriptTopic,
				ConsumerGroup: cfg.ConsumerGroup,
			}, registry, log)
			if err != nil {
				log.Error("transcript consumer stopped", zap.Error(err))
			}
		}()
	}

	if cfg.MQTTEnabled {
		mqttClient, err := ingest.InitializeMQTT(ingest.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.VitalsTopic,
		}, registry, log)
		if err != nil {
			log.Error("failed to initialize MQTT client", zap.Error(err))
		} else {
			defer mqttClient.Disconnect(250)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-sigChan
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	registry.Shutdown()
	log.Info("all services closed, exiting")
}

func connectDatabase(cfg *config.Config, log *zap.Logger) *sql.DB {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, case archive disabled")
		return nil
	}

	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			break
		}
		log.Info("waiting for database", zap.Int("attempt", i+1))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		log.Warn("could not connect to database, case archive disabled", zap.Error(err))
		return nil
	}
	log.Info("connected to database")
	return db
}

func runMigrations(cfg *config.Config, log *zap.Logger) {
	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.DatabaseURL)
	if err != nil {
		log.Error("migration init failed", zap.Error(err))
		return
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		log.Error("migration up failed", zap.Error(err))
		return
	}
	log.Info("migrations applied")
}
