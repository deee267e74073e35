// probed serves top-activation queries over an activation source: a
// precomputed store collected by cmd/collect, or a live source running
// the instrumented reference model over a replayed input corpus.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-probe/cmd/probed/handlers"
	"github.com/23skdu/longbow-probe/internal/checkpoint"
	"github.com/23skdu/longbow-probe/internal/config"
	"github.com/23skdu/longbow-probe/internal/logger"
	"github.com/23skdu/longbow-probe/internal/model"
	"github.com/23skdu/longbow-probe/internal/recorder"
	"github.com/23skdu/longbow-probe/internal/sae"
	"github.com/23skdu/longbow-probe/internal/search"
	"github.com/23skdu/longbow-probe/internal/source"
)

var (
	configPath  = flag.String("config", "", "Path to YAML or JSON config file")
	storeDir    = flag.String("store", "", "Directory of a collected activation store (implies from_disk)")
	dataPath    = flag.String("data", "", "Directory of a collected input store for live capture")
	layerName   = flag.String("layer", "", "Instrumented layer name")
	saePath     = flag.String("checkpoint", "", "Sparse autoencoder checkpoint for live encoding")
	batchSize   = flag.Int("batch", 0, "Batch size (0 = config default)")
	subsetSize  = flag.Int("subset", 0, "Limit corpus to first N examples (0 = all)")
	host        = flag.String("host", "", "Host to bind to")
	port        = flag.Int("port", 0, "HTTP server port")
	metricsPort = flag.Int("metrics-port", 0, "Prometheus metrics port")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "", "Log format (console, json)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.Log.Component("probed")

	src, err := buildSource(cfg)
	if err != nil {
		log.Fatal("source initialization failed", "error", err)
	}
	defer src.Close()

	ix, err := search.New(src)
	if err != nil {
		log.Fatal("index initialization failed", "error", err)
	}
	st := ix.Status()
	log.Info("index ready", "source", cfg.SourceKind().String(),
		"layer", st.LayerName, "features", st.FeatureCount, "examples", src.Len())

	if cfg.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	logging := handlers.NewLoggingMiddleware()
	mux.Handle("/status", handlers.StatusHandler(ix))
	mux.Handle("/top_files", handlers.TopFilesHandler(ix))
	mux.Handle("/export", handlers.ExportHandler(ix))
	mux.Handle("/healthz", handlers.HealthzHandler())

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: logging.Middleware(mux),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Info("serving queries", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", "error", err)
	}
}

// loadConfig layers flags over the config file over defaults.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg.ApplyEnv()
	}
	if *storeDir != "" {
		cfg.StoreDir = *storeDir
		cfg.FromDisk = true
	}
	if *dataPath != "" {
		cfg.DataPath = *dataPath
	}
	if *layerName != "" {
		cfg.LayerName = *layerName
	}
	if *saePath != "" {
		cfg.SAECheckpoint = *saePath
	}
	if *batchSize > 0 {
		cfg.BatchSize = *batchSize
	}
	if *subsetSize > 0 {
		cfg.SubsetSize = *subsetSize
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *metricsPort > 0 {
		cfg.MetricsPort = *metricsPort
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	return cfg, cfg.Validate()
}

func buildSource(cfg config.Config) (source.Source, error) {
	if cfg.SourceKind() == config.SourcePrecomputed {
		return source.NewPrecomputed(cfg.StoreDir, cfg.LayerName, cfg.BatchSize, cfg.SubsetSize)
	}

	if cfg.DataPath == "" {
		return nil, fmt.Errorf("live source requires data_path (a collected input store)")
	}
	loader, err := source.NewStoreLoader(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open input store: %w", err)
	}

	m := model.NewTranscriber(model.DefaultTranscriberConfig())
	rec, err := recorder.New(m, cfg.LayerPatterns,
		recorder.WithTruncateWidth(cfg.TruncateWidth))
	if err != nil {
		return nil, err
	}

	var ae sae.Autoencoder
	if cfg.SAECheckpoint != "" {
		ae, err = checkpoint.Load(cfg.SAECheckpoint)
		if err != nil {
			return nil, fmt.Errorf("load autoencoder: %w", err)
		}
	}
	return source.NewLive(loader, rec, ae, cfg.LayerName,
		cfg.BatchSize, cfg.PrefetchWorkers, cfg.SubsetSize)
}
