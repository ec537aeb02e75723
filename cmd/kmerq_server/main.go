package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ssuji15/kmerq/internal/component"
	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/db"
	"github.com/ssuji15/kmerq/internal/db/repository"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/jobstore"
	"github.com/ssuji15/kmerq/internal/launcher"
	jobservice "github.com/ssuji15/kmerq/internal/service/job_service"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/internal/web"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	scfg, err := config.GetServerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	jcfg, err := config.GetJobStoreConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	pcfg, err := config.GetPostgresConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME, cfg.LOG_LEVEL)

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer shutdownTracer(context.Background())
	}

	catalog, err := config.LoadCatalog(scfg.DATABASES_FILE)
	if err != nil {
		log.Fatalf("catalog error: %v", err)
	}

	lock, err := jobstore.AcquireServerLock(jcfg.PATH)
	if err != nil {
		log.Fatalf("job store lock error: %v", err)
	}
	defer lock.Unlock()

	store, err := jobstore.Open(ctx, jobstore.Config{Path: jcfg.PATH, BusyTimeout: jcfg.BUSY_TIMEOUT})
	if err != nil {
		log.Fatalf("job store initialization error: %v", err)
	}

	cache, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	if err != nil {
		log.Fatalf("cache initialization error: %v", err)
	}

	pools := db.NewPools(pcfg)
	databases := repository.NewDatabases(pools)
	discovery := index.NewDiscovery(databases, cache)

	var (
		workers   launcher.WorkerLauncher
		inprocess *launcher.InProcessLauncher
	)
	switch scfg.LAUNCHER_TYPE {
	case config.LauncherInProcess:
		runner, err := jobservice.NewRunner(store, databases, catalog)
		if err != nil {
			log.Fatalf("runner initialization error: %v", err)
		}
		inprocess = launcher.NewInProcessLauncher(runner.RunJob)
		workers = inprocess
	default:
		workers, err = launcher.NewProcessLauncher(scfg.WORKER_BINARY, scfg.WORKER_LOG_DIR)
		if err != nil {
			log.Fatalf("launcher initialization error: %v", err)
		}
	}

	js, err := jobservice.NewJobService(store, catalog, discovery, workers, jobservice.OptionsFromConfig(scfg))
	if err != nil {
		log.Fatalf("job service initialization error: %v", err)
	}

	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		js.RunSweeper(ctx)
	}()

	server := web.NewServer(js, web.Options{MaxBodyBytes: scfg.MAX_BODY_BYTES})

	srv := &http.Server{
		Addr:              scfg.LISTEN_ADDR,
		Handler:           server.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", scfg.LISTEN_ADDR).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("graceful shutdown failed")
	}
	server.Close()
	cancel()
	sweeper.Wait()

	// running process workers outlive the server and finish on their own;
	// in-process ones are interrupted and reported lost by the next sweep
	if inprocess != nil {
		inprocess.CancelAll()
		inprocess.Wait()
	}

	var wg sync.WaitGroup
	shutdown := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(shutdownCtx)
		}()
	}
	shutdown(func(context.Context) { pools.Close() })
	shutdown(cache.ShutDown)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("server shutdown gracefully.")
	case <-shutdownCtx.Done():
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
	if err := store.Close(); err != nil {
		logger.Log.Error().Err(err).Msg("failed to close job store")
	}
}
