package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/db"
	"github.com/ssuji15/kmerq/internal/db/repository"
	"github.com/ssuji15/kmerq/internal/job_tracer"
	"github.com/ssuji15/kmerq/internal/jobstore"
	"github.com/ssuji15/kmerq/internal/launcher"
	jobservice "github.com/ssuji15/kmerq/internal/service/job_service"
	"github.com/ssuji15/kmerq/internal/service/logger"
)

func main() {
	var jobID string
	cmd := &cobra.Command{
		Use:           "kmerq_worker --job-id ID",
		Short:         "Run one stored search job and record its result",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), jobID)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "id of the job to run")
	_ = cmd.MarkFlagRequired("job-id")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "kmerq_worker:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, jobID string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}
	scfg, err := config.GetServerConfig()
	if err != nil {
		return err
	}
	jcfg, err := config.GetJobStoreConfig()
	if err != nil {
		return err
	}
	pcfg, err := config.GetPostgresConfig()
	if err != nil {
		return err
	}
	logger.Init(cfg.SERVICE_NAME+"-worker", cfg.LOG_LEVEL)
	log := logger.ForJob(ctx, jobID)

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME+"-worker", cfg.TRACE_URL)
		if err != nil {
			return fmt.Errorf("error initialising trace: %w", err)
		}
		defer shutdownTracer(context.Background())
	}
	ctx = job_tracer.RestoreTraceContext(ctx, os.Getenv(launcher.TraceParentEnv))

	catalog, err := config.LoadCatalog(scfg.DATABASES_FILE)
	if err != nil {
		return err
	}

	store, err := jobstore.Open(ctx, jobstore.Config{Path: jcfg.PATH, BusyTimeout: jcfg.BUSY_TIMEOUT})
	if err != nil {
		return err
	}
	defer store.Close()

	pools := db.NewPools(pcfg)
	defer pools.Close()

	runner, err := jobservice.NewRunner(store, repository.NewDatabases(pools), catalog)
	if err != nil {
		return err
	}

	log.Info().Msg("worker started")
	err = runner.RunJob(ctx, jobID)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("worker cancelled")
		return nil
	}
	return err
}
