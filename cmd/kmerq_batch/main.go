package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ssuji15/kmerq/internal/batch"
	"github.com/ssuji15/kmerq/internal/config"
	"github.com/ssuji15/kmerq/internal/db"
	"github.com/ssuji15/kmerq/internal/db/repository"
	"github.com/ssuji15/kmerq/internal/index"
	"github.com/ssuji15/kmerq/internal/service/logger"
	"github.com/ssuji15/kmerq/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "kmerq_batch:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kmerq_batch",
		Short:         "Run k-mer similarity searches for a file of queries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSearchCmd())
	return root
}

type searchFlags struct {
	db             string
	subset         string
	index          string
	kmerSize       int
	occurBitLen    int
	maxPAppear     float64
	maxNAppear     int
	precludeHigh   bool
	maxNSeq        int
	minScore       int
	minPSharedKmer float64
	mode           string
	threads        int
	input          string
	output         string
}

func newSearchCmd() *cobra.Command {
	var f searchFlags
	cmd := &cobra.Command{
		Use:   "search --db NAME [flags]",
		Short: "Search every query of --input and print the hits as TSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.db, "db", "", "database to search")
	fl.StringVar(&f.subset, "subset", "", "restrict hits to this subset")
	fl.StringVar(&f.index, "index", "", "index name (km.._ob.._mp...._mn.._ph.)")
	fl.IntVar(&f.kmerSize, "kmersize", 0, "k-mer length of the index")
	fl.IntVar(&f.occurBitLen, "occurbitlen", 0, "occurrence bit width of the index")
	fl.Float64Var(&f.maxPAppear, "maxpappear", 0, "max appearance rate of the index")
	fl.IntVar(&f.maxNAppear, "maxnappear", 0, "max appearance row cap of the index")
	fl.BoolVar(&f.precludeHigh, "precludehighfreqkmer", false, "index excludes high frequency k-mers")
	fl.IntVar(&f.maxNSeq, "maxnseq", 1000, "max hits per query, 0 for unlimited")
	fl.IntVar(&f.minScore, "minscore", 1, "minimum match score")
	fl.Float64Var(&f.minPSharedKmer, "minpsharedkmer", 0.5, "minimum shared k-mer rate")
	fl.StringVar(&f.mode, "mode", string(model.ModeMatchScore), "output mode: minimum, matchscore, sequence or maximum")
	fl.IntVar(&f.threads, "threads", 0, "concurrent searches (default BATCH_THREADS or 1)")
	fl.StringVarP(&f.input, "input", "i", "-", "query file, - for stdin, .gz accepted")
	fl.StringVarP(&f.output, "output", "o", "-", "output file, - for stdout")
	_ = cmd.MarkFlagRequired("db")
	cmd.MarkFlagsMutuallyExclusive("index", "kmersize")
	cmd.MarkFlagsMutuallyExclusive("index", "occurbitlen")
	cmd.MarkFlagsMutuallyExclusive("index", "maxpappear")
	cmd.MarkFlagsMutuallyExclusive("index", "maxnappear")
	cmd.MarkFlagsMutuallyExclusive("index", "precludehighfreqkmer")
	return cmd
}

func runSearch(cmd *cobra.Command, f searchFlags) error {
	ctx := cmd.Context()
	logger.InitWithWriter(os.Stderr, "kmerq_batch", os.Getenv("LOG_LEVEL"))
	ctx = logger.WithContext(ctx, logger.Log)

	bcfg, err := config.GetBatchConfig()
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("threads") {
		f.threads = bcfg.THREADS
	}
	if f.threads < 1 {
		return fmt.Errorf("--threads must be at least 1")
	}
	mode := model.OutputMode(f.mode)
	if !mode.Valid() {
		return fmt.Errorf("invalid --mode %q", f.mode)
	}
	if f.minPSharedKmer < 0 || f.minPSharedKmer > 1 {
		return fmt.Errorf("--minpsharedkmer must be in [0, 1]")
	}
	if f.maxNSeq < 0 || f.minScore < 0 {
		return fmt.Errorf("--maxnseq and --minscore must not be negative")
	}

	maxLen, err := catalogMaxLen(f.db, f.subset)
	if err != nil {
		return err
	}
	target, err := flagTarget(cmd, f)
	if err != nil {
		return err
	}

	pcfg, err := config.GetPostgresConfig()
	if err != nil {
		return err
	}
	if pcfg.MAX_CONNS < f.threads {
		// one connection per concurrent query
		pcfg.MAX_CONNS = f.threads
	}
	pools := db.NewPools(pcfg)
	defer pools.Close()
	databases := repository.NewDatabases(pools)

	available, err := index.NewDiscovery(databases, nil).Indexes(ctx, f.db)
	if err != nil {
		return err
	}
	chosen, err := index.Select(available, target)
	if err != nil {
		return err
	}

	in, err := batch.OpenInput(f.input)
	if err != nil {
		return err
	}
	defer in.Close()

	out := os.Stdout
	if f.output != "" && f.output != "-" {
		out, err = os.Create(f.output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer out.Close()
	}

	_, err = batch.Run(ctx, databases, batch.Options{
		Database:       f.db,
		Subset:         f.subset,
		Index:          chosen,
		MaxNSeq:        f.maxNSeq,
		MinScore:       f.minScore,
		MinPSharedKmer: f.minPSharedKmer,
		Mode:           mode,
		MaxLen:         maxLen,
		Threads:        f.threads,
	}, in, out)
	return err
}

// catalogMaxLen checks db and subset against DATABASES_FILE when it is set.
func catalogMaxLen(database, subset string) (int, error) {
	path := os.Getenv("DATABASES_FILE")
	if path == "" {
		return 0, nil
	}
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return 0, err
	}
	d, ok := catalog.Lookup(database)
	if !ok {
		return 0, fmt.Errorf("unknown database %q", database)
	}
	if subset != "" && !d.HasSubset(subset) {
		return 0, fmt.Errorf("database %s has no subset %q", database, subset)
	}
	return d.MaxLen, nil
}

func flagTarget(cmd *cobra.Command, f searchFlags) (index.Target, error) {
	if f.index != "" {
		d, err := index.ParseName(f.index)
		if err != nil {
			return index.Target{}, err
		}
		return index.TargetOf(d), nil
	}
	var t index.Target
	changed := cmd.Flags().Changed
	if changed("kmersize") {
		t.KmerSize = &f.kmerSize
	}
	if changed("occurbitlen") {
		t.OccurBitLen = &f.occurBitLen
	}
	if changed("maxpappear") {
		if err := index.ValidateRate(f.maxPAppear); err != nil {
			return index.Target{}, err
		}
		t.MaxPAppear = &f.maxPAppear
	}
	if changed("maxnappear") {
		t.MaxNAppear = &f.maxNAppear
	}
	if changed("precludehighfreqkmer") {
		t.PrecludeHighFreqKmer = &f.precludeHigh
	}
	return t, nil
}
