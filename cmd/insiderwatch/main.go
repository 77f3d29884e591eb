package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rewired-gh/insiderwatch/internal/config"
	"github.com/rewired-gh/insiderwatch/internal/enrich"
	"github.com/rewired-gh/insiderwatch/internal/logger"
	"github.com/rewired-gh/insiderwatch/internal/models"
	"github.com/rewired-gh/insiderwatch/internal/openinsider"
	"github.com/rewired-gh/insiderwatch/internal/pipeline"
	"github.com/rewired-gh/insiderwatch/internal/storage"
	"github.com/rewired-gh/insiderwatch/internal/telegram"
	"github.com/rewired-gh/insiderwatch/internal/yahoo"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")
	dryRun     = flag.Bool("dry-run", false, "Compute and log every step without writing or sending anything")
	historyN   = flag.Int("n", 10, "Number of runs shown by the history command")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: insiderwatch [flags] <command>

Commands:
  ingest    fetch OpenInsider and append new purchases
  enrich    attach market data to records that have none
  notify    classify, commit snapshots and send the delta
  run       ingest, enrich and notify in one go (default)
  history   show recent step summaries

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	command := "run"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	if command == "history" {
		if err := printHistory(store, *historyN); err != nil {
			logger.Error("Failed to read run history: %v", err)
			os.Exit(1)
		}
		return
	}

	source := openinsider.NewClient(cfg.Source.URL, cfg.Source.UserAgent, cfg.Source.Timeout, cfg.Source.MaxRetries)
	market := yahoo.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout)
	enricher := enrich.New(market, cfg.EnrichOptions())

	// both stay nil when notifications are disabled
	var dispatcher pipeline.Dispatcher
	var tg *telegram.Client
	if cfg.Telegram.Enabled && !*dryRun {
		tg, err = telegram.NewClient(
			cfg.Telegram.BotToken,
			cfg.Telegram.ChatIDs(),
			cfg.Telegram.SendInterval,
			cfg.Telegram.MaxRetries,
			cfg.Telegram.RetryDelayBase,
		)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		dispatcher = tg
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	p := pipeline.New(store, source, enricher, dispatcher, pipeline.Config{
		Ingest:            cfg.IngestOptions(),
		Qualify:           cfg.QualifyOptions(),
		MaxLookupAttempts: cfg.Market.MaxLookupAttempts,
		DryRun:            *dryRun,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cancelling run...")
		cancel()
	}()

	var summaries []*models.RunSummary
	switch command {
	case "ingest":
		summaries, err = single(p.Ingest(ctx))
	case "enrich":
		summaries, err = single(p.Enrich(ctx))
	case "notify":
		summaries, err = single(p.Notify(ctx))
	case "run":
		summaries, err = p.Run(ctx)
	default:
		usage()
		os.Exit(2)
	}

	printSummaries(summaries)
	if err != nil {
		logger.Error("Run failed: %v", err)
		if tg != nil {
			reportCtx, cancelReport := context.WithTimeout(context.Background(), 30*time.Second)
			if sendErr := tg.SendError(reportCtx, err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
			cancelReport()
		}
		// deferred Close does not run after os.Exit
		_ = store.Close()
		os.Exit(1)
	}
}

func single(s *models.RunSummary, err error) ([]*models.RunSummary, error) {
	return []*models.RunSummary{s}, err
}

func printSummaries(summaries []*models.RunSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tNEW\tENRICHED\tLOOKUP FAIL\tQUALIFIED\tDISQUALIFIED\tNOTIFIED\tDISPATCH FAIL\tDURATION\tSTATUS")
	for _, s := range summaries {
		if s == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%v\t%s\n",
			s.Step, s.NewRecords, s.Enriched, s.LookupFailures, s.Qualified, s.Disqualified,
			s.Notified, s.DispatchFailures, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond), status(s))
	}
	_ = w.Flush()
}

func printHistory(store *storage.Storage, n int) error {
	runs, err := store.RecentRuns(n)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTEP\tID\tFETCHED\tNEW\tENRICHED\tQUALIFIED\tNOTIFIED\tDISPATCH FAIL\tSTATUS")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Step, r.ID,
			r.Fetched, r.NewRecords, r.Enriched, r.Qualified, r.Notified, r.DispatchFailures, status(&r))
	}
	return w.Flush()
}

func status(s *models.RunSummary) string {
	if s.Err != "" {
		return "failed: " + s.Err
	}
	return "ok"
}
