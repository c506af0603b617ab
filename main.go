package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/99designs/aws-ami-sweeper/config"
	"github.com/99designs/aws-ami-sweeper/gc"
	"github.com/99designs/aws-ami-sweeper/handler"
	"github.com/99designs/aws-ami-sweeper/metrics"
	"github.com/99designs/aws-ami-sweeper/model"
	"github.com/99designs/aws-ami-sweeper/registry"
	"github.com/99designs/aws-ami-sweeper/scheduler"
)

const tagUsage = "image tag filter, repeatable, e.g. --tag ami-sweeper=true --tag team=web. " +
	"A bare name is a tag key (name=x filters on tag:name, not the image name); " +
	"use tag-key or a prefixed EC2 filter such as tag:Env to pass a filter name through"

type tagList model.Tags

func (t *tagList) String() string {
	return model.Tags(*t).String()
}

func (t *tagList) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return fmt.Errorf("expected name=VALUE e.g. ami-sweeper=true")
	}
	*t = append(*t, model.Tag{Name: parts[0], Value: parts[1]})
	return nil
}

func main() {
	var configPath string
	var daemon bool
	var tags tagList
	defaults := config.Default()
	flags := defaults
	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&flags.Region, "region", "", "AWS region (defaults to AWS_REGION or AWS_DEFAULT_REGION in environment)")
	flag.Var(&tags, "tag", tagUsage)
	flag.BoolVar(&flags.DryRun, "dry-run", false, "dry run only, will not delete images")
	flag.BoolVar(&flags.Verbose, "verbose", false, "log diagnostic detail")
	flag.BoolVar(&flags.DeleteFirst, "delete-first", false, "also delete the newest matching image")
	flag.IntVar(&flags.Concurrency, "concurrency", defaults.Concurrency, "images processed at once")
	flag.StringVar(&flags.TieBreak, "tie-break", defaults.TieBreak, "order of images with equal or missing dates: fetch-order or image-id")
	flag.BoolVar(&daemon, "daemon", false, "keep running and sweep on -schedule")
	flag.StringVar(&flags.Schedule, "schedule", defaults.Schedule, "cron schedule for -daemon")
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address in -daemon mode")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	overrideFromFlags(&cfg, flags, tags)
	cfg.ApplyEnv()
	if config.RunLocally() {
		cfg = cfg.Local()
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	lambdaMode := os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""
	logger, err := newLogger(lambdaMode, cfg.Verbose)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	sess, err := registry.NewSession(registry.Options{Region: cfg.Region, Endpoint: cfg.Endpoint})
	if err != nil {
		logger.Fatal("AWS session", zap.Error(err))
	}

	var mx metrics.Recorder = metrics.NoMetrics()
	if daemon && cfg.MetricsAddr != "" {
		m, err := metrics.New(prometheus.DefaultRegisterer)
		if err != nil {
			logger.Fatal("registering metrics", zap.Error(err))
		}
		mx = m
	}
	sweeper := gc.New(sess, logger, mx)

	switch {
	case lambdaMode:
		h := &handler.Handler{
			Sweeper:          sweeper,
			Logger:           logger,
			Defaults:         cfg.Params(),
			FailOnSoftErrors: cfg.FailOnSoftErrors,
		}
		lambda.Start(h.Handle)
	case daemon:
		if err := runDaemon(cfg, sweeper, logger); err != nil {
			logger.Fatal("daemon", zap.Error(err))
		}
	default:
		report, err := sweeper.Run(context.Background(), cfg.ImageTags, cfg.Params())
		if err != nil {
			logger.Error("Sweep failed", zap.Error(err))
			os.Exit(1)
		}
		printReport(cfg.ImageTags, report)
		if cfg.FailOnSoftErrors && report.HasFailures() {
			os.Exit(1)
		}
	}
}

// overrideFromFlags copies only the flags given on the command line, so they
// win over the config file without their defaults clobbering it.
func overrideFromFlags(cfg *config.Config, flags config.Config, tags tagList) {
	if len(tags) > 0 {
		cfg.ImageTags = model.Tags(tags)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "region":
			cfg.Region = flags.Region
		case "dry-run":
			cfg.DryRun = flags.DryRun
		case "verbose":
			cfg.Verbose = flags.Verbose
		case "delete-first":
			cfg.DeleteFirst = flags.DeleteFirst
		case "concurrency":
			cfg.Concurrency = flags.Concurrency
		case "tie-break":
			cfg.TieBreak = flags.TieBreak
		case "schedule":
			cfg.Schedule = flags.Schedule
		case "metrics-addr":
			cfg.MetricsAddr = flags.MetricsAddr
		}
	})
}

func newLogger(production, verbose bool) (*zap.Logger, error) {
	if production {
		return zap.NewProduction()
	}
	conf := zap.NewDevelopmentConfig()
	if !verbose {
		conf.DisableStacktrace = true
	}
	return conf.Build()
}

func runDaemon(cfg config.Config, sweeper *gc.Sweeper, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job := func(ctx context.Context) error {
		report, err := sweeper.Run(ctx, cfg.ImageTags, cfg.Params())
		if err != nil {
			return err
		}
		handler.Summarize(logger, report)
		return nil
	}
	s := scheduler.New(job, scheduler.Config{
		Schedule: cfg.Schedule,
		Timeout:  cfg.Timeout,
		Retries:  cfg.Retries,
	}, logger)
	if err := s.Start(ctx); err != nil {
		return err
	}
	if next := s.NextRun(); next != nil {
		logger.Info("Next sweep", zap.Time("at", *next))
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

func printReport(tags model.Tags, report *model.Report) {
	fmt.Printf("Images matching %s: %d\n", tags, report.Matched)
	for _, res := range report.Results {
		img := res.Image
		created := "unknown date"
		if img.HasCreationDate() {
			created = img.CreatedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  %-8s %s: %s (%s)", res.Outcome, created, img.ID, img.Name)
		if res.Reason != "" {
			fmt.Printf(" %s", res.Reason)
		}
		fmt.Print("\n")
		if res.Outcome == model.ImageDryRun {
			kept := map[string]int{}
			for _, snap := range res.Snapshots {
				kept[snap.ID]++
			}
			for _, id := range img.SnapshotIDs {
				if kept[id] > 0 {
					kept[id]--
					continue
				}
				fmt.Printf("    would delete %s\n", id)
			}
		}
		for _, snap := range res.Snapshots {
			fmt.Printf("    %-8s %s %s\n", snap.Outcome, snap.ID, snap.Reason)
		}
	}
	if report.Count(model.ImageDryRun) > 0 {
		fmt.Print("Dry run only, nothing is deleted\n")
	}
}
