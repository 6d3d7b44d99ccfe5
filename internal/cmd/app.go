package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hargabyte/lwreport/internal/api"
	"github.com/hargabyte/lwreport/internal/config"
	"github.com/hargabyte/lwreport/internal/fetch"
	"github.com/hargabyte/lwreport/internal/logging"
	"github.com/hargabyte/lwreport/internal/lwerr"
	"github.com/hargabyte/lwreport/internal/output"
	"github.com/hargabyte/lwreport/internal/pipeline"
	"github.com/hargabyte/lwreport/internal/render"
	"github.com/hargabyte/lwreport/internal/report"
	"github.com/hargabyte/lwreport/internal/store"
	"github.com/hargabyte/lwreport/internal/telemetry"
)

// app holds what most commands share: the merged configuration, the
// project directory, a logger and the report registry. The store, tracer
// and pipeline are opened on demand.
type app struct {
	cfg        *config.Config
	projectDir string
	logger     *slog.Logger
	registry   *report.Registry
	metrics    *telemetry.Metrics

	store   *store.Store
	tracing *telemetry.Tracing
	client  *api.Client
}

// loadApp reads the configuration selected by the global flags.
func loadApp() (*app, error) {
	cfg, projectDir, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if verbose {
		level = "debug"
	}
	logger := logging.Init(level, cfg.Logging.Format)

	reg, err := report.Load(filepath.Join(projectDir, report.DirName))
	if err != nil {
		return nil, fmt.Errorf("loading report definitions: %w", err)
	}

	m, err := telemetry.NewMetrics()
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		projectDir: projectDir,
		logger:     logger,
		registry:   reg,
		metrics:    m,
	}, nil
}

// loadConfig returns the config and the project directory holding it. Without
// a .lwreport directory up the tree, defaults apply and the project directory
// is ./.lwreport.
func loadConfig() (*config.Config, string, error) {
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("resolving config path: %w", err)
		}
		cfg, err := config.LoadFromPath(abs)
		return cfg, filepath.Dir(abs), err
	}

	dir, err := config.FindConfigDir(".")
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			return nil, "", err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("get working directory: %w", err)
		}
		dir = filepath.Join(cwd, config.ConfigDirName)
	}
	cfg, err := config.LoadFromPath(filepath.Join(dir, config.ConfigFileName))
	return cfg, dir, err
}

// openStore opens the configured store once.
func (a *app) openStore() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := pipeline.OpenStore(a.cfg.StorePath(a.projectDir), store.Options{
		Backend:   a.cfg.Storage.Backend,
		BatchSize: a.cfg.Storage.BatchSize,
		Logger:    a.logger,
		Observer:  a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// newPipeline connects the API client, tracing and store. formats, when
// non-empty, replaces the configured artifact formats.
func (a *app) newPipeline(ctx context.Context, formats []string) (*pipeline.Pipeline, error) {
	if err := a.cfg.RequireCredentials(); err != nil {
		return nil, lwerr.NewFatal("missing credentials", err)
	}

	if a.tracing == nil {
		tr, err := telemetry.SetupTracing(ctx, a.cfg.Telemetry, Version)
		if err != nil {
			return nil, err
		}
		a.tracing = tr
	}

	client, err := api.NewClient(a.cfg.BaseURL(), a.cfg.API,
		api.WithLogger(a.logger),
		api.WithTracer(a.tracing.Tracer("lwreport/api")))
	if err != nil {
		return nil, lwerr.NewFatal("invalid api configuration", err)
	}
	a.client = client

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	if len(formats) == 0 {
		formats = a.cfg.Output.Formats
	}
	tableFormats, err := parseFormats(formats)
	if err != nil {
		return nil, err
	}

	fetchOpts := fetch.OptionsFromConfig(a.cfg.Fetch)
	fetchOpts.Observer = a.metrics

	return pipeline.New(client, st, pipeline.Options{
		Fetch:           fetchOpts,
		Render:          render.Options{Formats: tableFormats},
		OutputDir:       a.cfg.OutputDir(a.projectDir),
		ParallelReports: a.cfg.Pipeline.ParallelReports,
		Commit:          a.cfg.Storage.Commit,
		Logger:          a.logger,
		Observer:        a.metrics,
	}), nil
}

// subAccounts enumerates the organization's sub-accounts through the client
// newPipeline connected.
func (a *app) subAccounts(ctx context.Context) ([]string, error) {
	if a.client == nil {
		return nil, errors.New("api client not connected")
	}
	names, err := a.client.SubAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating sub-accounts: %w", err)
	}
	if len(names) == 0 {
		a.logger.Warn("no sub-accounts to fan out to, using the configured account")
	} else {
		a.logger.Info("fanning out to sub-accounts", "count", len(names))
	}
	return names, nil
}

// runner returns the pipeline, or a stand-in that fails every run with the
// reason the pipeline could not be built. Listing and query surfaces stay
// usable without credentials.
func (a *app) runner(ctx context.Context) runner {
	p, err := a.newPipeline(ctx, nil)
	if err != nil {
		a.logger.Warn("report runs disabled", "err", err)
		return unavailableRunner{err: err}
	}
	return p
}

type runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Report
}

type unavailableRunner struct{ err error }

func (u unavailableRunner) Run(_ context.Context, req pipeline.Request) pipeline.Report {
	return pipeline.Report{Name: req.Def.Name, Status: pipeline.StatusFailed, Err: u.err}
}

// withTimeout applies pipeline.timeout to ctx.
func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := a.cfg.Pipeline.Timeout.Std(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// close releases the store and flushes traces.
func (a *app) close() {
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("flushing traces", "err", err)
		}
		cancel()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// resultFormat validates the global --output flag.
func resultFormat() (output.Format, error) {
	f, err := output.ParseFormat(outputFormat)
	if err != nil {
		return "", err
	}
	switch f {
	case output.FormatTable, output.FormatYAML, output.FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("--output must be table, yaml or json, got %q", outputFormat)
}

// parseFormats parses artifact table formats, accepting comma separated entries.
func parseFormats(values []string) ([]output.Format, error) {
	var out []output.Format
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			f, err := output.ParseFormat(part)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
	}
	return out, nil
}
