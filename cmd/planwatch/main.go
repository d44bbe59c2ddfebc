// Command planwatch runs the planning proposal pipeline.
//
// Usage:
//
//	planwatch [serve]                 HTTP API (default)
//	planwatch import [-since DATE]    ingest every configured source once
//	planwatch notify [-ids 4,7]       notify due (or the given) subscriptions once
//	planwatch documents               extract text from one batch of documents
//	planwatch migrate                 create or update the schema and exit
//
// Configuration is read from the environment (see internal/config).
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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/cache"
	"github.com/tbourn/go-planwatch/internal/config"
	"github.com/tbourn/go-planwatch/internal/geocode"
	httpapi "github.com/tbourn/go-planwatch/internal/http"
	"github.com/tbourn/go-planwatch/internal/importer"
	"github.com/tbourn/go-planwatch/internal/mail"
	"github.com/tbourn/go-planwatch/internal/observability"
	"github.com/tbourn/go-planwatch/internal/repo"
	"github.com/tbourn/go-planwatch/internal/services"
	"github.com/tbourn/go-planwatch/internal/sysutil"
	"github.com/tbourn/go-planwatch/internal/utils"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const documentBatchSize = 50

func main() {
	cfg := config.MustLoad()

	sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, os.Stderr)

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cmd, args); err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("planwatch failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, cmd string, args []string) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Build{
		Version: sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version),
		Command: cmd,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	if cmd == "migrate" || !sysutil.IsTruthy(os.Getenv("SKIP_MIGRATE")) {
		if err := repo.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if cmd == "migrate" {
			log.Info().Str("driver", cfg.DB.Driver).Msg("schema up to date")
			return nil
		}
	}

	svcs, closeFn, err := buildServices(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeFn()

	switch cmd {
	case "serve":
		return serve(ctx, cfg, db, svcs)
	case "import":
		return runImport(ctx, svcs.Imports, args)
	case "notify":
		return runNotify(ctx, svcs.Notify, args)
	case "documents":
		res, err := svcs.Documents.ProcessPending(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("extracted", res.Extracted).Int("unsupported", res.Unsupported).Int("failed", res.Failed).Msg("documents processed")
		return nil
	default:
		return fmt.Errorf("unknown command %q (want serve|import|notify|documents|migrate)", cmd)
	}
}

// buildServices wires the pipeline from configuration. The returned func
// releases external connections.
func buildServices(ctx context.Context, cfg config.Config, db *gorm.DB) (httpapi.Services, func(), error) {
	closeFn := func() {}
	client := &http.Client{Timeout: cfg.Import.PageTimeout}

	loc, err := cfg.Import.Location()
	if err != nil {
		return httpapi.Services{}, closeFn, err
	}

	// Geocoding
	var providers []geocode.Provider
	for _, name := range cfg.Geocode.Providers {
		switch name {
		case "arcgis":
			providers = append(providers, geocode.NewArcGIS(sysutil.FirstNonEmpty(cfg.Geocode.ArcGISURL, geocode.DefaultArcGISURL), cfg.Geocode.ArcGISToken, client))
		case "google":
			providers = append(providers, geocode.NewGoogle(cfg.Geocode.GoogleKey, client))
		}
	}
	resolver := geocode.NewResolver(providers,
		geocode.WithConcurrency(cfg.Geocode.Concurrency),
		geocode.WithMinScore(cfg.Geocode.MinScore),
		geocode.WithTimeout(cfg.Geocode.Timeout),
		geocode.WithRateLimit(cfg.Geocode.RPS, 1),
	)

	sources, err := importer.Sources(cfg.Import.Sources, cfg.Import.Region, client, resolver, cfg.Import.AddressSuffix, loc, cfg.Import.PageTimeout)
	if err != nil {
		return httpapi.Services{}, closeFn, fmt.Errorf("import sources: %w", err)
	}

	// Lot-size buckets, shared through Redis when configured.
	var store cache.Store = cache.NewMemoryStore()
	if cfg.Cache.RedisURL != "" {
		rs, err := cache.NewRedisStore(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return httpapi.Services{}, closeFn, fmt.Errorf("redis: %w", err)
		}
		store = rs
		closeFn = func() { _ = rs.Close() }
	}
	queries := &services.Queries{
		Now:      time.Now,
		Location: services.RegionLocations(loc),
		Buckets:  cache.NewLotSizeCache(db, store, cfg.Cache.LotSizeRefresh),
	}

	// Mail
	templates, err := mail.LoadTemplates()
	if err != nil {
		return httpapi.Services{}, closeFn, fmt.Errorf("mail templates: %w", err)
	}
	var mailer mail.Mailer = &mail.LogMailer{Templates: templates}
	if smtp := cfg.Notify.SMTP; smtp.Host != "" {
		mailer = &mail.SMTPMailer{
			Host:      smtp.Host,
			Port:      smtp.Port,
			Username:  smtp.Username,
			Password:  smtp.Password,
			From:      smtp.From,
			Timeout:   cfg.Notify.SendTimeout,
			Templates: templates,
		}
	} else {
		log.Warn().Msg("SMTP_HOST not set; notifications are logged, not sent")
	}

	proposals := &services.ProposalService{DB: db, Queries: queries, Addresses: resolver}
	summaries := &services.SummaryService{DB: db, Queries: queries}
	return httpapi.Services{
		Proposals: proposals,
		Summaries: summaries,
		Imports:   &services.ImportService{DB: db, Sources: sources, Proposals: proposals},
		Notify: &services.NotifyService{
			DB:            db,
			Summaries:     summaries,
			Mailer:        mailer,
			Templates:     templates,
			CheckInterval: cfg.Notify.CheckInterval,
			SendTimeout:   cfg.Notify.SendTimeout,
		},
		Documents: &services.DocumentService{DB: db, Client: client, BatchSize: documentBatchSize, Timeout: cfg.Import.PageTimeout},
	}, closeFn, nil
}

func serve(ctx context.Context, cfg config.Config, db *gorm.DB, svcs httpapi.Services) error {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, svcs, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("planwatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func runImport(ctx context.Context, svc *services.ImportService, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	sinceFlag := fs.String("since", "", "override the stored cursor (YYYY-MM-DD or RFC 3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var since *time.Time
	if *sinceFlag != "" {
		t, err := time.Parse(time.RFC3339, *sinceFlag)
		if err != nil {
			if t, err = time.Parse("2006-01-02", *sinceFlag); err != nil {
				return fmt.Errorf("-since: %w", err)
			}
		}
		since = &t
	}

	res, err := svc.Run(ctx, since)
	if err != nil {
		return err
	}
	for _, s := range res.Sources {
		ev := log.Info()
		if s.Err != "" {
			ev = log.Warn().Str("error", s.Err)
		}
		ev.Str("source", s.Source).
			Int("created", s.Created).
			Int("updated", s.Updated).
			Int("unchanged", s.Unchanged).
			Int("skipped", s.Skipped).
			Int("errors", s.Errors).
			Msg("source imported")
	}
	if res.Failed() {
		return errors.New("one or more sources failed")
	}
	return nil
}

func runNotify(ctx context.Context, svc *services.NotifyService, args []string) error {
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	idsFlag := fs.String("ids", "", "comma-separated subscription ids (default: every due subscription)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := utils.ParseIDList(*idsFlag)
	if err != nil {
		return fmt.Errorf("-ids: %w", err)
	}

	res, err := svc.Run(ctx, services.RunOptions{IDs: ids})
	if err != nil {
		return err
	}
	log.Info().
		Str("run_id", res.RunID).
		Int("advanced", len(res.Advanced)).
		Int("empty", len(res.Empty)).
		Int("failed", len(res.Failed)).
		Msg("notify run complete")
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d subscriptions failed", len(res.Failed))
	}
	return nil
}
