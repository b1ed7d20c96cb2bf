// Command server runs the rate book: the temporally versioned catalog of
// investment products, its audit ledger, and the retention scheduler.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	catalogHandler "ratebook/internal/catalog/handler"
	catalogService "ratebook/internal/catalog/service"
	catalogStore "ratebook/internal/catalog/store"
	"ratebook/internal/ledger"
	ledgerHandler "ratebook/internal/ledger/handler"
	"ratebook/internal/ledger/retention"
	ledgerMemory "ratebook/internal/ledger/store/memory"
	ledgerPostgres "ratebook/internal/ledger/store/postgres"
	"ratebook/internal/platform/config"
	"ratebook/internal/platform/httpserver"
	"ratebook/internal/platform/logger"
	"ratebook/internal/platform/metrics"
	httptransport "ratebook/internal/transport/http"
	"ratebook/internal/visibility"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(slog.LevelInfo)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var (
		catalog   catalogService.Store
		reader    visibility.CatalogReader
		onlineLog ledger.Store
		coldLog   ledger.ColdStore
		txRunner  catalogService.StoreTx
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}

		pg := catalogStore.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		lpg := ledgerPostgres.New(db)
		if err := lpg.Migrate(ctx); err != nil {
			return err
		}

		catalog, reader = pg, pg
		onlineLog = lpg
		coldLog = ledgerPostgres.NewColdStore(db)
		txRunner = newPostgresTx(db)
		log.Info("using postgres stores")
	} else {
		mem := catalogStore.NewInMemory()
		catalog, reader = mem, mem
		onlineLog = ledgerMemory.New()
		coldLog = ledgerMemory.NewColdStore()
		txRunner = catalogService.NewInMemoryTx()
		log.Info("using in-memory stores")
	}

	engine := catalogService.New(catalog, onlineLog,
		catalogService.WithLogger(log),
		catalogService.WithMetrics(m),
		catalogService.WithTx(txRunner),
	)
	filter := visibility.New(reader, onlineLog)
	policy := retention.New(onlineLog, coldLog, txRunner, cfg.RetentionYears,
		retention.WithLogger(log),
		retention.WithMetrics(m),
	)

	router := httptransport.NewRouter(httptransport.Deps{
		Catalog:    catalogHandler.New(engine, filter, log),
		Ledger:     ledgerHandler.New(filter, policy, log),
		Logger:     log,
		SigningKey: cfg.JWTSigningKey,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting rate book server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.ArchiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := policy.Run(gctx); err != nil {
					// Archival retries on the next tick; a failed run
					// leaves every entry online and queryable.
					log.Error("scheduled ledger archival failed", "error", err.Error())
				}
			}
		}
	})

	return g.Wait()
}
