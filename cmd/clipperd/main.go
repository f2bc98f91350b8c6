package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/emeeran/yt-clipper-sub003/internal/api"
	"github.com/emeeran/yt-clipper-sub003/internal/domain"
	"github.com/emeeran/yt-clipper-sub003/internal/facade"
	"github.com/emeeran/yt-clipper-sub003/internal/handlers/httpcall"
	"github.com/emeeran/yt-clipper-sub003/internal/handlers/shell"
	"github.com/emeeran/yt-clipper-sub003/internal/journal"
	"github.com/emeeran/yt-clipper-sub003/internal/pool"
	"github.com/emeeran/yt-clipper-sub003/internal/schedule"
	"github.com/emeeran/yt-clipper-sub003/internal/unit"
)

func main() {
	var (
		addr          = flag.String("addr", ":8080", "HTTP bind address")
		dbPath        = flag.String("db", "clipper.db", "SQLite journal path")
		minWorkers    = flag.Int("min-workers", 1, "minimum pool size")
		maxWorkers    = flag.Int("max-workers", 4, "maximum pool size")
		taskTimeout   = flag.Duration("task-timeout", 60*time.Second, "default per-task deadline")
		workerTimeout = flag.Duration("worker-timeout", 30*time.Second, "worker silence threshold before eviction")
		schedEvery    = flag.Duration("schedule-interval", 10*time.Second, "check interval for due schedules")
		debug         = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := journal.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	store := journal.NewStore(db)

	handlers := unit.Registry{
		"shell": shell.Handler{},
		"http":  httpcall.Handler{},
	}

	p := pool.New(domain.Config{
		MinSize:       *minWorkers,
		MaxSize:       *maxWorkers,
		MaxTaskTime:   *taskTimeout,
		WorkerTimeout: *workerTimeout,
	}, handlers, pool.WithLogger(log.Logger), pool.WithRecorder(store))
	svc := facade.New(p, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	sched := schedule.NewService(store, svc, *schedEvery, log.Logger)
	go sched.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(svc, store, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	svc.Close()
}
