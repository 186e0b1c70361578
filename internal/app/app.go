package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/mirrorlabs/scanforge/cmd/migrate"
	"github.com/mirrorlabs/scanforge/internal/codec"
	"github.com/mirrorlabs/scanforge/internal/config"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/mirrorlabs/scanforge/internal/gateway"
	"github.com/mirrorlabs/scanforge/internal/notify"
	"github.com/mirrorlabs/scanforge/internal/objectstore"
	"github.com/mirrorlabs/scanforge/internal/queue"
	"github.com/mirrorlabs/scanforge/internal/redisholder"
	"github.com/mirrorlabs/scanforge/internal/repository/artifacts"
	"github.com/mirrorlabs/scanforge/internal/transport/handler"
	"github.com/mirrorlabs/scanforge/internal/transport/router"
	"github.com/mirrorlabs/scanforge/internal/watchdog"
	"github.com/mirrorlabs/scanforge/internal/worker"
)

type App struct {
	HttpServer *http.Server

	holder *redisholder.Holder
	repo   *artifacts.Repository
	cancel context.CancelFunc
}

// sweepStore gives the watchdog the repository's stale scan with writes
// routed through the tracker, so swept failures reach subscribers too.
type sweepStore struct {
	*artifacts.Repository
	tracker *notify.Tracker
}

func (s sweepStore) Save(ctx context.Context, rec entities.ArtifactRecord) error {
	return s.tracker.Save(ctx, rec)
}

func New(cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations)
	if err != nil {
		cancel()
		return nil, err
	}

	repo, err := artifacts.New(ctx, cfg.Database.DSN)
	if err != nil {
		cancel()
		return nil, err
	}

	holder, err := redisholder.Build(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	rc := holder.Get()

	store, err := objectstore.NewStorage(&cfg.S3)
	if err != nil {
		cancel()
		return nil, err
	}

	broker := queue.NewBroker(rc, cfg.Queue)
	tracker := notify.NewTracker(repo, notify.NewPublisher(rc))

	engine := codec.NewEngine(cfg.Codec)
	if _, err := worker.Init(ctx, broker, tracker, store, engine, cfg.Worker, cfg.Queue); err != nil {
		cancel()
		return nil, err
	}

	watchdog.New(sweepStore{Repository: repo, tracker: tracker}, broker, cfg.Watchdog).Start(ctx)

	gw := gateway.New(tracker, broker)
	hub := notify.NewHub(rc, tracker)

	h := handler.New(gw, tracker, store, broker, hub, cfg)
	r := router.NewRouter(h)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		HttpServer: s,
		holder:     holder,
		repo:       repo,
		cancel:     cancel,
	}, nil
}

func (a *App) Run() error {
	log.Printf("starting server on %s", a.HttpServer.Addr)
	return a.HttpServer.ListenAndServe()
}

// Shutdown stops the workers and the server, then releases shared clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.cancel()
	err := a.HttpServer.Shutdown(ctx)
	a.repo.Close()
	if cerr := a.holder.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
