package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/taskgrid/taskgrid-backend/internal/data/db"
	"github.com/taskgrid/taskgrid-backend/internal/handlers"
	"github.com/taskgrid/taskgrid-backend/internal/observability"
	"github.com/taskgrid/taskgrid-backend/internal/platform/envutil"
	"github.com/taskgrid/taskgrid-backend/internal/platform/logger"
	"github.com/taskgrid/taskgrid-backend/internal/scheduler/core"
	"github.com/taskgrid/taskgrid-backend/internal/services"
)

type App struct {
	Log     *logger.Logger
	DB      *gorm.DB
	Router  *gin.Engine
	Engine  *core.Engine
	Channel *services.LocalWorkerChannel

	clients Clients
}

func New() (*App, error) {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)

	// Postgres is optional: single-process runs fall back to in-memory
	// stores, which is also the test configuration.
	var gdb *gorm.DB
	if envutil.Bool("USE_POSTGRES", false) {
		pg, err := db.NewPostgresService(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := pg.AutoMigrateAll(); err != nil {
			log.Sync()
			return nil, fmt.Errorf("postgres automigrate: %w", err)
		}
		gdb = pg.DB()
	}

	clients := wireClients(log)
	stores := wireRepos(gdb, log)
	metrics := observability.NewMetrics()
	channel := services.NewLocalWorkerChannel(log)
	notify := clients.notifiers(log)

	engine := core.New(log, stores, clients.Cache, channel, notify, metrics, cfg)
	if err := engine.Recover(context.Background()); err != nil {
		log.Warn("engine recovery incomplete", "error", err)
	}

	router := wireRouter(Handlers{
		Jobs:    handlers.NewJobHandler(engine),
		Workers: handlers.NewWorkerHandler(engine),
	}, log, metrics)

	return &App{
		Log:     log,
		DB:      gdb,
		Router:  router,
		Engine:  engine,
		Channel: channel,
		clients: clients,
	}, nil
}

// Start launches the engine's periodic task table.
func (a *App) Start() {
	a.Engine.Start()
}

/*
Run serves the admin facade and supervises it together with the engine's
task runner: if the listener fails the engine is stopped, and a cancelled
ctx (signal) drains the server before returning. Always returns the first
error the group saw, nil on clean shutdown.
*/
func (a *App) Run(ctx context.Context, addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}

	srv := &http.Server{Addr: addr, Handler: a.Router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Engine.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.Engine.Stop()
	a.clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
