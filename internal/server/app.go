// Package server wires configuration, storage, the credential flow and its
// transports together and runs them until shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/notify"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"github.com/redis/go-redis/v9"

	gs "github.com/dmitrijs2005/gophauth/internal/server/grpc"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	grpc    *gs.GRPCServer
	metrics *metrics.Server
	closers []func() error
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(c.LogFormat, os.Stdout)
	if err != nil {
		return nil, err
	}

	app := &App{config: c, logger: logger}

	repo, err := app.openStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	issuer, err := auth.NewIssuer([]byte(c.SecretKey), c.AccessTokenValidityDuration, c.RefreshTokenValidityDuration)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.metrics = metrics.NewServer(c.MetricsAddr, logger)

	svc, err := services.NewAuthService(
		repo,
		auth.NewArgon2idHasher(c.Argon2Params()),
		auth.NewOTPGenerator(c.OTPValidityDuration),
		issuer,
		app.newNotifier(),
		app.metrics.Metrics(),
		logger,
	)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("auth service init error: %w", err)
	}

	app.grpc = gs.NewGRPCServer(c.EndpointAddrGRPC, logger, svc, issuer)

	return app, nil
}

// openStore returns the account store selected by StoreDriver and registers
// whatever it opened for Close.
func (app *App) openStore(ctx context.Context) (accounts.Repository, error) {
	c := app.config

	switch c.StoreDriver {
	case config.StorePostgres:
		db, err := sql.Open("pgx", c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		app.closers = append(app.closers, db.Close)

		rm := repomanager.NewPostgresRepositoryManager()
		if err := rm.RunMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("db migration error: %w", err)
		}
		return rm.Accounts(db), nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		app.closers = append(app.closers, rdb.Close)

		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis init error: %w", err)
		}
		return accounts.NewRedisRepository(rdb), nil

	case config.StoreMemory:
		app.logger.Warn(ctx, "using in-memory account store, data is lost on restart")
		return accounts.NewMemoryRepository(), nil
	}

	return nil, fmt.Errorf("unknown store driver %q", c.StoreDriver)
}

func (app *App) newNotifier() notify.Notifier {
	c := app.config
	if c.Notifier == config.NotifierSMTP {
		return notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:        c.SMTPHost,
			Port:        c.SMTPPort,
			Username:    c.SMTPUsername,
			Password:    c.SMTPPassword,
			From:        c.SMTPFrom,
			ImplicitTLS: c.SMTPImplicitTLS,
		})
	}
	return notify.NewLogNotifier(app.logger)
}

// Close releases the store connections. Errors are logged.
func (app *App) Close() {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Error(context.Background(), "close error", "error", err)
		}
	}
	app.closers = nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.grpc.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startMetricsServer(ctx context.Context, cancelFunc context.CancelFunc) {
	if err := app.metrics.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves gRPC and metrics until ctx is cancelled, a signal arrives or
// either server fails, then closes the store.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "store", app.config.StoreDriver, "notifier", app.config.Notifier)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startMetricsServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.Close()
	app.logger.Info(context.Background(), "App stopped")
}
