package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/you-humble/convhub/internal/domain"
	"github.com/you-humble/convhub/internal/health"

	"golang.org/x/sync/errgroup"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

func New(ctx context.Context, cfgPath string) *app {
	di := newDI(cfgPath)
	di.Logger()

	return &app{
		di: di,
		srv: &http.Server{
			Addr:    di.Config().Addr,
			Handler: di.Router(ctx),
		},
	}
}

// Run serves HTTP and the admin gRPC server and runs the background loops
// until ctx is done, then shuts everything down in dependency order.
func (a *app) Run(ctx context.Context) error {
	cfg := a.di.Config()

	a.di.Monitor(ctx).Start(ctx)
	a.di.Reaper(ctx).Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			return err
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		grpcSrv := a.di.GRPCServer(ctx)
		g.Go(func() error {
			return health.Serve(grpcSrv, cfg.GRPCAddr)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		return a.shutdown()
	})

	return g.Wait()
}

func (a *app) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.di.Config().ShutdownTimeout,
	)
	defer cancel()

	var errs []error

	a.di.Monitor(shutdownCtx).Shutdown()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.di.Dispatcher(shutdownCtx).Shutdown(shutdownCtx); err != nil {
		slog.Error("dispatcher shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	for _, o := range a.di.observers {
		if err := o.Close(shutdownCtx); err != nil {
			slog.Error("observer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.di.replicator != nil {
		if err := a.di.replicator.Close(shutdownCtx); err != nil {
			slog.Error("replicator shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.di.grpcSrv != nil {
		a.di.grpcSrv.GracefulStop()
	}
	if a.di.natsConn != nil {
		if err := a.di.natsConn.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.di.redis != nil {
		if err := a.di.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("server gracefully stopped")
	return nil
}

// Engines checks every configured engine once and reports availability.
func Engines(ctx context.Context, cfgPath string) []domain.EngineStatus {
	di := newDI(cfgPath)
	di.Logger()

	m := di.Monitor(ctx)
	m.Check(ctx)
	return m.Statuses()
}
