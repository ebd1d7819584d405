package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/app"
	httpSrv "github.com/Mnabil10/fasket-sub001/internal/http"
	"github.com/Mnabil10/fasket-sub001/internal/logger"
	"github.com/Mnabil10/fasket-sub001/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin/inbound HTTP server (plus the embedded delivery worker)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Named("serve")

		a, err := app.Open(cfg, logger.Log)
		if err != nil {
			return err
		}
		defer a.Close()

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Events:   a.Events,
			Attempts: a.Attempts,
			Outbox:   a.Outbox,
			Redis:    a.Redis,
			Clock:    a.Clock,
			Log:      logger.Named("http"),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var loops []app.Loop
		if cfg.Queue.EmbeddedWorker {
			loops = append(loops, a.DeliveryLoops()...)
		} else if cfg.Queue.Backend == scheduler.BackendMemory || a.Redis == nil {
			log.Warn("queue is in-process but the embedded worker is off; new events wait for a worker sweep")
		}
		if cfg.Watcher.Enabled {
			loops = append(loops, a.WatcherLoop())
		}

		loopsDone := make(chan error, 1)
		go func() { loopsDone <- app.Run(ctx, logger.Log, loops...) }()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		return <-loopsDone
	},
}
