package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devghori1264/quarterpatch/internal/api"
	"github.com/devghori1264/quarterpatch/internal/config"
	"github.com/devghori1264/quarterpatch/internal/logger"
	"github.com/devghori1264/quarterpatch/internal/metrics"
	"github.com/devghori1264/quarterpatch/internal/notify"
	"github.com/devghori1264/quarterpatch/internal/orchestrator"
	"github.com/devghori1264/quarterpatch/internal/remote"
	"github.com/devghori1264/quarterpatch/internal/server"
	"github.com/devghori1264/quarterpatch/internal/storage"
	"github.com/devghori1264/quarterpatch/internal/tracing"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "patchd",
		Short:         "Quarterly patch orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := logger.Initialize(cfg.Log.Level, cfg.Log.JSON); err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger.Logger)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./quarterpatch.yaml or /etc/quarterpatch/quarterpatch.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Logger.Errorw("patchd failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warnw("trace flush failed", "error", err)
		}
	}()

	store, err := storage.NewBadgerStore(cfg.Store(log))
	if err != nil {
		return err
	}
	defer store.Close()

	var notifier notify.Notifier = notify.NewLog(log)
	if cfg.NATS.URL != "" {
		pub, err := notify.NewPublisher(cfg.NATS.URL, log)
		if err != nil {
			log.Warnw("nats unavailable, events are logged only", "url", cfg.NATS.URL, "error", err)
		} else {
			defer pub.Close()
			notifier = notify.Multi{notifier, pub}
		}
	}

	transport, err := remote.NewSSHTransport(cfg.Transport())
	if err != nil {
		return err
	}
	engine := remote.NewEngine(transport, cfg.Engine(),
		remote.WithVendorPlugins(cfg.VendorPlugins()...),
		remote.WithLogger(log))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	locks := &orchestrator.KeyLocks{}
	orch := orchestrator.New(store, engine, cfg.Orchestrator(),
		orchestrator.WithMetrics(metrics.New(reg)),
		orchestrator.WithLocker(locks),
		orchestrator.WithNotifier(notifier),
		orchestrator.WithLogger(log),
		orchestrator.WithTracer(tracing.Tracer()))
	srv := server.New(store, orch,
		server.WithLocker(locks),
		server.WithNotifier(notifier),
		server.WithLogger(log))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	srv.RegisterGRPC(grpcServer)
	go func() {
		log.Infow("gRPC health listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorw("grpc serve error", "error", err)
		}
	}()

	router := api.NewHTTPHandler(srv, log)
	api.RegisterMetrics(router, reg)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("admin API listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http listen error", "error", err)
		}
	}()

	srv.SetServing(true)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		pollLoop(ctx, srv, cfg.Batch.PollInterval, time.Now, log)
	}()

	<-ctx.Done()
	log.Infow("shutdown initiated")

	srv.Shutdown()
	grpcServer.GracefulStop()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		log.Warnw("http server shutdown error", "error", err)
	}
	<-pollDone
	log.Infow("shutdown complete")
	return nil
}
