package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPGate/global/config"
	"PPGate/logger"
	"PPGate/tools/ids"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		logger.Error("ppgate exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(args []string) error {
	loader, cfg, err := config.Load(args)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Level); err != nil {
		return err
	}
	ids.SetNodeID(cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := newApp(cfg, loader)
	defer func() {
		stop()
		a.close()
	}()
	if err := a.init(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.gateway.Run(gctx) })
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			// 远端配置不可用不影响网关
			if err := a.watcher.Run(gctx); err != nil {
				logger.Warn("nacos config watch stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 先断开 websocket 会话，hijack 后的连接 http.Server 不管
		if err := a.gateway.Shutdown(sctx); err != nil {
			logger.Warn("gateway shutdown", zap.Error(err))
		}
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
