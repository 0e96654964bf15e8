package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/p2panda/node/internal/auth"
	"github.com/p2panda/node/internal/config"
	"github.com/p2panda/node/internal/materializer"
	"github.com/p2panda/node/internal/publish"
	"github.com/p2panda/node/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := openNode(signalCtx, appConfig)
	if err != nil {
		return err
	}
	defer node.Close()
	logger := node.logger

	worker, err := materializer.NewWorker(materializer.WorkerConfig{
		Queue:        node.store,
		Materializer: node.materializer,
		Workers:      appConfig.MaterializerWorkers,
		PollInterval: appConfig.PollInterval,
		MaxAttempts:  appConfig.MaxAttempts,
		BatchSize:    appConfig.BatchSize,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	publisher, err := publish.NewService(publish.ServiceConfig{
		Store:         node.store,
		Logger:        logger,
		VerifyWorkers: appConfig.VerifyWorkers,
		Listeners:     []publish.Listener{worker, dispatcher},
	})
	if err != nil {
		return err
	}

	var tokens server.TokenValidator
	if appConfig.AdminEnabled() {
		issuer, err := newTokenIssuer(appConfig)
		if err != nil {
			return err
		}
		tokens = issuer
	} else {
		logger.Warn("admin routes disabled", zap.String("reason", "admin.signing_secret not set"))
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Publisher:   publisher,
		Documents:   node.materializer,
		Schemas:     node.schemas,
		Projections: node.materializer,
		Tokens:      tokens,
		Realtime:    dispatcher,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return requestCtx
		},
	}
	// Open event streams never finish on their own.
	httpServer.RegisterOnShutdown(cancelRequests)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return worker.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
}
