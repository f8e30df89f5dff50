package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/folioworks/rebalancer/internal/allocator"
	"github.com/folioworks/rebalancer/internal/config"
	"github.com/folioworks/rebalancer/internal/credentials"
	"github.com/folioworks/rebalancer/internal/exchange"
	"github.com/folioworks/rebalancer/internal/executor"
	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/orchestrator"
	"github.com/folioworks/rebalancer/internal/postgres"
	"github.com/folioworks/rebalancer/internal/pricecache"
	"github.com/folioworks/rebalancer/internal/router"
	"github.com/folioworks/rebalancer/internal/scheduler"
	"github.com/folioworks/rebalancer/internal/server"
	"github.com/folioworks/rebalancer/internal/store"
	"github.com/joho/godotenv"
)

const _cfgFilePath = "./configs/rebalancer.yaml"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("can't detect .env file")
	}

	cfg, err := config.LoadRebalancerConfig(_cfgFilePath)
	if err != nil {
		log.Fatalf("%s: can't load cfg", err)
	}

	zapLogger, loggerSync, err := logger.NewZapLogger(logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.NewDB(ctx, postgres.NewConfigFromEnv().Setup())
	if err != nil {
		zapLogger.Fatalf("%s: can't connect to db", err)
	}
	defer db.Close()

	st := store.New(db)
	creds := credentials.NewService(db)

	factory := exchange.NewFactory(cfg.Exchange.BaseURL, cfg.Exchange.Timeout, zapLogger)
	defer factory.Shutdown()

	cache := pricecache.New(factory.ClientFor("", ""), zapLogger)

	orch := orchestrator.New(
		creds,
		orchestrator.FactoryAdapter{Factory: factory},
		cache,
		allocator.New(zapLogger),
		router.New(zapLogger),
		executor.New(zapLogger),
		zapLogger,
	)

	sched := scheduler.New(st, orch, zapLogger)
	sched.SetDryRun(cfg.Scheduler.DryRun)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			zapLogger.Fatalf("%s: can't start scheduler", err)
		}
		defer sched.Stop()
	}

	handler := server.NewHandler(sched, factory, zapLogger)
	srv := server.NewHTTPServer(ctx, cfg.Server.Port, handler.Router())

	zapLogger.Infof("rebalancer listening on :%s", cfg.Server.Port)
	if err := srv.Run(ctx); err != nil {
		zapLogger.Errorf("%s: server stopped", err)
	}
}
