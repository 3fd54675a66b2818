package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vpnshop/bot"
	"vpnshop/config"
	"vpnshop/installer"
	"vpnshop/logging"
	"vpnshop/modules"
	"vpnshop/provision"
	"vpnshop/scheduler"
	"vpnshop/security"
	"vpnshop/store"
	"vpnshop/webhook"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if len(os.Args) > 1 && os.Args[1] == "setup-fail2ban" {
		if err := installer.RunSetup(context.Background(), installer.DefaultConfig(cfg.AuthLogPath)); err != nil {
			logger.Fatal("fail2ban setup failed", zap.Error(err))
		}
		logger.Info("fail2ban jail installed", zap.String("logpath", cfg.AuthLogPath))
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("shop stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := seed(ctx, st, catalog); err != nil {
		return err
	}

	panel := modules.NewXUIClient(cfg.PanelTimeout, logger)
	engine := provision.NewService(st, panel, cfg.TrialDays, logger)
	authLog := security.NewAuthLog(cfg.AuthLogPath)

	controller, err := bot.New(bot.Config{
		AdminID: cfg.AdminID,
		Token:   cfg.BotToken,
		Plans:   catalog.Plans,
	}, st, engine, authLog, logger)
	if err != nil {
		return err
	}
	controller.Start()

	sched := scheduler.New(st, panel, controller, scheduler.NewNotificationCache(), scheduler.Config{
		Interval:   cfg.SyncInterval,
		StartDelay: cfg.SyncStartDelay,
		Grace:      scheduler.DefaultGrace,
		Tolerance:  scheduler.DefaultTolerance,
		Thresholds: cfg.NotifyBeforeHours,
	}, logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	hooks := webhook.New(controller, cfg.WebhookSecret, authLog, logger)
	srv := &http.Server{
		Addr:              cfg.WebhookAddr,
		Handler:           hooks.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("webhook server starting", zap.String("addr", cfg.WebhookAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook server forced to shutdown", zap.Error(err))
	}
	hooks.Wait(shutdownCtx)
	controller.Stop()
	<-schedDone
	logger.Info("shop exited")
	return nil
}

// seed applies the catalog: default settings that are not set yet, and the
// managed hosts.
func seed(ctx context.Context, st *store.Store, catalog *config.Catalog) error {
	defaults := make(map[string]string, len(store.DefaultSettings)+len(catalog.Settings))
	for k, v := range store.DefaultSettings {
		defaults[k] = v
	}
	for k, v := range catalog.Settings {
		defaults[k] = v
	}
	if err := st.SeedSettings(ctx, defaults); err != nil {
		return err
	}
	for _, host := range catalog.StoreHosts() {
		if err := st.UpsertHost(ctx, host); err != nil {
			return err
		}
	}
	return nil
}
