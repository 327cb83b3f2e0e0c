package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pagenest/pagesync/internal/auth"
	"github.com/pagenest/pagesync/internal/config"
	"github.com/pagenest/pagesync/internal/database"
	"github.com/pagenest/pagesync/internal/logging"
	"github.com/pagenest/pagesync/internal/netstatus"
	"github.com/pagenest/pagesync/internal/pages"
	"github.com/pagenest/pagesync/internal/report"
	"github.com/pagenest/pagesync/internal/server"
	"github.com/pagenest/pagesync/internal/syncer"
	"github.com/pagenest/pagesync/internal/syncqueue"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pagesyncd",
		Short: "PageSync local sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("listen", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("db-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("server-url", defaults.GetString("sync.server_url"), "Remote sync server base URL")
	cmd.PersistentFlags().String("token-file", defaults.GetString("auth.token_file"), "Path to bearer token file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("poll-seconds", defaults.GetInt("sync.poll_seconds"), "Connectivity poll interval in seconds")

	bindFlag(cmd, "http.address", "listen")
	bindFlag(cmd, "database.path", "db-path")
	bindFlag(cmd, "sync.server_url", "server-url")
	bindFlag(cmd, "auth.token_file", "token-file")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.poll_seconds", "poll-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	var tokenSource auth.TokenSource
	if appConfig.TokenFile != "" {
		tokenSource, err = auth.NewFileTokenSource(auth.FileTokenSourceConfig{Path: appConfig.TokenFile})
		if err != nil {
			return err
		}
	} else {
		tokenSource = auth.NewStaticTokenSource(appConfig.AuthToken)
	}

	store, err := pages.NewStore(pages.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	queue, err := syncqueue.NewQueue(syncqueue.QueueConfig{
		Database:   db,
		IDProvider: syncqueue.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	client, err := syncer.NewClient(syncer.ClientConfig{
		BaseURL:     appConfig.ServerURL,
		TokenSource: tokenSource,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	service, err := syncer.NewService(syncer.ServiceConfig{
		Database: db,
		Store:    store,
		Queue:    queue,
		Client:   client,
		Reporter: report.NewZapReporter(logger),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	probe, err := netstatus.NewProbe(appConfig.ServerURL, 0)
	if err != nil {
		return err
	}

	orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Service:       service,
		Queue:         queue,
		Store:         store,
		Network:       probe,
		Logger:        logger,
		PollInterval:  appConfig.PollInterval,
		DebounceDelay: appConfig.DebounceDelay,
	})
	if err != nil {
		return err
	}
	orchestrator.Start()
	defer orchestrator.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:        store,
		Orchestrator: orchestrator,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("local API listening", zap.String("address", appConfig.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// One round shortly after startup drains anything left over from the
	// previous run.
	orchestrator.ScheduleSync()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		return err
	case <-signalCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	logger.Info("agent stopped")
	return nil
}
