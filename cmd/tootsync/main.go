package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tootsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tootsync/internal/config"
	"github.com/MarcoPoloResearchLab/tootsync/internal/scheduler"
	"github.com/MarcoPoloResearchLab/tootsync/internal/server"
)

const (
	defaultEnvFile  = ".env"
	shutdownTimeout = 30 * time.Second
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tootsync",
		Short: "Mastodon toot sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger and the sync schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one sync and wait for both feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncOnce(cmd)
		},
	})

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the sync trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := cmd.Flags().GetString("subject")
			if err != nil {
				return err
			}
			return runIssueToken(cmd, subject)
		},
	}
	tokenCmd.Flags().String("subject", "tootsync-operator", "Token subject")
	rootCmd.AddCommand(tokenCmd)

	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", defaultEnvFile, "Path to dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres DSN (overrides env)")
	cmd.PersistentFlags().String("instance", "", "Mastodon instance domain")
	cmd.PersistentFlags().String("account-id", "", "Mastodon account id")
	cmd.PersistentFlags().String("schedule", defaults.GetString("sync.schedule"), "Cron schedule for sync, empty disables")
	cmd.PersistentFlags().String("response", defaults.GetString("sync.response"), "Request trigger payload (toots, ack)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "mastodon.instance", "instance")
	bindFlag(cmd, "mastodon.account_id", "account-id")
	bindFlag(cmd, "sync.schedule", "schedule")
	bindFlag(cmd, "sync.response", "response")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(envFile); err != nil {
		if cmd.Flags().Changed("env-file") || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Sync:         app.pipeline,
		Toots:        app.toots,
		Runs:         app.runs,
		Events:       app.events,
		Metrics:      app.metrics,
		Gatherer:     app.registry,
		Health:       sqlDB,
		ResponseMode: appConfig.ResponseMode,
		Logger:       logger,
	}
	if appConfig.TriggerSecret != "" {
		issuer, err := newTokenIssuer(appConfig)
		if err != nil {
			return err
		}
		deps.Tokens = issuer
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	syncSchedule, err := scheduler.New(scheduler.Config{
		Spec:   appConfig.SyncSchedule,
		Runner: app.pipeline,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	syncSchedule.Start(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := syncSchedule.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduled sync still running at shutdown", zap.Error(err))
	}
	if err := app.pipeline.Wait(shutdownCtx); err != nil {
		logger.Warn("background sync legs abandoned at shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return serveErr
}

type syncSummary struct {
	RunID    string `json:"run_id"`
	Feed     string `json:"feed"`
	Outcome  string `json:"outcome"`
	Fetched  int    `json:"fetched"`
	Filtered int    `json:"filtered"`
	Stored   int    `json:"stored"`
	Error    string `json:"error,omitempty"`
}

func runSyncOnce(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report := app.pipeline.SyncManual(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, appConfig.MastodonTimeout+shutdownTimeout)
	defer cancel()
	if err := app.pipeline.Wait(waitCtx); err != nil {
		app.logger.Warn("favourites leg did not settle", zap.Error(err))
	}

	summary := syncSummary{
		RunID:    report.RunID,
		Feed:     string(report.Feed),
		Outcome:  string(report.Outcome),
		Fetched:  report.Fetched,
		Filtered: report.Filtered,
		Stored:   report.Stored,
	}
	if report.Err != nil {
		summary.Error = report.Err.Error()
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	if err := encoder.Encode(summary); err != nil {
		return err
	}
	if report.Err != nil {
		return fmt.Errorf("statuses sync %s: %w", report.Outcome, report.Err)
	}
	return nil
}

func runIssueToken(cmd *cobra.Command, subject string) error {
	secret := viper.GetString("auth.trigger_secret")
	if secret == "" {
		return errors.New("auth.trigger_secret is required to mint tokens")
	}
	ttl := time.Duration(viper.GetInt("auth.token_ttl_minutes")) * time.Minute
	issuer, err := newTokenIssuer(config.AppConfig{TriggerSecret: secret, TokenTTL: ttl})
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueTriggerToken(subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
	return err
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.TriggerSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}
