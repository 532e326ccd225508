// Package cmd implements the controller's command line interface.
package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/cloudflare"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/docker"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/metrics"
	"github.com/lexfrei/cloudflare-tunnel-docker-controller/internal/reconcile"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "cloudflare-tunnel-docker-controller",
	Short: "Publish Docker container hostnames through Cloudflare Tunnel",
	Long: `A daemon that watches Docker container labels and reconciles them
against Cloudflare: it creates DNS records and tunnel ingress rules for
containers that declare public hostnames, and removes them when the
containers stop.`,
	RunE:          runController,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("account-id", "", "Cloudflare account ID (or CLOUDFLARE_ACCOUNT_ID env var)")
	rootCmd.Flags().String("api-key", "", "Cloudflare API token (or CLOUDFLARE_API_KEY env var)")
	rootCmd.Flags().String("tunnel-id", "", "Default Cloudflare tunnel ID (or CLOUDFLARE_TUNNEL_ID env var)")
	rootCmd.Flags().String("metrics-addr", ":8080", "Address for metrics endpoint")
	rootCmd.Flags().Bool("dry-run", false, "Log mutating Cloudflare API calls instead of performing them")
	rootCmd.Flags().Bool("cf-debug", false, "Log every Cloudflare API HTTP exchange")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("CLOUDFLARE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("metrics-addr", ":8080")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo

	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if viper.GetString("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// requiredConfig returns the three required identifiers, or an error
// naming every missing environment variable at once.
func requiredConfig(logger *slog.Logger) (accountID, apiKey, tunnelID string, err error) {
	accountID = viper.GetString("account-id")
	apiKey = viper.GetString("api-key")
	tunnelID = viper.GetString("tunnel-id")

	var missing []string

	if accountID == "" {
		missing = append(missing, "CLOUDFLARE_ACCOUNT_ID")
	}

	if apiKey == "" {
		missing = append(missing, "CLOUDFLARE_API_KEY")
	}

	if tunnelID == "" {
		missing = append(missing, "CLOUDFLARE_TUNNEL_ID")
	}

	if len(missing) > 0 {
		logger.Error("required configuration is not set", "missing", missing)

		return "", "", "", errors.Newf("%s environment variables are not set", strings.Join(missing, ", "))
	}

	return accountID, apiKey, tunnelID, nil
}

//nolint:noinlineerr // inline error handling is fine here
func runController(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	logger.Info("starting cloudflare-tunnel-docker-controller",
		"version", version,
		"gitsha", gitsha,
	)

	accountID, apiKey, tunnelID, err := requiredConfig(logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsServer := startMetricsServer(logger, registry, viper.GetString("metrics-addr"))

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	var api cloudflare.API = cloudflare.NewClient(cloudflare.ClientConfig{
		APIToken: apiKey,
		Debug:    viper.GetBool("cf-debug"),
		Metrics:  collector,
		Logger:   logger,
	})

	if viper.GetBool("dry-run") {
		logger.Info("dry-run enabled, mutating api calls will be skipped")

		api = cloudflare.NewDryRun(api, logger)
	}

	source, err := docker.NewSource(logger)
	if err != nil {
		return errors.Wrap(err, "failed to connect to docker daemon")
	}

	driver := reconcile.NewDriver(api, accountID, tunnelID, collector, logger)

	logger.Info("using default tunnel", "tunnel_id", tunnelID)

	// Subscribe before the snapshot so containers starting during the scan
	// are still observed; replays are idempotent either way.
	events := source.Watch(ctx)

	snapshot, err := source.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list containers")
	}

	driver.SyncAll(ctx, snapshot)

	for event := range events {
		driver.HandleEvent(ctx, event)
	}

	logger.Info("event stream closed, shutting down")

	return nil
}

func startMetricsServer(logger *slog.Logger, registry *prometheus.Registry, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return server
}
