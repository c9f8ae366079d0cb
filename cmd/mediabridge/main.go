package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/mediabridge/internal/backend"
	"github.com/italolelis/mediabridge/internal/config"
	"github.com/italolelis/mediabridge/internal/dc/qbittorrent"
	"github.com/italolelis/mediabridge/internal/http/rest"
	"github.com/italolelis/mediabridge/internal/logctx"
	"github.com/italolelis/mediabridge/internal/notifier"
	"github.com/italolelis/mediabridge/internal/release"
	"github.com/italolelis/mediabridge/internal/settings"
	"github.com/italolelis/mediabridge/internal/settings/sqlite"
	"github.com/italolelis/mediabridge/internal/svc/prowlarr"
	"github.com/italolelis/mediabridge/internal/telemetry"
	"github.com/italolelis/mediabridge/internal/transfer"
)

const serviceName = "mediabridge"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("mediabridge starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	store := sqlite.NewSettingsStore(database)

	// =========================================================================
	// Start Notification
	var notif notifier.Notifier = notifier.NopNotifier{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	// =========================================================================
	// Start API Service
	defaults := settings.Settings{
		SearchURL:        cfg.Prowlarr.URL,
		SearchAPIKey:     cfg.Prowlarr.APIKey,
		SearchEnabled:    cfg.Prowlarr.Enabled,
		TransferURL:      cfg.QBittorrent.URL,
		TransferUsername: cfg.QBittorrent.Username,
		TransferPassword: cfg.QBittorrent.Password,
	}

	gateway, err := rest.NewGatewayHandler(
		ctx,
		cfg.Web.Username, cfg.Web.Password,
		store,
		defaults,
		clientFactory(ctx, tel),
		notif,
		tel,
	)
	if err != nil {
		return fmt.Errorf("failed to setup gateway: %w", err)
	}

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Mount("/", gateway.Routes())
	r.Handle("/metrics", tel.Handler())

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}
	}

	return nil
}

// clientFactory builds both backend clients from a settings snapshot. A
// backend left unconfigured yields a placeholder that surfaces the
// configuration error on first use instead of failing startup.
func clientFactory(ctx context.Context, tel *telemetry.Telemetry) rest.ClientFactory {
	logger := logctx.LoggerFromContext(ctx)

	return func(s settings.Settings) rest.ClientSet {
		var set rest.ClientSet

		switch {
		case !s.SearchEnabled:
			set.Indexer = unavailableIndexer{err: &backend.ConfigurationError{Backend: "prowlarr", Reason: "search backend is disabled"}}
		default:
			client, err := prowlarr.NewClient(prowlarr.Config{URL: s.SearchURL, APIKey: s.SearchAPIKey, Enabled: s.SearchEnabled})
			if err != nil {
				logger.Warn("search backend not configured", "err", err)
				set.Indexer = unavailableIndexer{err: err}
			} else {
				set.Indexer = transfer.NewInstrumentedIndexer(client, tel, "prowlarr")
			}
		}

		client, err := qbittorrent.NewClient(qbittorrent.Config{URL: s.TransferURL, Username: s.TransferUsername, Password: s.TransferPassword})
		if err != nil {
			logger.Warn("transfer backend not configured", "err", err)
			set.Transfer = unavailableTransferClient{err: err}
		} else {
			set.Transfer = transfer.NewInstrumentedClient(client, tel, "qbittorrent")
		}

		return set
	}
}

type unavailableIndexer struct {
	err error
}

func (u unavailableIndexer) Search(context.Context, string, []int, int, release.SortBy) ([]release.Release, error) {
	return nil, u.err
}

func (u unavailableIndexer) Grab(context.Context, int, string, int) error {
	return u.err
}

func (u unavailableIndexer) TestConnection(context.Context) bool {
	return false
}

type unavailableTransferClient struct {
	err error
}

func (u unavailableTransferClient) GetTransfers(context.Context, string) ([]transfer.Transfer, error) {
	return nil, u.err
}

func (u unavailableTransferClient) Pause(context.Context, string) error {
	return u.err
}

func (u unavailableTransferClient) Resume(context.Context, string) error {
	return u.err
}

func (u unavailableTransferClient) Delete(context.Context, string, bool) error {
	return u.err
}

func (u unavailableTransferClient) TransferStats(context.Context) (*transfer.Stats, error) {
	return nil, u.err
}
