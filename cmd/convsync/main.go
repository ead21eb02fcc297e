package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/inboxworks/convsync/internal/convsync"
	"github.com/inboxworks/convsync/internal/eventbus"
	"github.com/inboxworks/convsync/internal/httpapi"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	addr := os.Getenv("CONVSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}

	secrets, err := buildSecretsFromEnv(logger)
	if err != nil {
		log.Fatalf("failed to load webhook secrets: %v", err)
	}
	defer secrets.Close()

	publisher, err := buildPublisherFromEnv(logger)
	if err != nil {
		log.Fatalf("failed to connect event bus: %v", err)
	}
	defer publisher.Close()

	service := convsync.NewService(convsync.ServiceOptions{
		Store:     store,
		Provider:  buildProviderFromEnv(),
		Publisher: publisher,
		Logger:    logger,
	})

	pipeline := convsync.NewPipeline(convsync.PipelineOptions{
		Service:            service,
		Logger:             logger,
		QueueSize:          intEnv("CONVSYNC_QUEUE_SIZE", 0),
		Workers:            intEnv("CONVSYNC_WORKERS", 0),
		EventTimeout:       durationEnv("CONVSYNC_EVENT_TIMEOUT", 0),
		MaxCallbackRecords: intEnv("CONVSYNC_MAX_CALLBACK_RECORDS", 0),
	})
	defer pipeline.Close()

	server := httpapi.NewServer(service, pipeline, secrets, httpapi.ServerConfig{
		JWTSecret:    os.Getenv("CONVSYNC_JWT_SECRET"),
		MaxBodyBytes: int64Env("CONVSYNC_MAX_BODY_BYTES", 0),
	}, logger)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("convsync listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", slog.Any("error", err))
	}
}

func buildStoreFromEnv() (convsync.MessageStore, error) {
	dsn := strings.TrimSpace(os.Getenv("CONVSYNC_POSTGRES_DSN"))
	if dsn == "" {
		return convsync.NewMemoryStore(), nil
	}
	return convsync.NewPostgresStore(dsn)
}

func buildSecretsFromEnv(logger *slog.Logger) (convsync.SecretSource, error) {
	if path := strings.TrimSpace(os.Getenv("CONVSYNC_SECRETS_FILE")); path != "" {
		return convsync.NewFileSecrets(path, logger)
	}
	return convsync.NewStaticSecrets(
		os.Getenv("CONVSYNC_APP_SECRET"),
		os.Getenv("CONVSYNC_VERIFY_TOKEN"),
	), nil
}

func buildPublisherFromEnv(logger *slog.Logger) (eventbus.Publisher, error) {
	url := strings.TrimSpace(os.Getenv("CONVSYNC_AMQP_URL"))
	if url == "" {
		return eventbus.NewFallback(logger), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := eventbus.DialWithRetry(ctx, eventbus.ConnectionOptions{
		URL:    url,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	exchange := strings.TrimSpace(os.Getenv("CONVSYNC_AMQP_EXCHANGE"))
	if exchange == "" {
		exchange = "convsync.events"
	}
	return eventbus.NewFromConnection(conn, exchange, logger)
}

func buildProviderFromEnv() convsync.ProviderClient {
	token := strings.TrimSpace(os.Getenv("CONVSYNC_PROVIDER_TOKEN"))
	phoneID := strings.TrimSpace(os.Getenv("CONVSYNC_PROVIDER_PHONE_ID"))
	if token == "" || phoneID == "" {
		return convsync.NoopProviderClient{}
	}
	baseURL := strings.TrimSpace(os.Getenv("CONVSYNC_PROVIDER_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v19.0"
	}
	client, err := convsync.NewHTTPProviderClient(convsync.HTTPProviderClientOptions{
		BaseURL:     baseURL,
		AccessToken: token,
		PhoneID:     phoneID,
	})
	if err != nil {
		log.Printf("invalid provider configuration, sends will be simulated: %v", err)
		return convsync.NoopProviderClient{}
	}
	return client
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
