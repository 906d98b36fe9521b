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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"iap-helper/internal/api"
	"iap-helper/internal/config"
	"iap-helper/internal/database"
	"iap-helper/internal/iap"
	"iap-helper/internal/metrics"
	"iap-helper/internal/middleware"
	"iap-helper/internal/notify"
	"iap-helper/internal/paymentqueue"
	"iap-helper/internal/securestore"
	"iap-helper/internal/storefront"
	"iap-helper/internal/verifier"
	"iap-helper/pkg/logging"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging(cfg.Mode, cfg.LogLevel)

	defs, err := config.LoadCatalogFile(cfg.CatalogFile)
	if err != nil {
		log.Fatal("Failed to load catalog:", err)
	}

	// Initialize database
	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.Close(db)

	store, closeStore, err := buildStore(cfg, db)
	if err != nil {
		log.Fatal("Failed to initialize secure store:", err)
	}
	defer closeStore()

	queue := paymentqueue.New(db, paymentqueue.Options{
		PaymentsEnabled: true,
		AutoSettle:      cfg.QueueAutoSettle,
	})
	defer queue.Close()

	// Inline entries are handed to the catalog instead of the definitions
	entries := config.StaticEntries(defs)
	for i := range defs {
		defs[i].Entry = nil
	}

	deps := iap.Deps{
		Store:        store,
		Fetcher:      buildFetcher(cfg, entries),
		Queue:        queue,
		Bus:          iap.NewEventBus(),
		Account:      cfg.AccountScope,
		SharedSecret: cfg.SharedSecret,
		Marker:       cfg.Marker,
	}
	if cfg.SharedSecret != "" {
		deps.Verifier = verifier.NewAppleVerifier(verifier.Config{
			ProductionURL:   cfg.VerifyProductionURL,
			SandboxURL:      cfg.VerifySandboxURL,
			Sandbox:         cfg.VerifyEnvironment == "sandbox",
			Timeout:         cfg.HTTPTimeout,
			BreakerFailures: uint32(cfg.BreakerFailures),
			BreakerTimeout:  cfg.BreakerTimeout,
		})
		deps.Receipts = verifier.FileReceiptSource{Path: cfg.ReceiptFile}
	} else {
		logging.Warnf("SHARED_SECRET not set, purchases activate without receipt verification")
	}

	ctx := context.Background()
	catalog, err := iap.NewCatalog(ctx, deps, defs)
	if err != nil {
		log.Fatal("Failed to initialize catalog:", err)
	}
	defer catalog.Close()
	if cfg.StorefrontURL != "" && len(entries) > 0 {
		logging.Infof("Preloaded catalog entries - count: %d", catalog.RestoreEntries(entries))
	}

	collector, err := metrics.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal("Failed to register metrics:", err)
	}
	collector.Attach(catalog.Bus(), catalog)

	var webhook *notify.WebhookNotifier
	if cfg.WebhookURL != "" {
		webhook = notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret)
		webhook.Attach(catalog.Bus())
	}

	// Transactions left unfinished by a previous run
	if _, err := queue.Redeliver(ctx); err != nil {
		logging.Errorf("Failed to redeliver transactions: %v", err)
	}
	catalog.FetchAll(ctx)

	replay := middleware.NewReplayProtection(24 * time.Hour)
	defer replay.Stop()

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, api.NewHandler(catalog, queue), api.RouteConfig{
		APIKey:   cfg.APIKey,
		Gatherer: prometheus.DefaultGatherer,
		Replay:   replay,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Infof("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
	}
	catalog.Wait()
	queue.Wait()
	if webhook != nil {
		webhook.Wait()
	}
}

func buildStore(cfg *config.Config, db *gorm.DB) (iap.SecureRecordStore, func(), error) {
	var store iap.SecureRecordStore
	closeStore := func() {}

	switch cfg.StoreBackend {
	case config.StoreRedis:
		client, err := database.OpenRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store = securestore.NewRedisStore(client, "iap")
		closeStore = func() {
			if err := client.Close(); err != nil {
				logging.Errorf("Failed to close Redis: %v", err)
			}
		}
	case config.StoreMemory:
		logging.Warnf("Using in-memory secure store, activations are lost on restart")
		store = securestore.NewMemoryStore()
	default:
		store = securestore.NewGormStore(db)
	}

	if cfg.SealKey != "" {
		sealed, err := securestore.NewSealedStore(store, cfg.SealKey)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		store = sealed
	}
	logging.Infof("Secure store ready - backend: %s, sealed: %t", cfg.StoreBackend, cfg.SealKey != "")
	return store, closeStore, nil
}

// buildFetcher prefers the remote storefront. Without one, entries declared
// in the catalog file are served by a static fetcher and still arrive through
// the normal fetch path.
func buildFetcher(cfg *config.Config, entries []iap.CatalogEntry) iap.CatalogFetcher {
	if cfg.StorefrontURL != "" {
		return storefront.NewHTTPFetcher(storefront.Config{
			BaseURL:         cfg.StorefrontURL,
			Timeout:         cfg.HTTPTimeout,
			BreakerFailures: uint32(cfg.BreakerFailures),
			BreakerTimeout:  cfg.BreakerTimeout,
		})
	}
	return storefront.NewStaticFetcher(entries)
}
