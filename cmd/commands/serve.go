package commands

import (
	"os/signal"
	"sync"
	"syscall"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/lucentlabs/lucent/config"
	"github.com/lucentlabs/lucent/internal/api/middleware"
	"github.com/lucentlabs/lucent/internal/api/v1/handlers"
	v1 "github.com/lucentlabs/lucent/internal/api/v1/routes"
	"github.com/lucentlabs/lucent/internal/db"
	"github.com/lucentlabs/lucent/internal/db/repos"
	"github.com/lucentlabs/lucent/internal/logger"
	"github.com/lucentlabs/lucent/internal/metrics"
	"github.com/lucentlabs/lucent/internal/provider"
	"github.com/lucentlabs/lucent/internal/services"
	"github.com/lucentlabs/lucent/internal/signature"
	"github.com/lucentlabs/lucent/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the outbox dispatcher",
	RunE: func(cmd *cobra.Command, _ []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}

		jobService, dispatcher := buildServices(database)

		m := metricsInstance
		verifier := signature.NewVerifier(
			config.GetEnv("CALLBACK_SECRET", ""),
			config.GetEnvDuration("CALLBACK_TOLERANCE", signature.DefaultTolerance),
		)

		app := fiber.New(fiber.Config{
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				if e, ok := err.(*fiber.Error); ok {
					code = e.Code
				}
				return c.Status(code).JSON(fiber.Map{"error": err.Error()})
			},
		})
		app.Use(middleware.Logger())

		app.Get("/health", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"status": "healthy"})
		})
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
		v1.Register(app, handlers.NewAPIHandler(jobService, verifier))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup
		wg.Add(1)
		go dispatcher.Run(ctx, &wg)

		addr := config.GetEnv("LISTEN_ADDR", ":8080")
		go func() {
			<-ctx.Done()
			logger.Info("Shutting down API server...")
			_ = app.Shutdown()
		}()

		if err := app.Listen(addr); err != nil {
			stop()
			wg.Wait()
			return err
		}

		wg.Wait()
		return nil
	},
}

// metricsInstance is shared between the serve wiring and the /metrics route.
var metricsInstance = metrics.New()

func openDatabase() (*gorm.DB, error) {
	return db.New(db.Options{
		Host:     config.GetEnv("DB_HOST", db.DefaultHost),
		User:     config.GetEnv("DB_USER", db.DefaultUser),
		Password: config.GetEnv("DB_PASSWORD", db.DefaultPassword),
		DBName:   config.GetEnv("DB_NAME", db.DefaultDBName),
		Port:     config.GetEnvInt("DB_PORT", db.DefaultPort),
	})
}

func buildRegistry() *provider.Registry {
	gateways := []provider.Gateway{provider.NewMock()}
	if baseURL := config.GetEnv("PROVIDER_BASE_URL", ""); baseURL != "" {
		gateways = append(gateways, provider.NewHTTPGateway(provider.HTTPGatewayConfig{
			ProviderName: config.GetEnv("PROVIDER_NAME", "magnific"),
			BaseURL:      baseURL,
			APIToken:     config.GetEnv("PROVIDER_API_TOKEN", ""),
			Timeout:      config.GetEnvDuration("PROVIDER_TIMEOUT", provider.DefaultTimeout),
		}))
	}
	return provider.NewRegistry(gateways...)
}

func buildUploader() storage.Uploader {
	endpoint := config.GetEnv("STORAGE_ENDPOINT", "")
	if endpoint == "" {
		return nil
	}
	uploader, err := storage.NewMinioUploader(storage.MinioConfig{
		Endpoint:  endpoint,
		AccessKey: config.GetEnv("STORAGE_ACCESS_KEY", ""),
		SecretKey: config.GetEnv("STORAGE_SECRET_KEY", ""),
		Bucket:    config.GetEnv("STORAGE_BUCKET", "lucent-results"),
		Secure:    config.GetEnv("STORAGE_SECURE", "true") == "true",
	})
	if err != nil {
		logger.Fatalf("Failed to configure object storage: %v", err)
	}
	return uploader
}

func buildServices(database *gorm.DB) (*services.Job, *services.Dispatcher) {
	jobRepo := repos.NewJobRepository(database)
	outboxRepo := repos.NewOutboxRepository(database)
	variantRepo := repos.NewVariantRepository(database)
	registry := buildRegistry()

	jobService := services.NewJobService(jobRepo, outboxRepo, variantRepo, registry, metricsInstance)

	dispatcher := services.NewDispatcher(outboxRepo, jobService, metricsInstance, services.DispatcherConfig{
		PollInterval:  config.GetEnvDuration("DISPATCH_POLL_INTERVAL", services.DefaultPollInterval),
		SweepInterval: config.GetEnvDuration("DISPATCH_SWEEP_INTERVAL", services.DefaultSweepInterval),
		StaleAfter:    config.GetEnvDuration("DISPATCH_STALE_AFTER", services.DefaultStaleAfter),
		BatchSize:     config.GetEnvInt("DISPATCH_BATCH_SIZE", services.DefaultBatchSize),
		WorkerCount:   config.GetEnvInt("DISPATCH_WORKERS", services.DefaultWorkerCount),
		MaxAttempts:   config.GetEnvInt("DISPATCH_MAX_ATTEMPTS", services.DefaultMaxAttempts),
		BaseDelay:     config.GetEnvDuration("DISPATCH_BASE_DELAY", services.DefaultBaseDelay),
		MaxDelay:      config.GetEnvDuration("DISPATCH_MAX_DELAY", services.DefaultMaxDelay),
	})
	dispatcher.Register(
		services.NewProviderSubmitHandler(jobService, registry, buildUploader()),
		services.NewWebhookNotifyHandler(jobService, variantRepo),
	)

	return jobService, dispatcher
}
