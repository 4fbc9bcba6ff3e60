package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayFox/app/controllers"
	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/middleware"
	"github.com/ManuelReschke/PayFox/internal/pkg/momo"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
	"github.com/ManuelReschke/PayFox/internal/pkg/reconciliation"
	"github.com/ManuelReschke/PayFox/internal/pkg/retry"
	"github.com/ManuelReschke/PayFox/internal/pkg/router"
	"github.com/ManuelReschke/PayFox/internal/pkg/secrets"
	"github.com/ManuelReschke/PayFox/internal/pkg/statementarchive"
	"github.com/ManuelReschke/PayFox/internal/pkg/submission"
	"github.com/ManuelReschke/PayFox/internal/pkg/webhook"
	"github.com/ManuelReschke/PayFox/internal/pkg/zra"
)

func main() {
	app, manager := NewApplication()
	manager.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		fiberlog.Info("[Server] Shutting down")
		manager.Stop()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

// NewApplication wires storage, providers, the submission path and the
// background workers behind the HTTP surface. The returned manager owns the
// job queue and periodic sweeps and is started by the caller.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	repository.InitializeFactory(database.GetDB())
	cache.SetupCache()

	repos := repository.GetGlobalRepositories()

	cipher, err := secrets.NewCipherFromHex(env.GetEnv("SECRET_KEY", ""))
	if err != nil {
		panic(fmt.Errorf("SECRET_KEY: %w", err))
	}

	companyID, err := strconv.ParseUint(env.GetEnv("COMPANY_ID", "1"), 10, 64)
	if err != nil {
		panic(fmt.Errorf("COMPANY_ID: %w", err))
	}
	registry := providers.NewRegistry(repos, cipher, uint(companyID),
		models.ParseEnvironment(env.GetEnv("PAYFOX_ENVIRONMENT", string(models.EnvironmentSandbox))))

	// background workers
	manager := jobqueue.GetManager()
	queue := manager.GetQueue()
	queue.Handle(jobqueue.JobTypeNotificationDispatch, jobqueue.NotificationHandler(notify.LogSink{}))

	// notifications go through the job queue unless delivery is configured inline
	var notifier notify.Dispatcher = jobqueue.NewNotificationDispatcher(queue)
	if env.GetEnv("NOTIFY_DELIVERY", "queue") == "inline" {
		notifier = &notify.AsyncDispatcher{Sink: notify.LogSink{}}
	}
	l := ledger.NewService(repos, registry, notifier)

	// outbound HTTP: every hop goes through the audit trail
	trail := audit.NewTrail(repos.AuditLog)
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &audit.Transport{Base: http.DefaultTransport, Trail: trail},
	}
	tokens := gateway.NewTokenManager(httpClient, gateway.NewRedisTokenStore(cache.GetClient()))
	gw := gateway.NewClient(httpClient, tokens, registry)
	momoClient := momo.NewClient(gw)
	zraClient := zra.NewClient(gw)

	// Smart Invoice documents arrive through the API and are stored on the invoice
	submitter := submission.NewService(l, momoClient, zraClient, nil)
	submitter.RegisterJobs(queue)

	scheduler := retry.NewScheduler(l, submitter)
	for _, task := range scheduler.Tasks(models.GetAppSettings) {
		manager.Schedule(task)
	}

	reconciler := reconciliation.NewEngine(l, momoClient, models.GetAppSettings)
	if archive := newStatementArchive(); archive != nil {
		cfg := archive.Config()
		reconciler.WithArchive(archive, func(p *models.Provider, from, to time.Time) string {
			return cfg.ObjectKey(p.Code, from, to)
		})
	}
	reconciler.RegisterJobs(queue)
	manager.Schedule(reconciler.DailyTask())

	health := providers.NewHealthMonitor(registry, &http.Client{
		Timeout:   10 * time.Second,
		Transport: httpClient.Transport,
	})
	manager.Schedule(jobqueue.PeriodicTask{
		Name: "provider_health",
		Interval: func() time.Duration {
			return models.GetAppSettings().GetHealthCheckInterval()
		},
		Run: health.CheckOnce,
	})

	intake := webhook.NewIntake(repos, registry, l, trail)

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 4 * 1024 * 1024,
	})

	// recovery, logging and correlation ids
	app.Use(recover.New(), logger.New(), middleware.CorrelationID)

	operators := map[string]string{
		env.GetEnv("ADMIN_USER", "admin"): env.GetEnv("ADMIN_PASSWORD", ""),
	}

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: operators,
	}), monitor.New())

	// SWAGGER / OPENAPI
	if basePath := findBasePath(); basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "public/docs/v1/openapi.yml",
			Path:     "v1",
		}))
	} else {
		fiberlog.Warn("[Server] OpenAPI document not found, /docs/api disabled")
	}

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Webhooks: controllers.NewWebhookController(intake),
		Operator: controllers.NewOperatorController(controllers.OperatorDeps{
			Ledger:     l,
			Submitter:  submitter,
			Trail:      trail,
			Reconciler: reconciler,
			Queue:      queue,
		}),
		Operators:    operators,
		Storage:      cache.NewLimiterStorage(),
		APIRateLimit: env.GetEnvInt("API_RATE_LIMIT", 120),
	})

	return app, manager
}

// newStatementArchive returns nil when archiving is disabled or S3 is unreachable.
func newStatementArchive() *statementarchive.Archive {
	cfg, err := statementarchive.LoadConfig()
	if err != nil {
		fiberlog.Errorf("[Reconcile] Statement archive config invalid: %v", err)
		return nil
	}
	if !cfg.IsEnabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	archive, err := statementarchive.New(ctx, cfg)
	if err != nil {
		fiberlog.Errorf("[Reconcile] Statement archive unavailable: %v", err)
		return nil
	}
	return archive
}

func findBasePath() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/payfox to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	return ""
}
