package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/pulsecrm/engine/internal/application/services"
	"github.com/pulsecrm/engine/internal/bootstrap"
	"github.com/pulsecrm/engine/internal/domain/ports"
	"github.com/pulsecrm/engine/internal/infrastructure/database"
	"github.com/pulsecrm/engine/internal/infrastructure/directory"
	"github.com/pulsecrm/engine/internal/infrastructure/persistence"
	"github.com/pulsecrm/engine/internal/interfaces/middleware"
	"github.com/pulsecrm/engine/internal/interfaces/rest"
	"github.com/pulsecrm/engine/pkg/expression"
	"github.com/pulsecrm/engine/pkg/secrets"
)

const defaultLeaseDuration = 5 * time.Minute

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("📦 Loaded environment from .env")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	// Database and schema
	conn, err := database.GetInstance()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db := conn.DB()
	log.Println("✅ Database connection established")

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()
	if err := bootstrap.EnsureSchema(bootCtx, db); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	// Secret encryption for stored API credentials
	passphrase := os.Getenv("WF_ENCRYPTION_KEY")
	if passphrase == "" {
		passphrase = "change-me-in-production"
		log.Println("⚠️  WF_ENCRYPTION_KEY not set, using default passphrase")
	}
	encryptor, err := secrets.NewEncryptor(passphrase)
	if err != nil {
		log.Fatalf("Failed to initialize secret encryption: %v", err)
	}

	// Repositories
	clock := ports.RealClock{}
	definitionRepo := persistence.NewDefinitionRepository(db, clock)
	instanceRepo := persistence.NewInstanceRepository(db, clock)
	eventRepo := persistence.NewEventRepository(db, clock)
	contextRepo := persistence.NewContextRepository(db, clock)
	jobRepo := persistence.NewJobRepository(db, clock, defaultLeaseDuration)
	scheduleRepo := persistence.NewScheduleRepository(db, clock)
	credentialRepo := persistence.NewCredentialRepository(db, clock)
	taskRepo := persistence.NewTaskRepository(db, clock)

	// The expression engine doubles as condition evaluator and template renderer
	exprEngine := expression.NewEngine()
	staffDir := directory.NewStaticDirectory()

	// Services
	taskSvc := services.NewTaskService(
		taskRepo, instanceRepo, definitionRepo, eventRepo, contextRepo, jobRepo,
		staffDir, exprEngine, clock)
	apiCallSvc := services.NewApiCallService(
		credentialRepo, eventRepo, contextRepo,
		services.NewHTTPClientCaller(), exprEngine, exprEngine, encryptor, clock)
	notificationSvc := services.NewNotificationService(
		jobRepo, eventRepo, &services.LogNotifier{}, exprEngine, clock)
	engineSvc := services.NewEngineService(
		definitionRepo, instanceRepo, eventRepo, contextRepo, jobRepo,
		exprEngine, clock, taskSvc, apiCallSvc, notificationSvc)
	definitionSvc := services.NewDefinitionService(definitionRepo, exprEngine, clock)
	monitorSvc := services.NewMonitorService(instanceRepo, eventRepo, contextRepo,
		taskRepo, jobRepo)
	credentialSvc := services.NewCredentialService(credentialRepo, encryptor, clock)
	log.Println("🔧 Services initialized")

	// Background maintenance chains. Each run reschedules the next, so boot
	// only has to seed a missing chain.
	if err := engineSvc.ScheduleCleanup(bootCtx); err != nil {
		log.Printf("⚠️  Failed to schedule instance cleanup: %v", err)
	}
	if err := taskSvc.ScheduleEscalationScan(bootCtx); err != nil {
		log.Printf("⚠️  Failed to schedule task escalation scan: %v", err)
	}

	// Workers
	hostname, _ := os.Hostname()
	workerID := hostname + "-" + strconv.Itoa(os.Getpid())
	workerPool := services.NewWorkerPool(jobRepo, engineSvc, workerID)
	if n, err := strconv.Atoi(os.Getenv("WF_WORKERS")); err == nil && n > 0 {
		workerPool.SetWorkers(n)
	}
	workerPool.Start()
	log.Printf("📤 Worker pool started (worker ID %s)", workerID)

	scheduler := services.NewSchedulerService(scheduleRepo, engineSvc, clock)
	scheduler.Start()
	log.Println("⏰ Scheduler service started (30s polling)")

	// Router
	router := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization", "X-API-Version"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"server": "engine",
		})
	})

	// Handlers
	definitionHandler := rest.NewDefinitionHandler(definitionSvc)
	instanceHandler := rest.NewInstanceHandler(engineSvc, monitorSvc)
	taskHandler := rest.NewTaskHandler(taskSvc)
	credentialHandler := rest.NewCredentialHandler(credentialSvc)
	scheduleHandler := rest.NewScheduleHandler(scheduleRepo, definitionSvc)
	monitorHandler := rest.NewMonitorHandler(monitorSvc)

	requireAuth := middleware.RequireAuth()
	requireAdmin := middleware.RequireRole("admin")

	api := router.Group("/api")
	api.Use(middleware.APIVersion())
	{
		workflows := api.Group("/workflows", requireAuth)
		{
			workflows.GET("", definitionHandler.List)
			workflows.POST("", definitionHandler.Create)
			workflows.GET("/:id", definitionHandler.Get)
			workflows.PUT("/:id", definitionHandler.Update)
			workflows.DELETE("/:id", definitionHandler.Delete)
			workflows.POST("/:id/publish", definitionHandler.Publish)
			workflows.POST("/:id/archive", definitionHandler.Archive)
			workflows.GET("/:id/versions", definitionHandler.ListVersions)
			workflows.POST("/:id/instances", instanceHandler.Start)
		}

		instances := api.Group("/instances", requireAuth)
		{
			instances.GET("", instanceHandler.List)
			instances.GET("/:id", instanceHandler.Get)
			instances.GET("/:id/events", instanceHandler.GetEvents)
			instances.GET("/:id/replay", instanceHandler.Replay)
			instances.POST("/:id/cancel", instanceHandler.Cancel)
			instances.POST("/:id/pause", instanceHandler.Pause)
			instances.POST("/:id/resume", instanceHandler.Resume)
			instances.POST("/:id/retry", instanceHandler.Retry)
		}

		// Entity-change ingress from the CRM backend
		api.POST("/events", requireAuth, instanceHandler.IngestEvent)

		tasks := api.Group("/tasks", requireAuth)
		{
			tasks.GET("", taskHandler.MyTasks)
			tasks.GET("/:id", taskHandler.Get)
			tasks.POST("/:id/claim", taskHandler.Claim)
			tasks.POST("/:id/complete", taskHandler.Complete)
		}

		credentials := api.Group("/credentials", requireAuth, requireAdmin)
		{
			credentials.GET("", credentialHandler.List)
			credentials.POST("", credentialHandler.Create)
			credentials.GET("/:name", credentialHandler.Get)
			credentials.PUT("/:name", credentialHandler.Rotate)
			credentials.POST("/:name/enabled", credentialHandler.SetEnabled)
			credentials.DELETE("/:name", credentialHandler.Delete)
		}

		schedules := api.Group("/schedules", requireAuth)
		{
			schedules.GET("", scheduleHandler.List)
			schedules.POST("", scheduleHandler.Create)
			schedules.GET("/:id", scheduleHandler.Get)
			schedules.PUT("/:id", scheduleHandler.Update)
			schedules.DELETE("/:id", scheduleHandler.Delete)
		}

		jobs := api.Group("/jobs", requireAuth)
		{
			jobs.GET("/dead-letters", monitorHandler.DeadLetters)
			jobs.GET("/:id", monitorHandler.GetJob)
		}
	}

	log.Println("═══════════════════════════════════════════════════")
	log.Println("🚀 PulseCRM Workflow Engine Started")
	log.Println("═══════════════════════════════════════════════════")
	log.Printf("📍 Server:        http://localhost:%s", port)
	log.Printf("📋 Workflows API: http://localhost:%s/api/workflows", port)
	log.Printf("📊 Instances API: http://localhost:%s/api/instances", port)
	log.Printf("💚 Health check:  http://localhost:%s/health", port)

	srv := &http.Server{
		Addr:    "0.0.0.0:" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	workerPool.Stop()
	log.Println("🛑 Worker pool stopped")
	scheduler.Stop()
	log.Println("🛑 Scheduler stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Println("Server exiting")
}
