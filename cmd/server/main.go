package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"rocket-backend/internal/config"
	"rocket-backend/internal/engine"
	"rocket-backend/internal/multiapp"
	"rocket-backend/internal/storage"
	"rocket-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, management db: %s:%d/%s)", cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	// 2. Connect to the management (platform) database
	mgmtStore, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to management database: %v", err)
	}
	defer mgmtStore.Close()
	log.Println("Management database connected")

	// 3. Bootstrap platform tables (_apps, _platform_users, _platform_refresh_tokens)
	if err := mgmtStore.BootstrapPlatform(ctx); err != nil {
		log.Fatalf("Failed to bootstrap platform tables: %v", err)
	}
	log.Println("Platform tables ready")

	// 4. File storage shared across every app (per-app subdirectory keyed by app name)
	fileStorage := storage.NewLocalStorage(cfg.Files.BasePath)

	// 5. App Manager owns every tenant's pool, registry and handlers
	appManager := multiapp.NewAppManager(mgmtStore, cfg.Database, cfg.AppPoolSize, fileStorage, cfg.Files.MaxSizeBytes, cfg.Instrumentation)
	if err := appManager.LoadAll(ctx); err != nil {
		log.Printf("WARN: Failed to load apps: %v", err)
	}
	defer appManager.Close()

	// 6. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 7. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 8. Platform routes (/api/_platform/*) — app provisioning, platform auth
	platformHandler := multiapp.NewPlatformHandler(mgmtStore, cfg.PlatformJWTSecret, appManager)
	platformAuthMW := multiapp.PlatformAuthMiddleware(cfg.PlatformJWTSecret)
	multiapp.RegisterPlatformRoutes(app, platformHandler, platformAuthMW)

	// 9. Per-app routes (/api/:app/*) — auth, admin metadata CRUD, workflow runtime, files, events, dynamic entities
	multiapp.RegisterAppRoutes(app, appManager, cfg.PlatformJWTSecret)

	// 10. Start the cross-app scheduler (workflow timeouts + webhook retries, one tick per app)
	scheduler := multiapp.NewMultiAppScheduler(appManager)
	scheduler.Start()
	defer scheduler.Stop()

	// 11. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
