package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"forge-backend/internal/access"
	"forge-backend/internal/admin"
	"forge-backend/internal/audit"
	"forge-backend/internal/auth"
	"forge-backend/internal/config"
	"forge-backend/internal/engine"
	"forge-backend/internal/metadata"
	"forge-backend/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s/%s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Seed declarative schema files
	if err := db.SeedSchemaDir(ctx, cfg.SchemaDir); err != nil {
		log.Fatalf("Failed to seed schema dir: %v", err)
	}

	// 5. Create registry and load metadata
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}

	// 6. Migrate entity tables
	migrator := store.NewMigrator(db)
	for _, entity := range reg.AllEntities() {
		if err := migrator.Migrate(ctx, entity); err != nil {
			log.Printf("WARN: Failed to migrate entity %s: %v", entity.Name, err)
		}
	}

	// 7. Audit trail for access decisions
	var recorder access.Recorder = audit.NopRecorder{}
	var trail *audit.Trail
	if cfg.Audit.Enabled {
		trail = audit.NewTrail(db, cfg.Audit)
		recorder = trail
		if cfg.Audit.RetentionDays > 0 {
			go audit.RunCleanupLoop(ctx, db, cfg.Audit.RetentionDays)
		}
		log.Println("Audit trail enabled")
	}

	// 8. Access guard: the registry for rules, the store for record fetches
	guard := access.NewGuard(reg, db, recorder)

	// 9. Create Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 10. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 11. Auth routes (before middleware — no auth required)
	authHandler := auth.NewAuthHandler(db, cfg.JWTSecret)
	auth.RegisterAuthRoutes(app, authHandler)

	// 12. Auth middleware for all protected routes
	authMW := auth.AuthMiddleware(cfg.JWTSecret)
	adminMW := auth.RequireAdmin()

	// 13. Register admin routes (auth + admin required)
	adminHandler := admin.NewHandler(db, reg, migrator)
	admin.RegisterAdminRoutes(app, adminHandler, authMW, adminMW)

	// 14. Audit inspection routes (auth + admin required)
	auditGroup := app.Group("/api/_admin", authMW, adminMW)
	audit.RegisterAuditRoutes(auditGroup, audit.NewHandler(db))

	// 15. Register dynamic entity routes (auth required)
	engineHandler := engine.NewHandler(db, reg, guard)
	engine.RegisterDynamicRoutes(app, engineHandler, authMW)

	// 16. Start server, flush the trail on shutdown
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("Shutting down")
		if err := app.Shutdown(); err != nil {
			log.Printf("ERROR: shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	if trail != nil {
		trail.Stop()
	}
}
