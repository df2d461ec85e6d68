package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/reelworks/reelpay/internal/pkg/billing"
	"github.com/reelworks/reelpay/internal/pkg/cache"
	"github.com/reelworks/reelpay/internal/pkg/cron"
	"github.com/reelworks/reelpay/internal/pkg/database"
	"github.com/reelworks/reelpay/internal/pkg/env"
	"github.com/reelworks/reelpay/internal/pkg/jobqueue"
	"github.com/reelworks/reelpay/internal/pkg/jwtverify"
	"github.com/reelworks/reelpay/internal/pkg/router"
)

func main() {
	app, queue := NewApplication()

	// Drain workers before the listener dies so provider round-trips are
	// not cut off mid-flight.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		queue.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *jobqueue.Queue) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repo := billing.NewRepository(database.GetDB())

	web := billing.NewWebCheckoutProviderFromEnv()
	apple := billing.NewAppleProviderFromEnv()
	google, err := billing.NewGoogleProviderFromEnv()
	if err != nil {
		log.Fatalf("google provider setup: %v", err)
	}
	registry := billing.NewRegistry(web, apple, google)

	queue := jobqueue.NewQueue(3, repo, registry)
	engine := billing.NewEngine(repo, queue)
	ingestor := billing.NewIngestor(repo, registry, engine)
	queue.Start()

	cron.InitSubscriptionExpiryCron(engine)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // provider payloads are small
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	router.InstallRouter(app, router.Deps{
		Repo:     repo,
		Engine:   engine,
		Ingestor: ingestor,
		Apple:    apple,
		Google:   google,
		Web:      web,
		Queue:    queue,
		Verifier: jwtverify.NewFromEnv(),
	})

	return app, queue
}
