package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gorilla/sessions"
	log "github.com/sirupsen/logrus"

	"quizhub/core"
)

func main() {
	cfg, err := core.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	logCloser, err := core.SetupLogging(cfg, "api.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	if err := core.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("failed to apply schema: %v", err)
	}

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	// Gorilla cookie store for session management.
	store := sessions.NewCookieStore([]byte(cfg.SessionKey))

	userRepo := core.NewPgUserRepository(db)
	questionRepo := core.NewPgQuestionRepository(db)
	notificationRepo := core.NewPgNotificationRepository(db)
	hasher := core.NewBcryptHasher(cfg.BcryptCost)
	notifier := core.NewQueueNotifier(notificationRepo, core.NewRedisQueue(redisClient))
	metrics := core.NewMetricsService(redisClient)

	if err := core.BootstrapAdmin(ctx, userRepo, hasher, cfg); err != nil {
		log.Fatalf("bootstrap admin failed: %v", err)
	}

	router := core.NewRouter(cfg, store, core.RouterDeps{
		Users:     core.NewUserService(userRepo, hasher, notifier),
		Questions: core.NewQuestionService(questionRepo),
		Roles:     core.NewPgRoleRepository(db),
		Metrics:   metrics,
		Status: core.StatusSources{
			Metrics:       metrics,
			Questions:     questionRepo,
			Users:         userRepo,
			Notifications: notificationRepo,
		},
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.WithField("addr", addr).Info("starting api server")
	if err := router.Run(addr); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
