package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"quizhub/core"
)

func main() {
	cfg, err := core.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCloser, err := core.SetupLogging(cfg, "worker.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	queue := core.NewRedisQueue(redisClient)
	repo := core.NewPgNotificationRepository(db)
	processor := core.NewNotificationProcessor(repo, core.NewHTTPMailClient(cfg.MailRelayURL), cfg.MailFrom)

	workerID := core.NewWorkerID()
	hostname, _ := os.Hostname()
	state := core.NewHeartbeatState(workerID, hostname, cfg.WorkerConcurrency)
	worker := core.NewNotificationWorker(queue, repo, processor, state)

	log.WithFields(log.Fields{
		"worker_id":   workerID,
		"concurrency": cfg.WorkerConcurrency,
		"queue":       core.PendingQueueKey,
		"mail_relay":  cfg.MailRelayURL,
	}).Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return state.Start(gctx, redisClient) })
	g.Go(func() error { return worker.RunReclaimer(gctx, 15*time.Second) })
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		slot := i + 1
		g.Go(func() error { return worker.Run(gctx, slot) })
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("worker stopped with error")
		os.Exit(1)
	}
	log.Info("worker stopped")
}
