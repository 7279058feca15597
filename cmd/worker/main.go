package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wenhao-zhang/campus-rag/internal/bootstrap"
	"github.com/wenhao-zhang/campus-rag/internal/config"
	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.NATSURL == "" {
		log.Fatal("worker requires CAMPUS_RAG_NATS_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "worker", cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()
	if app.Queue == nil {
		log.Fatal("worker could not connect to nats")
	}

	app.Logger.Info("worker subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeIngestJobs(ctx, func(handlerCtx context.Context, job domain.IngestJob) error {
		jobCtx, cancel := context.WithTimeout(handlerCtx, 10*time.Minute)
		defer cancel()
		app.Ingestor.Vectorize(jobCtx, []domain.IngestJob{job})
		return nil
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
