/**
 * OCR Worker - Main Entry Point
 *
 * Consumes document tasks from the Redis queue and runs the OCR
 * pipeline: fetch, rasterize, recognize, dedup, persist.
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pagelens/ocr-worker/internal/config"
	"github.com/pagelens/ocr-worker/internal/processor"
	"github.com/pagelens/ocr-worker/internal/queue"
	"github.com/pagelens/ocr-worker/internal/storage"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("OCR worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Bucket=%s, Workers=%d, PageWorkers=%d",
		cfg.RedisURL, cfg.DefaultBucket, cfg.WorkerConcurrency, cfg.PageWorkers)

	log.Printf("Connecting to storage (PostgreSQL + object store + Redis cache)...")
	manager, err := storage.NewManager(storage.ManagerConfig{
		DatabaseURL:    cfg.DatabaseURL,
		RedisURL:       cfg.RedisURL,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioUseSSL:    cfg.MinioUseSSL,
		DefaultBucket:  cfg.DefaultBucket,
		CacheTTL:       cfg.CacheTTL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer manager.Close()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := manager.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure database schema: %v", err)
		}
		cancel()
	}
	log.Printf("Storage initialized")

	engine, err := processor.NewEngine(cfg.OCREngine)
	if err != nil {
		log.Fatalf("Failed to initialize OCR engine: %v", err)
	}

	engineCfg := processor.DefaultEngineConfig()
	engineCfg.Language = cfg.OCRLanguage
	engineCfg.PageSegMode = cfg.OCRPageSegMode
	engineCfg.EngineMode = cfg.OCREngineMode
	engineCfg.TessdataDir = cfg.TessdataDir

	proc, err := processor.NewDocumentProcessor(
		manager.DB,
		manager.Cache,
		manager.Objects,
		&processor.PopplerConverter{},
		engine,
		processor.ProcessorConfig{
			TempDir:            cfg.TempDir,
			PageDPI:            cfg.PageDPI,
			MinImageWidth:      cfg.MinImageWidth,
			Preprocess:         cfg.PreprocessImages,
			OverlapFraction:    cfg.OverlapFraction,
			PageWorkers:        cfg.PageWorkers,
			DownloadTimeout:    cfg.DownloadTimeout,
			PageOCRTimeout:     cfg.PageOCRTimeout,
			Engine:             engineCfg,
			ResultKeyPrefix:    cfg.ResultKeyPrefix,
			DropInputAfterDone: cfg.DropInputAfterProcessing,
		},
	)
	if err != nil {
		log.Fatalf("Failed to initialize document processor: %v", err)
	}
	log.Printf("Document processor initialized (engine=%s, language=%s)", engine.Name(), cfg.OCRLanguage)

	log.Printf("Connecting to Redis queue...")
	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		ProcessingTimeout: cfg.ProcessingTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	if err := consumer.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	log.Printf("===========================================")
	log.Printf("OCR worker is READY")
	log.Printf("Queue: %s  Workers: %d", cfg.QueueName, cfg.WorkerConcurrency)
	log.Printf("===========================================")
	log.Printf("Waiting for documents...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := consumer.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	}
	if err := manager.Close(); err != nil {
		log.Printf("Error closing storage: %v", err)
	}

	log.Printf("Shutdown complete")
}
