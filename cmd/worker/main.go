package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"qrattend/internal/backend"
	"qrattend/internal/config"
	"qrattend/internal/facematch"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Worker drains scan events off the queue and persists them as audit rows,
// keeping the write out of the scan request path.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	pg, err := backend.NewPostgres(db.Client, cfg.ScanWindow, cfg.GeofenceRadius)
	if err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:scans")
	}

	// Face service health is informational only; the API verifies inline and
	// the worker never re-runs matches.
	if !cfg.FaceSkip {
		face := facematch.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
		} else {
			log.Println("face service connected")
		}
	}

	events, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for scan events...")
	for evt := range events {
		if evt.SessionID == "" || evt.USN == "" {
			continue
		}
		if evt.Suspicious {
			log.Printf("scan %s/%s: implausible GPS accuracy reported", evt.SessionID, evt.USN)
		}
		if err := pg.InsertAudit(ctx, evt.SessionID, evt.USN, evt.Outcome, evt.Distance, evt.Accuracy, evt.Suspicious); err != nil {
			log.Printf("audit insert failed for %s/%s: %v", evt.SessionID, evt.USN, err)
			continue
		}
		log.Printf("scan %s/%s recorded: %s", evt.SessionID, evt.USN, evt.Outcome)
	}

	log.Println("worker stopped")
}
