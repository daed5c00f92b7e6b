package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/claim-desk/internal/app"
	"github.com/suPer8Hu/claim-desk/internal/claims"
	"github.com/suPer8Hu/claim-desk/internal/config"
	"github.com/suPer8Hu/claim-desk/internal/store/rabbitmq"
	"github.com/suPer8Hu/claim-desk/internal/store/redisstore"
)

const (
	maxAttempts = 3
	retryDelay  = 30 * time.Second
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()
	if cfg.TaskQueue != "rabbitmq" {
		log.Fatalf("worker needs TASK_QUEUE=rabbitmq, got %q", cfg.TaskQueue)
	}

	a, err := app.Open(cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the worker has no live sessions; pushes are relayed to the api
	svc, err := a.Service(ctx, redisstore.NewPushRelay(a.Redis))
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	ch, msgs, err := a.Queue.Consume(concurrency)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}
	defer ch.Close()

	log.Printf("worker started, queue=%s concurrency=%d", a.Queue.Name(), concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, svc, a.Queue, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery runs one task. A failed task is parked on the retry queue
// until maxAttempts, then nacked into the DLQ. A task cut short by shutdown
// is requeued unchanged.
func handleDelivery(ctx context.Context, workerID int, svc *claims.Service, q *rabbitmq.TaskQueue, d amqp.Delivery) {
	t, attempt, err := rabbitmq.DecodeTask(d)
	if err != nil {
		log.Printf("worker=%d bad message: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	runErr := svc.RunTask(ctx, t)
	cost := time.Since(start)
	if runErr == nil {
		if err := d.Ack(false); err != nil {
			log.Printf("worker=%d ack failed task=%s err=%v", workerID, t.ID, err)
		}
		if cost > 2*time.Second {
			log.Printf("task_timing task=%s kind=%s claim_id=%d attempt=%d total=%s",
				t.ID, t.Kind, t.ClaimID, attempt, cost)
		}
		return
	}

	log.Printf("worker=%d task %s failed kind=%s claim_id=%d attempt=%d cost=%s err=%v",
		workerID, t.ID, t.Kind, t.ClaimID, attempt, cost, runErr)

	// interrupted by shutdown: hand the task back as it was
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}
	if attempt >= maxAttempts || errors.Is(runErr, claims.ErrNotFound) {
		_ = d.Nack(false, false) // -> DLQ
		return
	}
	if err := q.Retry(context.WithoutCancel(ctx), t, attempt+1, retryDelay); err != nil {
		log.Printf("worker=%d retry publish failed task=%s err=%v", workerID, t.ID, err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
