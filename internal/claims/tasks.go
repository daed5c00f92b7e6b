package claims

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type TaskKind string

const (
	TaskKindReview     TaskKind = "review"
	TaskKindAdjudicate TaskKind = "adjudicate"
)

// Task is a background stage. It carries only the claim id; the stage reads
// everything else from the store when it runs.
type Task struct {
	ID        string    `json:"id"`
	Kind      TaskKind  `json:"kind"`
	ClaimID   uint64    `json:"claim_id"`
	CreatedAt time.Time `json:"created_at"`
}

func NewTask(kind TaskKind, claimID uint64) Task {
	return Task{
		ID:        ulid.Make().String(),
		Kind:      kind,
		ClaimID:   claimID,
		CreatedAt: time.Now().UTC(),
	}
}

// Dispatcher launches a task fire-and-forget.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

type TaskRunner interface {
	RunTask(ctx context.Context, t Task) error
}

// GoDispatcher runs tasks on goroutines in this process.
type GoDispatcher struct {
	mu     sync.RWMutex
	runner TaskRunner
	wg     sync.WaitGroup
}

func NewGoDispatcher() *GoDispatcher {
	return &GoDispatcher{}
}

func (d *GoDispatcher) Bind(r TaskRunner) {
	d.mu.Lock()
	d.runner = r
	d.mu.Unlock()
}

func (d *GoDispatcher) Dispatch(ctx context.Context, t Task) error {
	d.mu.RLock()
	r := d.runner
	d.mu.RUnlock()
	if r == nil {
		log.Printf("[Tasks] no runner bound, dropping task_id=%s kind=%s claim_id=%d", t.ID, t.Kind, t.ClaimID)
		return nil
	}

	// the stage outlives the request that launched it
	bg := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		start := time.Now()
		if err := r.RunTask(bg, t); err != nil {
			log.Printf("[Tasks] task failed task_id=%s kind=%s claim_id=%d cost=%s err=%v",
				t.ID, t.Kind, t.ClaimID, time.Since(start), err)
			return
		}
		log.Printf("[Tasks] task done task_id=%s kind=%s claim_id=%d cost=%s",
			t.ID, t.Kind, t.ClaimID, time.Since(start))
	}()
	return nil
}

// Wait blocks until every dispatched task has returned.
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}
