package claims

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, t Task) error

func (f runnerFunc) RunTask(ctx context.Context, t Task) error { return f(ctx, t) }

func TestGoDispatcher_RunsDetachedFromCaller(t *testing.T) {
	d := NewGoDispatcher()
	var mu sync.Mutex
	var seen []Task
	var ctxErr error
	d.Bind(runnerFunc(func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, task)
		ctxErr = ctx.Err()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	task := NewTask(TaskKindReview, 7)
	cancel()
	require.NoError(t, d.Dispatch(ctx, task))
	d.Wait()

	require.Len(t, seen, 1)
	assert.Equal(t, task.ID, seen[0].ID)
	assert.Equal(t, uint64(7), seen[0].ClaimID)
	assert.NoError(t, ctxErr)
}

func TestGoDispatcher_UnboundDrops(t *testing.T) {
	d := NewGoDispatcher()
	assert.NoError(t, d.Dispatch(context.Background(), NewTask(TaskKindAdjudicate, 1)))
	d.Wait()
}

func TestResumeStalled_RelaunchesLostReview(t *testing.T) {
	disp := &flakyDispatcher{}
	disp.failures.Store(1)
	h := newHarness(t, twoFieldCatalog(t), disp)
	ctx := context.Background()
	h.oracle.reply(TaskSummarize, `{"issue_description": "x"}`)

	// the broker is down when the claim is submitted
	id := h.submit(t)
	assert.Equal(t, StatusPending, h.claim(t, id).Status)
	assert.Empty(t, disp.kinds())

	n, err := h.svc.ResumeStalled(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "recent claims are left alone")

	n, err = h.svc.ResumeStalled(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, []TaskKind{TaskKindReview}, disp.kinds())
	assert.Equal(t, id, disp.tasks[0].ClaimID)

	require.NoError(t, h.svc.RunTask(ctx, disp.tasks[0]))
	assert.Equal(t, StatusAwaitingMerchant, h.claim(t, id).Status)
	n, err = h.svc.ResumeStalled(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResumeStalled_RelaunchesLostAdjudication(t *testing.T) {
	disp := &flakyDispatcher{}
	h := newHarness(t, twoFieldCatalog(t), disp)
	ctx := context.Background()
	h.oracle.reply(TaskSummarize, `{"issue_description": "x"}`)

	id := h.submit(t)
	require.NoError(t, h.svc.RunTask(ctx, disp.tasks[0]))
	require.Equal(t, StatusAwaitingMerchant, h.claim(t, id).Status)

	disp.failures.Store(1)
	err := h.svc.PostMerchantReply(ctx, id, "We shipped it on time.")
	require.Error(t, err)
	assert.Equal(t, StatusMerchantReplied, h.claim(t, id).Status)

	n, err := h.svc.ResumeStalled(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []TaskKind{TaskKindReview, TaskKindAdjudicate}, disp.kinds())
}
