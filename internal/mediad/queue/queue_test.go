package queue_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediad/internal/mediad/domain"
	"mediad/internal/mediad/events"
	"mediad/internal/mediad/queue"
	"mediad/pkg/config"
	"mediad/pkg/errors"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxConcurrent:      3,
		RetryDelay:         10 * time.Millisecond,
		StallTimeout:       5 * time.Minute,
		StallSweepInterval: time.Hour,
		RetentionWindow:    time.Hour,
		DefaultMaxAttempts: 3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestQueue_ProcessJobSuccessfully(t *testing.T) {
	bus := events.New(16)
	q := queue.New(testQueueConfig(), bus)

	completed := make(chan domain.JobEvent, 1)
	bus.On(domain.EventJobCompleted, func(evt events.Event) {
		completed <- evt.Payload.(domain.JobEvent)
	})

	q.RegisterProcessor(domain.TypeMetadata, func(_ context.Context, job *domain.Job) (string, error) {
		return "extracted:" + job.ResourceID, nil
	})

	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Add(domain.TypeMetadata, "media-1", "acct-1", queue.AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)

	select {
	case evt := <-completed:
		assert.Equal(t, job.ID, evt.JobID)
		assert.Equal(t, 1, evt.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion event")
	}

	done, ok := q.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, "extracted:media-1", done.Result)
}

func TestQueue_RetriesUntilBudgetExhausted(t *testing.T) {
	bus := events.New(16)
	q := queue.New(testQueueConfig(), bus)

	var attempts atomic.Int32
	var retries atomic.Int32
	failed := make(chan domain.JobEvent, 1)

	bus.On(domain.EventJobRetried, func(events.Event) { retries.Add(1) })
	bus.On(domain.EventJobFailed, func(evt events.Event) {
		failed <- evt.Payload.(domain.JobEvent)
	})

	q.RegisterProcessor(domain.TypeOCR, func(context.Context, *domain.Job) (string, error) {
		attempts.Add(1)
		return "", fmt.Errorf("engine unavailable")
	})

	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Add(domain.TypeOCR, "media-1", "acct-1", queue.AddOptions{MaxAttempts: 3})
	require.NoError(t, err)

	select {
	case evt := <-failed:
		assert.Equal(t, job.ID, evt.JobID)
		assert.Equal(t, 3, evt.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for permanent failure")
	}

	assert.Equal(t, int32(3), attempts.Load(), "exactly maxAttempts handler invocations")
	assert.Equal(t, int32(2), retries.Load(), "a retry event per non-final failure")

	done, ok := q.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "engine unavailable")
}

func TestQueue_PanickingProcessorCountsAsFailure(t *testing.T) {
	bus := events.New(16)
	q := queue.New(testQueueConfig(), bus)

	failed := make(chan domain.JobEvent, 1)
	bus.On(domain.EventJobFailed, func(evt events.Event) {
		failed <- evt.Payload.(domain.JobEvent)
	})

	q.RegisterProcessor(domain.TypeThumbnail, func(context.Context, *domain.Job) (string, error) {
		panic("decoder crashed")
	})

	q.Start(context.Background())
	defer q.Stop()

	_, err := q.Add(domain.TypeThumbnail, "media-1", "acct-1", queue.AddOptions{MaxAttempts: 1})
	require.NoError(t, err)

	select {
	case evt := <-failed:
		assert.Contains(t, evt.Error, "decoder crashed")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure event")
	}
}

func TestQueue_UnregisteredTypeFailsImmediately(t *testing.T) {
	bus := events.New(16)
	q := queue.New(testQueueConfig(), bus)

	failed := make(chan domain.JobEvent, 1)
	bus.On(domain.EventJobFailed, func(evt events.Event) {
		failed <- evt.Payload.(domain.JobEvent)
	})

	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Add(domain.TypeTranscode, "media-1", "acct-1", queue.AddOptions{})
	require.NoError(t, err)

	select {
	case evt := <-failed:
		assert.Equal(t, job.ID, evt.JobID)
		assert.Contains(t, evt.Error, "no processor registered")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure event")
	}
}

func TestQueue_AddValidation(t *testing.T) {
	q := queue.New(testQueueConfig(), nil)

	_, err := q.Add("SHRED", "media-1", "acct-1", queue.AddOptions{})
	assert.True(t, errors.IsValidation(err))

	_, err = q.Add(domain.TypeMetadata, "", "acct-1", queue.AddOptions{})
	assert.True(t, errors.IsValidation(err))
}

func TestQueue_ConcurrencyCapHolds(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxConcurrent = 2
	q := queue.New(cfg, nil)

	proceed := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32

	q.RegisterProcessor(domain.TypeTagging, func(context.Context, *domain.Job) (string, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-proceed
		running.Add(-1)
		return "tagged", nil
	})

	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 6; i++ {
		_, err := q.Add(domain.TypeTagging, fmt.Sprintf("media-%d", i), "acct-1", queue.AddOptions{})
		require.NoError(t, err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return q.GetStats().Processing == 2
	})
	stats := q.GetStats()
	assert.Equal(t, 2, stats.Processing)
	assert.Equal(t, 4, stats.Pending)

	close(proceed)
	waitFor(t, 5*time.Second, func() bool {
		return q.GetStats().Completed == 6
	})
	assert.LessOrEqual(t, peak.Load(), int32(2), "concurrency cap must never be exceeded")
}

func TestQueue_PriorityOrdering(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxConcurrent = 1
	q := queue.New(cfg, nil)

	var mu sync.Mutex
	var order []string

	q.RegisterProcessor(domain.TypeMetadata, func(_ context.Context, job *domain.Job) (string, error) {
		mu.Lock()
		order = append(order, job.ResourceID)
		mu.Unlock()
		return "", nil
	})

	// enqueue before starting so priorities are compared in one batch
	_, err := q.Add(domain.TypeMetadata, "low", "acct-1", queue.AddOptions{Priority: 1})
	require.NoError(t, err)
	_, err = q.Add(domain.TypeMetadata, "high", "acct-1", queue.AddOptions{Priority: 10})
	require.NoError(t, err)
	_, err = q.Add(domain.TypeMetadata, "mid", "acct-1", queue.AddOptions{Priority: 5})
	require.NoError(t, err)

	q.Start(context.Background())
	defer q.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return q.GetStats().Completed == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestQueue_StallRecoveryDiscardsLateResult(t *testing.T) {
	bus := events.New(16)
	q := queue.New(testQueueConfig(), bus)

	var completions atomic.Int32
	bus.On(domain.EventJobCompleted, func(events.Event) { completions.Add(1) })

	proceed := make(chan struct{})
	q.RegisterProcessor(domain.TypeTranscode, func(context.Context, *domain.Job) (string, error) {
		<-proceed
		return "encoded", nil
	})

	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Add(domain.TypeTranscode, "media-1", "acct-1", queue.AddOptions{})
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := q.GetJob(job.ID)
		return j.Status == domain.StatusProcessing
	})

	// the first attempt is presumed lost, reclaimed, and immediately
	// re-dispatched as attempt two on the freed slot
	future := time.Now().Add(10 * time.Minute)
	assert.Equal(t, 1, q.RecoverStalled(future))

	waitFor(t, 5*time.Second, func() bool {
		j, _ := q.GetJob(job.ID)
		return j.Status == domain.StatusProcessing && j.Attempts == 2
	})
	assert.Equal(t, 0, q.RecoverStalled(time.Now()), "the fresh attempt is not stalled")

	// unblocking lets both handlers return; the ghost result from the
	// reclaimed attempt is discarded
	close(proceed)
	waitFor(t, 5*time.Second, func() bool {
		j, _ := q.GetJob(job.ID)
		return j != nil && j.Status == domain.StatusCompleted
	})

	j, _ := q.GetJob(job.ID)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, int32(1), completions.Load(), "the reclaimed attempt's result must not count")
}

func TestQueue_StallRecoveryFreesSlotOfHungHandler(t *testing.T) {
	bus := events.New(16)
	cfg := testQueueConfig()
	cfg.MaxConcurrent = 1
	q := queue.New(cfg, bus)

	var invocations atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	q.RegisterProcessor(domain.TypeThumbnail, func(context.Context, *domain.Job) (string, error) {
		n := invocations.Add(1)
		started <- struct{}{}
		if n == 1 {
			// first attempt hangs until the test tears down
			<-release
			return "", fmt.Errorf("gave up")
		}
		return "thumb.png", nil
	})
	defer close(release)

	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Add(domain.TypeThumbnail, "media-1", "acct-1", queue.AddOptions{})
	require.NoError(t, err)

	// wait for the handler itself to signal start, not just the status flip,
	// so the hung invocation is deterministically the first attempt
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first attempt to start")
	}

	// with a single worker, reclaiming the hung attempt must free its slot
	// or the job can never run again
	require.Equal(t, 1, q.RecoverStalled(time.Now().Add(10*time.Minute)))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for re-dispatched attempt to start")
	}

	waitFor(t, 5*time.Second, func() bool {
		j, _ := q.GetJob(job.ID)
		return j.Status == domain.StatusCompleted
	})

	j, _ := q.GetJob(job.ID)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, "thumb.png", j.Result)
	assert.Equal(t, int32(2), invocations.Load())
}

func TestQueue_CancelPendingOnly(t *testing.T) {
	bus := events.New(16)
	q := queue.New(testQueueConfig(), bus)

	cancelled := 0
	bus.On(domain.EventJobCancelled, func(events.Event) { cancelled++ })

	// queue is not started, so the job stays pending
	job, err := q.Add(domain.TypeOCR, "media-1", "acct-1", queue.AddOptions{})
	require.NoError(t, err)

	require.NoError(t, q.CancelJob(job.ID))
	assert.Equal(t, 1, cancelled)

	j, ok := q.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, j.Status)

	err = q.CancelJob(job.ID)
	assert.True(t, errors.IsConflict(err), "a terminal job cannot be cancelled again")

	err = q.CancelJob("no-such-job")
	assert.True(t, errors.IsNotFound(err))
}

func TestQueue_CleanupJobs(t *testing.T) {
	q := queue.New(testQueueConfig(), nil)

	done, err := q.Add(domain.TypeMetadata, "media-1", "acct-1", queue.AddOptions{})
	require.NoError(t, err)
	require.NoError(t, q.CancelJob(done.ID))

	pending, err := q.Add(domain.TypeMetadata, "media-2", "acct-1", queue.AddOptions{})
	require.NoError(t, err)

	removed := q.CleanupJobs(0, false)
	assert.Equal(t, 1, removed)

	_, ok := q.GetJob(done.ID)
	assert.False(t, ok)
	_, ok = q.GetJob(pending.ID)
	assert.True(t, ok, "non-terminal jobs are never cleaned up")
}

func TestQueue_CleanupRetainsFailedByDefault(t *testing.T) {
	bus := events.New(16)
	q := queue.New(testQueueConfig(), bus)

	failed := make(chan struct{}, 1)
	bus.On(domain.EventJobFailed, func(events.Event) { failed <- struct{}{} })

	q.RegisterProcessor(domain.TypeOCR, func(context.Context, *domain.Job) (string, error) {
		return "", fmt.Errorf("boom")
	})

	q.Start(context.Background())
	defer q.Stop()

	job, err := q.Add(domain.TypeOCR, "media-1", "acct-1", queue.AddOptions{MaxAttempts: 1})
	require.NoError(t, err)

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}

	assert.Equal(t, 0, q.CleanupJobs(0, false), "failed jobs are retained for inspection")
	assert.Equal(t, 1, q.CleanupJobs(0, true))

	_, ok := q.GetJob(job.ID)
	assert.False(t, ok)
}

func TestQueue_StatsByStatus(t *testing.T) {
	q := queue.New(testQueueConfig(), nil)

	for i := 0; i < 3; i++ {
		_, err := q.Add(domain.TypeMetadata, fmt.Sprintf("media-%d", i), "acct-1", queue.AddOptions{})
		require.NoError(t, err)
	}
	job, err := q.Add(domain.TypeMetadata, "media-x", "acct-1", queue.AddOptions{})
	require.NoError(t, err)
	require.NoError(t, q.CancelJob(job.ID))

	stats := q.GetStats()
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.Processing)
}
