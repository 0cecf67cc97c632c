package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/keymux/internal/metrics"
	kerrors "github.com/blueberrycongee/keymux/pkg/errors"
)

func TestDispatcher_FIFOWithinPartition(t *testing.T) {
	d := New()
	var mu sync.Mutex
	var order []int

	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		f, err := d.Submit("q1", func() (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, Options{})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	ctx := context.Background()
	for i, f := range futures {
		value, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, value)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDispatcher_PartitionsRunConcurrently(t *testing.T) {
	d := New()
	release := make(chan struct{})

	blocked, err := d.Submit("slow", func() (any, error) {
		<-release
		return "slow", nil
	}, Options{})
	require.NoError(t, err)

	fast, err := d.Submit("fast", func() (any, error) {
		return "fast", nil
	}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The fast partition completes while the slow one is still blocked.
	value, err := fast.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fast", value)

	close(release)
	value, err = blocked.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow", value)
}

func TestDispatcher_UniqueKeyCoalescing(t *testing.T) {
	d := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var executions int
	var mu sync.Mutex

	work := func() (any, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		close(started)
		<-release
		return "shared", nil
	}

	first, err := d.Submit("q1", work, Options{UniqueKey: "k"})
	require.NoError(t, err)
	<-started

	// Queued while the first is running; neither ever executes.
	second, err := d.Submit("q1", func() (any, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		return "second", nil
	}, Options{UniqueKey: "k"})
	require.NoError(t, err)
	third, err := d.Submit("q1", func() (any, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		return "third", nil
	}, Options{UniqueKey: "k"})
	require.NoError(t, err)

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range []*Future{first, second, third} {
		value, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "shared", value)
	}

	mu.Lock()
	assert.Equal(t, 1, executions)
	mu.Unlock()
	require.Eventually(t, func() bool { return d.Outstanding() == 0 }, time.Second, time.Millisecond)
}

func TestDispatcher_CoalescingPropagatesError(t *testing.T) {
	d := New()
	started := make(chan struct{})
	release := make(chan struct{})
	failure := fmt.Errorf("upstream exploded")

	first, err := d.Submit("q1", func() (any, error) {
		close(started)
		<-release
		return nil, failure
	}, Options{UniqueKey: "k"})
	require.NoError(t, err)
	<-started

	second, err := d.Submit("q1", func() (any, error) {
		return "never", nil
	}, Options{UniqueKey: "k"})
	require.NoError(t, err)

	close(release)

	ctx := context.Background()
	_, err = first.Wait(ctx)
	assert.ErrorIs(t, err, failure)
	_, err = second.Wait(ctx)
	assert.ErrorIs(t, err, failure)
}

func TestDispatcher_BackpressureRejectsBeforeEnqueue(t *testing.T) {
	d := New(WithMaxOutstanding(3))
	release := make(chan struct{})
	defer close(release)

	for i := 0; i < 3; i++ {
		_, err := d.Submit("q1", func() (any, error) {
			<-release
			return nil, nil
		}, Options{})
		require.NoError(t, err)
	}

	depthBefore := d.QueueDepth("q1")
	_, err := d.Submit("q1", func() (any, error) { return nil, nil }, Options{})
	assert.ErrorIs(t, err, kerrors.ErrQueueFull)
	assert.Equal(t, depthBefore, d.QueueDepth("q1"))
	assert.Equal(t, 3, d.Outstanding())
}

func TestDispatcher_TimeoutAbandonsWaitNotWork(t *testing.T) {
	d := New()
	workDone := make(chan struct{})

	f, err := d.Submit("q1", func() (any, error) {
		time.Sleep(100 * time.Millisecond)
		close(workDone)
		return "late", nil
	}, Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = f.Wait(context.Background())
	var timeoutErr *kerrors.QueueTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "q1", timeoutErr.QueueID)

	// The underlying work still runs to completion.
	select {
	case <-workDone:
	case <-time.After(time.Second):
		t.Fatal("abandoned work never completed")
	}
}

func TestDispatcher_DrainCycleRestarts(t *testing.T) {
	d := New()
	ctx := context.Background()

	f, err := d.Submit("q1", func() (any, error) { return 1, nil }, Options{})
	require.NoError(t, err)
	_, err = f.Wait(ctx)
	require.NoError(t, err)

	// Wait for the drain goroutine to clear the running marker.
	require.Eventually(t, func() bool { return d.Outstanding() == 0 }, time.Second, time.Millisecond)

	f, err = d.Submit("q1", func() (any, error) { return 2, nil }, Options{})
	require.NoError(t, err)
	value, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, value)
}

func TestDispatcher_CountsSchedulingEvents(t *testing.T) {
	submittedBefore := testutil.ToFloat64(metrics.TasksSubmitted)
	coalescedBefore := testutil.ToFloat64(metrics.TasksCoalesced)
	timeoutsBefore := testutil.ToFloat64(metrics.TaskTimeouts)

	d := New()
	started := make(chan struct{})
	release := make(chan struct{})

	first, err := d.Submit("q1", func() (any, error) {
		close(started)
		<-release
		return "shared", nil
	}, Options{UniqueKey: "k"})
	require.NoError(t, err)
	<-started

	second, err := d.Submit("q1", func() (any, error) {
		return "never", nil
	}, Options{UniqueKey: "k"})
	require.NoError(t, err)
	close(release)

	ctx := context.Background()
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	_, err = second.Wait(ctx)
	require.NoError(t, err)

	late, err := d.Submit("q2", func() (any, error) {
		time.Sleep(100 * time.Millisecond)
		return "late", nil
	}, Options{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	_, err = late.Wait(ctx)
	require.Error(t, err)

	assert.Equal(t, submittedBefore+3, testutil.ToFloat64(metrics.TasksSubmitted))
	assert.Equal(t, coalescedBefore+1, testutil.ToFloat64(metrics.TasksCoalesced))
	assert.Equal(t, timeoutsBefore+1, testutil.ToFloat64(metrics.TaskTimeouts))
}

func TestDispatcher_DelayAfterSpacesExecutions(t *testing.T) {
	d := New()
	var mu sync.Mutex
	var times []time.Time
	record := func() (any, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return nil, nil
	}

	first, err := d.Submit("q1", record, Options{DelayAfter: 50 * time.Millisecond})
	require.NoError(t, err)
	second, err := d.Submit("q1", record, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	_, err = second.Wait(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 50*time.Millisecond)
}
