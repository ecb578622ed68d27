package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devq-ai/agentical-sub002/pkg/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResource struct {
	id int
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func countingFactory(counter *int64) Factory[*testResource] {
	return func(ctx context.Context) (*testResource, error) {
		id := atomic.AddInt64(counter, 1)
		return &testResource{id: int(id)}, nil
	}
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	var created int64
	_, err := New(Config{MinSize: 5, MaxSize: 2}, countingFactory(&created), nil, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))
}

func TestInitializeCreatesFloor(t *testing.T) {
	var created int64
	p, err := New(Config{MinSize: 3, MaxSize: 5}, countingFactory(&created), nil, testLogger())
	require.NoError(t, err)

	require.NoError(t, p.Initialize(context.Background()))

	assert.Equal(t, 3, p.Created())
	assert.Equal(t, 3, p.Idle())
	assert.Equal(t, int64(3), atomic.LoadInt64(&created))
}

func TestAcquireCreatesLazilyUpToCeiling(t *testing.T) {
	var created int64
	p, err := New(Config{
		MinSize:        0,
		MaxSize:        2,
		IdleWait:       5 * time.Millisecond,
		AcquireTimeout: time.Second,
	}, countingFactory(&created), nil, testLogger())
	require.NoError(t, err)

	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	second, err := p.Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Created())
	assert.Equal(t, int64(2), atomic.LoadInt64(&created))

	p.Release(first)
	p.Release(second)
	assert.Equal(t, 2, p.Idle())
}

// More acquirers than capacity must share the existing resources rather than
// overshoot the ceiling.
func TestAcquireNeverExceedsCeiling(t *testing.T) {
	var created int64
	p, err := New(Config{
		MinSize:        0,
		MaxSize:        2,
		IdleWait:       5 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
	}, countingFactory(&created), nil, testLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			time.Sleep(10 * time.Millisecond)
			p.Release(res)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&created), int64(2))
	assert.Equal(t, 2, p.Idle())
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	var created int64
	p, err := New(Config{
		MaxSize:        1,
		IdleWait:       5 * time.Millisecond,
		AcquireTimeout: 2 * time.Second,
	}, countingFactory(&created), nil, testLogger())
	require.NoError(t, err)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *testResource, 1)
	go func() {
		second, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("blocked acquire failed: %v", err)
			return
		}
		acquired <- second
	}()

	// The second acquirer must wait until the first releases
	select {
	case <-acquired:
		t.Fatal("acquire returned before release")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(res)

	select {
	case second := <-acquired:
		assert.Same(t, res, second)
		p.Release(second)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after release")
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	var created int64
	p, err := New(Config{
		MaxSize:        1,
		IdleWait:       5 * time.Millisecond,
		AcquireTimeout: 50 * time.Millisecond,
	}, countingFactory(&created), nil, testLogger())
	require.NoError(t, err)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(res)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePoolExhausted))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	var created int64
	p, err := New(Config{
		MaxSize:        1,
		IdleWait:       5 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
	}, countingFactory(&created), nil, testLogger())
	require.NoError(t, err)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(res)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
}

func TestDiscardShrinksPool(t *testing.T) {
	var created int64
	var destroyed int64
	p, err := New(Config{MaxSize: 2, IdleWait: 5 * time.Millisecond}, countingFactory(&created),
		func(*testResource) { atomic.AddInt64(&destroyed, 1) }, testLogger())
	require.NoError(t, err)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, p.Created())

	p.Discard(res)

	assert.Equal(t, 0, p.Created())
	assert.Equal(t, int64(1), atomic.LoadInt64(&destroyed))

	// A subsequent acquire creates a replacement
	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Created())
	p.Release(replacement)
}

func TestGrowStopsAtCeiling(t *testing.T) {
	var created int64
	p, err := New(Config{MaxSize: 2}, countingFactory(&created), nil, testLogger())
	require.NoError(t, err)

	grown, err := p.Grow(context.Background())
	require.NoError(t, err)
	assert.True(t, grown)

	grown, err = p.Grow(context.Background())
	require.NoError(t, err)
	assert.True(t, grown)

	grown, err = p.Grow(context.Background())
	require.NoError(t, err)
	assert.False(t, grown)

	assert.Equal(t, 2, p.Created())
}

func TestDrainIdleAndClose(t *testing.T) {
	var created int64
	var destroyed int64
	p, err := New(Config{MinSize: 2, MaxSize: 4}, countingFactory(&created),
		func(*testResource) { atomic.AddInt64(&destroyed, 1) }, testLogger())
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))

	drained := p.DrainIdle()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, p.Idle())

	for _, res := range drained {
		p.Release(res)
	}
	assert.Equal(t, 2, p.Idle())

	p.Close()
	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, 0, p.Created())
	assert.Equal(t, int64(2), atomic.LoadInt64(&destroyed))
}

// A borrower that releases after Close must not strand its resource in the
// drained idle queue; the pool destroys it instead.
func TestReleaseAfterCloseDestroysResource(t *testing.T) {
	var created int64
	var destroyed int64
	p, err := New(Config{
		MinSize:  0,
		MaxSize:  2,
		IdleWait: 5 * time.Millisecond,
	}, countingFactory(&created),
		func(*testResource) { atomic.AddInt64(&destroyed, 1) }, testLogger())
	require.NoError(t, err)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close()
	p.Release(res)

	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, 0, p.Created())
	assert.Equal(t, int64(1), atomic.LoadInt64(&destroyed))
}

func TestFactoryFailureReleasesReservation(t *testing.T) {
	failing := func(ctx context.Context) (*testResource, error) {
		return nil, errors.New(errors.CodeConnectionFailed, "test", "create", "dial refused")
	}
	p, err := New(Config{MaxSize: 1, IdleWait: 5 * time.Millisecond}, failing, nil, testLogger())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)

	// The failed creation must not leak the reserved slot
	assert.Equal(t, 0, p.Created())
}
