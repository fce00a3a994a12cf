package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerFIFO(t *testing.T) {
	s := New[int](logrus.New())
	for i := 0; i < 100; i++ {
		s.Enqueue(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(_ context.Context, v int) {
			mu.Lock()
			got = append(got, v)
			if len(got) == 100 {
				cancel()
			}
			mu.Unlock()
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer did not drain")
	}

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v, "items must come out in arrival order")
	}
}

func TestSequencerDepth(t *testing.T) {
	s := New[string](logrus.New())
	assert.Equal(t, 0, s.Depth())

	s.Enqueue("a")
	s.Enqueue("b")
	assert.Equal(t, 2, s.Depth())
}

func TestSequencerOnDepthHook(t *testing.T) {
	s := New[int](logrus.New())
	var (
		mu     sync.Mutex
		depths []int
	)
	s.OnDepth = func(d int) {
		mu.Lock()
		depths = append(depths, d)
		mu.Unlock()
	}

	s.Enqueue(1)
	s.Enqueue(2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, depths)
}

func TestSequencerSurvivesHandlerPanic(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&discard{})

	s := New[int](logger)
	s.Enqueue(1)
	s.Enqueue(2)
	s.Enqueue(3)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu        sync.Mutex
		processed []int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(_ context.Context, v int) {
			if v == 2 {
				panic("poisoned signal")
			}
			mu.Lock()
			processed = append(processed, v)
			if len(processed) == 2 {
				cancel()
			}
			mu.Unlock()
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer stalled after panic")
	}

	assert.Equal(t, []int{1, 3}, processed)
}

func TestSequencerGapSpacesItems(t *testing.T) {
	const gap = 60 * time.Millisecond

	s := New[int](logrus.New())
	s.Gap = func() time.Duration { return gap }
	s.Enqueue(1)
	s.Enqueue(2)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu    sync.Mutex
		times []time.Time
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(_ context.Context, _ int) {
			mu.Lock()
			times = append(times, time.Now())
			if len(times) == 2 {
				cancel()
			}
			mu.Unlock()
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer did not drain")
	}

	require.Len(t, times, 2)
	// Allow a little scheduler slack below the drawn gap.
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), gap-10*time.Millisecond)
}

func TestSequencerStopsOnCancel(t *testing.T) {
	s := New[int](logrus.New())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, func(context.Context, int) {}) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// discard swallows log output from the expected panic path.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
