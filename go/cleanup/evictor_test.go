package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedStore struct {
	mu      sync.Mutex
	results []error
	calls   int
	deleted int64
}

func (s *scriptedStore) DeleteExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.calls < len(s.results) {
		err = s.results[s.calls]
	}
	s.calls++
	if err != nil {
		return 0, err
	}
	s.deleted++
	return 1, nil
}

func (s *scriptedStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestEvictorTicksAndStops(t *testing.T) {
	var store = &scriptedStore{}
	var evictor = NewEvictor(store, time.Millisecond)

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- evictor.Run(ctx) }()

	require.Eventually(t, func() bool { return store.callCount() >= 3 },
		time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("evictor didn't observe cancellation")
	}
}

// Errors, even many consecutive ones, never terminate the loop.
func TestEvictorSurvivesErrors(t *testing.T) {
	var boom = errors.New("deadlock detected")
	var store = &scriptedStore{
		results: []error{boom, boom, boom, boom, boom, boom, boom},
	}
	var evictor = NewEvictor(store, time.Millisecond)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var done = make(chan error, 1)
	go func() { done <- evictor.Run(ctx) }()

	// Ride out the scripted failures, past the escalation threshold, and
	// confirm the loop recovers and keeps deleting.
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls > len(store.results) && store.deleted > 0
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEvictorDefaultInterval(t *testing.T) {
	var evictor = NewEvictor(&scriptedStore{}, 0)
	require.Equal(t, DefaultInterval, evictor.interval)
}
