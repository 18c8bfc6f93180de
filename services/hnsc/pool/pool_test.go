// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hnsc/services/hnsc/breaker"
	"github.com/AleutianAI/hnsc/services/hnsc/hnscerr"
)

type fakeConn struct {
	id     int64
	closed atomic.Bool
}

// newFakeFactory returns a factory counting how many connections it built.
func newFakeFactory(counter *atomic.Int64) Factory[*fakeConn] {
	return func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{id: counter.Add(1)}, nil
	}
}

func closeFake(c *fakeConn) error {
	c.closed.Store(true)
	return nil
}

// ---- Acquire / Release ----

func TestPool_ReusesIdleConnections(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 2, AcquireTimeout: time.Second}, newFakeFactory(&built))
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	conn2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn2)

	assert.Equal(t, int64(1), built.Load(), "second acquire must reuse the idle connection")
	assert.Same(t, conn, conn2)
}

func TestPool_BoundHolds(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 2, AcquireTimeout: 30 * time.Millisecond}, newFakeFactory(&built))
	defer p.Close()

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Equal(t, hnscerr.KindPoolTimeout, hnscerr.KindOf(err))
	assert.Equal(t, int64(2), built.Load())

	p.Release(c1)
	p.Release(c2)
}

func TestPool_ReleaseWakesWaiter(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 1, AcquireTimeout: time.Second}, newFakeFactory(&built))
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(conn)
	}()

	start := time.Now()
	conn2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn2)

	assert.Less(t, time.Since(start), 500*time.Millisecond, "waiter should wake on release, not timeout")
}

func TestPool_ContextCancelDuringWait(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 1, AcquireTimeout: time.Second}, newFakeFactory(&built))
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, hnscerr.IsCancelled(err))
}

func TestPool_FactoryFailureFreesSlot(t *testing.T) {
	calls := 0
	factory := func(ctx context.Context) (*fakeConn, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("dial refused")
		}
		return &fakeConn{id: int64(calls)}, nil
	}
	p := New("test", Config{Size: 1, AcquireTimeout: 50 * time.Millisecond}, factory)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, hnscerr.KindUpstreamUnavailable, hnscerr.KindOf(err))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err, "the failed slot must be reusable")
	p.Release(conn)
}

func TestPool_DiscardFreesSlotForReplacement(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 1, AcquireTimeout: 50 * time.Millisecond},
		newFakeFactory(&built), WithCloser(closeFake))
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Discard(conn)
	assert.True(t, conn.closed.Load())

	conn2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn2)
	assert.Equal(t, int64(2), built.Load(), "discard must allow a replacement build")
}

// ---- Execute ----

func TestExecute_RunsThroughBreakerAndReleases(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 1, AcquireTimeout: time.Second}, newFakeFactory(&built))
	defer p.Close()

	err := p.Execute(context.Background(), func(ctx context.Context, c *fakeConn) error {
		return nil
	})
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse, "execute must release on success")
	assert.Equal(t, 1, stats.Idle)
}

func TestExecute_ReleasesOnError(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 1, AcquireTimeout: time.Second}, newFakeFactory(&built))
	defer p.Close()

	errCall := errors.New("query failed")
	err := p.Execute(context.Background(), func(ctx context.Context, c *fakeConn) error {
		return errCall
	})
	require.ErrorIs(t, err, errCall)
	assert.Equal(t, 0, p.Stats().InUse, "execute must release on failure")
}

func TestExecute_RetriesFailedAcquire(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{
		Size:           1,
		AcquireTimeout: 20 * time.Millisecond,
		MaxRetries:     3,
		BaseBackoff:    10 * time.Millisecond,
	}, newFakeFactory(&built))
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	go func() {
		time.Sleep(40 * time.Millisecond)
		p.Release(conn)
	}()

	var calls atomic.Int64
	err = p.Execute(context.Background(), func(ctx context.Context, c *fakeConn) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err, "a retry should land after the connection frees up")
	assert.Equal(t, int64(1), calls.Load())
}

func TestExecute_DoesNotRetryCallFailures(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 1, AcquireTimeout: time.Second, MaxRetries: 3}, newFakeFactory(&built))
	defer p.Close()

	var calls atomic.Int64
	err := p.Execute(context.Background(), func(ctx context.Context, c *fakeConn) error {
		calls.Add(1)
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "call failures are not retried by the pool")
}

func TestExecute_BreakerTripsAndFailsFast(t *testing.T) {
	var built atomic.Int64
	brk := breaker.New("test", breaker.Config{FailThreshold: 2, Window: time.Hour, Cooldown: time.Hour})
	p := New("test", Config{Size: 1, AcquireTimeout: time.Second},
		newFakeFactory(&built), WithBreaker[*fakeConn](brk))
	defer p.Close()

	boom := func(ctx context.Context, c *fakeConn) error { return errors.New("down") }
	require.Error(t, p.Execute(context.Background(), boom))
	require.Error(t, p.Execute(context.Background(), boom))
	require.Equal(t, breaker.StateOpen, brk.State())

	var calls atomic.Int64
	err := p.Execute(context.Background(), func(ctx context.Context, c *fakeConn) error {
		calls.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.True(t, hnscerr.IsCircuitOpen(err))
	assert.Equal(t, int64(0), calls.Load(), "open circuit must fail fast without calling")
	assert.Equal(t, 0, p.Stats().InUse)
}

// ---- Close ----

func TestClose_FailsPendingAndFutureAcquires(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 1, AcquireTimeout: time.Second}, newFakeFactory(&built))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquireErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		acquireErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-acquireErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending acquire did not fail on close")
	}

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	p.Release(conn)
	assert.Equal(t, 0, p.Stats().Created, "late release after close tears the connection down")
}

func TestClose_TearsDownIdleConnections(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 2, AcquireTimeout: time.Second},
		newFakeFactory(&built), WithCloser(closeFake))

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c1)
	p.Release(c2)

	require.NoError(t, p.Close())
	assert.True(t, c1.closed.Load())
	assert.True(t, c2.closed.Load())
	assert.Equal(t, 0, p.Stats().Created)
}

// ---- Stats ----

func TestStats_TracksOccupancy(t *testing.T) {
	var built atomic.Int64
	p := New("test", Config{Size: 2, AcquireTimeout: time.Second}, newFakeFactory(&built))
	defer p.Close()

	c1, _ := p.Acquire(context.Background())
	stats := p.Stats()
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 0, stats.Idle)

	p.Release(c1)
	stats = p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}
