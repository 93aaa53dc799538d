// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// pipeDialer hands out the client halves of net.Pipe connections. After
// allow dials (0 means unlimited), subsequent dials block until the dialer
// is released or the dial context expires.
type pipeDialer struct {
	mu      sync.Mutex
	dials   int
	allow   int
	release chan struct{}
	servers []net.Conn
}

func newPipeDialer(allow int) *pipeDialer {
	return &pipeDialer{allow: allow, release: make(chan struct{})}
}

func (d *pipeDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()

	if d.allow > 0 && n > d.allow {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	client, server := net.Pipe()
	d.mu.Lock()
	d.servers = append(d.servers, server)
	d.mu.Unlock()
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) close() {
	select {
	case <-d.release:
	default:
		close(d.release)
	}
	d.mu.Lock()
	for _, s := range d.servers {
		_ = s.Close()
	}
	d.mu.Unlock()
}

func newTestPool(t *testing.T, cfg poolConfig, dialer Dialer) *pool {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "localhost:27017"
	}
	if cfg.MaintainInterval == 0 {
		// Disable the maintenance goroutine unless a test wants it.
		cfg.MaintainInterval = -1
	}
	p := newPool(cfg, WithDialer(func(Dialer) Dialer { return dialer }))
	require.NoError(t, p.ready())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.close(ctx)
	})
	return p
}

func TestPoolCheckoutFIFO(t *testing.T) {
	dialer := newPipeDialer(0)
	defer dialer.close()
	p := newTestPool(t, poolConfig{MaxPoolSize: 2}, dialer)

	ctx := context.Background()

	c1, err := p.checkOut(ctx)
	require.NoError(t, err)
	c2, err := p.checkOut(ctx)
	require.NoError(t, err)

	const waiters = 4
	order := make(chan int, waiters)
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.checkOut(ctx)
			require.NoError(t, err)
			order <- i
			require.NoError(t, p.checkIn(conn))
		}()

		// Wait for the goroutine to be enqueued before starting the next one
		// so the arrival order is deterministic.
		require.Eventually(t, func() bool {
			p.idleMu.Lock()
			defer p.idleMu.Unlock()
			return p.idleConnWait.len() == i+1
		}, 5*time.Second, time.Millisecond)
	}

	// Each check-in must satisfy the oldest remaining waiter. Only c1 is
	// handed around, so each waiter receives it from the previous waiter's
	// check-in and the recorded order is the hand-over order.
	require.NoError(t, p.checkIn(c1))
	wg.Wait()
	require.NoError(t, p.checkIn(c2))
	close(order)

	var got []int
	for idx := range order {
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestPoolHandOverLiveness(t *testing.T) {
	const preOpened = 5
	const iterations = 50

	dialer := newPipeDialer(preOpened)
	defer dialer.close()
	p := newTestPool(t, poolConfig{}, dialer)

	ctx := context.Background()

	// Open and hold the initial set of connections.
	conns := make([]*connection, 0, preOpened)
	for i := 0; i < preOpened; i++ {
		conn, err := p.checkOut(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	knownIDs := make(map[uint64]bool, preOpened)
	for _, conn := range conns {
		knownIDs[conn.driverConnectionID] = true
	}

	// Occupy every open permit with a dial that never completes. The
	// checkouts themselves are abandoned via a short deadline, but the
	// createConnections goroutines stay stuck in the dialer, so no new
	// connection can ever be opened.
	for i := 0; i < maxConnecting; i++ {
		shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, err := p.checkOut(shortCtx)
		cancel()
		require.Error(t, err)
	}
	require.Eventually(t, func() bool {
		return dialer.dialCount() == preOpened+maxConnecting
	}, 5*time.Second, time.Millisecond)

	// From here on, check-in/check-out pairs can only make progress through
	// the hand-over path. Every checkout must complete within the timeout
	// and must receive one of the already-open connections.
	for iter := 0; iter < iterations; iter++ {
		iterCtx, cancel := context.WithTimeout(ctx, 10*time.Second)

		var group errgroup.Group
		results := make(chan *connection, preOpened)

		for _, conn := range conns {
			conn := conn
			group.Go(func() error {
				return p.checkIn(conn)
			})
			group.Go(func() error {
				got, err := p.checkOut(iterCtx)
				if err != nil {
					return err
				}
				results <- got
				return nil
			})
		}

		require.NoError(t, group.Wait(), "iteration %d lost liveness", iter)
		cancel()
		close(results)

		conns = conns[:0]
		for conn := range results {
			assert.True(t, knownIDs[conn.driverConnectionID],
				"iteration %d returned unknown connection %d", iter, conn.driverConnectionID)
			conns = append(conns, conn)
		}
		require.Len(t, conns, preOpened)
	}
}

func TestPoolConnectionExpiration(t *testing.T) {
	dialer := newPipeDialer(0)
	defer dialer.close()
	p := newTestPool(t, poolConfig{MaxLifeTime: 20 * time.Millisecond}, dialer)

	ctx := context.Background()

	first, err := p.checkOut(ctx)
	require.NoError(t, err)
	firstCreation := first.creationTime
	require.NoError(t, p.checkIn(first))

	time.Sleep(50 * time.Millisecond)

	p.removePerishedConns()
	assert.Equal(t, 0, p.availableConnectionCount())

	second, err := p.checkOut(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, p.checkIn(second))
	}()

	assert.True(t, second.creationTime.After(firstCreation))
	assert.GreaterOrEqual(t, dialer.dialCount(), 2)
}

func TestPoolClearAndReady(t *testing.T) {
	dialer := newPipeDialer(0)
	defer dialer.close()
	p := newTestPool(t, poolConfig{}, dialer)

	ctx := context.Background()

	conn, err := p.checkOut(ctx)
	require.NoError(t, err)
	generation := conn.generation

	p.clear(errDialFailed, nil)

	// A paused pool fails every checkout fast with a PoolClearedError.
	_, err = p.checkOut(ctx)
	var pcErr PoolClearedError
	require.ErrorAs(t, err, &pcErr)
	assert.True(t, pcErr.Retryable())

	// The held connection is from the previous generation; check-in closes
	// it instead of returning it to the idle set.
	require.NoError(t, p.checkIn(conn))
	assert.Equal(t, 0, p.availableConnectionCount())

	// Only ready() transitions paused to ready.
	require.NoError(t, p.ready())
	conn2, err := p.checkOut(ctx)
	require.NoError(t, err)
	assert.Greater(t, conn2.generation, generation)
	require.NoError(t, p.checkIn(conn2))
}

func TestPoolClosedRejectsCheckout(t *testing.T) {
	dialer := newPipeDialer(0)
	defer dialer.close()

	p := newPool(poolConfig{Address: "localhost:27017", MaintainInterval: -1},
		WithDialer(func(Dialer) Dialer { return dialer }))
	require.NoError(t, p.ready())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.close(ctx)

	_, err := p.checkOut(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

var errDialFailed = PoolError("dial failed")
