package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

type backend struct {
	name string
	new  func(t *testing.T) Service
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Service {
			return NewMemService(zaptest.NewLogger(t).Sugar())
		}},
		{"redis", func(t *testing.T) Service {
			mr := miniredis.RunT(t)
			port, err := strconv.Atoi(mr.Port())
			require.NoError(t, err)

			svc, err := NewRedisService(context.Background(), zaptest.NewLogger(t).Sugar(), &RedisConfiguration{
				Host:         "127.0.0.1",
				Port:         port,
				PollInterval: 20 * time.Millisecond,
				BlockTimeout: 50 * time.Millisecond,
			})
			require.NoError(t, err)
			return svc
		}},
		{"websocket", func(t *testing.T) Service {
			log := zaptest.NewLogger(t).Sugar()
			mem := NewMemService(log)

			srv, err := NewServer(mem, 0, log)
			require.NoError(t, err)
			go func() { _ = srv.Serve() }()

			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
				_ = mem.Close()
			})

			url := fmt.Sprintf("ws://127.0.0.1:%d", srv.Port())
			svc, err := DialService(context.Background(), url, log)
			require.NoError(t, err)
			return svc
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, svc Service)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			svc := b.new(t)
			defer svc.Close()
			fn(t, svc)
		})
	}
}

func TestBarrier(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		state := "yoda"
		errCh := make(chan error, 1)
		go func() {
			for i := 1; i <= 10; i++ {
				curr, err := svc.SignalEntry(ctx, state)
				if err != nil {
					errCh <- err
					return
				}
				if curr != int64(i) {
					errCh <- fmt.Errorf("expected current count to be: %d; was: %d", i, curr)
					return
				}
			}
			errCh <- nil
		}()

		require.NoError(t, svc.Barrier(ctx, state, 10))
		require.NoError(t, <-errCh)
	})
}

func TestBarrierBeyondTarget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		state := "yoda"
		for i := 1; i <= 20; i++ {
			_, err := svc.SignalEntry(ctx, state)
			require.NoError(t, err)
		}

		require.NoError(t, svc.Barrier(ctx, state, 10))
	})
}

func TestBarrierZeroTarget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		require.NoError(t, svc.Barrier(ctx, "nobody-entered", 0))
	})
}

func TestBarrierCancelled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		_, err := svc.SignalEntry(ctx, "lonely")
		require.NoError(t, err)

		err = svc.Barrier(ctx, "lonely", 2)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSubscribeReplaysFromStart(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		topic := "pandemic:" + uuid.New().String()
		for i := 1; i <= 3; i++ {
			seq, err := svc.Publish(ctx, topic, fmt.Sprintf("item-%d", i))
			require.NoError(t, err)
			require.EqualValues(t, i, seq)
		}

		sctx, scancel := context.WithCancel(ctx)
		sub, err := svc.Subscribe(sctx, topic)
		require.NoError(t, err)

		// published after subscribing; must be delivered too.
		_, err = svc.Publish(ctx, topic, "item-4")
		require.NoError(t, err)

		for i := 1; i <= 4; i++ {
			raw := <-sub.C()
			var s string
			require.NoError(t, json.Unmarshal(raw, &s))
			require.Equal(t, fmt.Sprintf("item-%d", i), s)
		}

		scancel()
		for range sub.C() {
		}
		require.ErrorIs(t, <-sub.Done(), context.Canceled)
	})
}

func TestSubscribeEndsOnClose(t *testing.T) {
	mem := NewMemService(zap.NewNop().Sugar())

	sub, err := mem.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	require.NoError(t, mem.Close())

	_, ok := <-sub.C()
	require.False(t, ok)
	require.ErrorIs(t, <-sub.Done(), ErrServiceClosed)
}

func TestConcurrentPublishSequences(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		const n = 20
		seqs := make(chan int64, n)

		grp, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			i := i
			grp.Go(func() error {
				seq, err := svc.Publish(gctx, "contended", i)
				seqs <- seq
				return err
			})
		}
		require.NoError(t, grp.Wait())
		close(seqs)

		seen := make(map[int64]bool)
		for s := range seqs {
			require.False(t, seen[s], "duplicate sequence %d", s)
			require.True(t, s >= 1 && s <= n)
			seen[s] = true
		}
	})
}

func TestOperationsAfterClose(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		require.NoError(t, svc.Close())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := svc.Publish(ctx, "t", 1)
		require.True(t, errors.Is(err, ErrServiceClosed), "publish: %v", err)

		_, err = svc.SignalEntry(ctx, "s")
		require.True(t, errors.Is(err, ErrServiceClosed), "signal entry: %v", err)

		err = svc.Barrier(ctx, "s", 1)
		require.True(t, errors.Is(err, ErrServiceClosed), "barrier: %v", err)

		_, err = svc.Subscribe(ctx, "t")
		require.True(t, errors.Is(err, ErrServiceClosed), "subscribe: %v", err)
	})
}

func TestConcurrentSignalEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		const n = 25
		seqs := make(chan int64, n)

		grp, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			grp.Go(func() error {
				seq, err := svc.SignalEntry(gctx, "allocations")
				seqs <- seq
				return err
			})
		}
		require.NoError(t, grp.Wait())
		close(seqs)

		seen := make(map[int64]bool, n)
		for s := range seqs {
			require.False(t, seen[s], "duplicate sequence %d", s)
			seen[s] = true
		}
		for i := int64(1); i <= n; i++ {
			require.True(t, seen[i], "sequence %d never allocated", i)
		}
	})
}
