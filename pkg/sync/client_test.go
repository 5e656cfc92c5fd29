package sync

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/testground/discovery-plan/pkg/runtime"
)

func testRunEnv(t *testing.T, instances int) *runtime.RunEnv {
	return runtime.NewRunEnv(runtime.RunParams{
		TestPlan:          "discovery",
		TestCase:          "sync",
		TestRun:           uuid.New().String(),
		TestInstanceCount: instances,
	}, runtime.WithCore(zaptest.NewLogger(t).Core()))
}

func TestSignalAndWait(t *testing.T) {
	const n = 5

	svc := NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	runenv := testRunEnv(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seqs := make([]int64, n)
	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		grp.Go(func() error {
			c := NewBoundClient(svc, runenv)
			seq, err := c.SignalAndWait(gctx, "ready", n)
			seqs[i] = seq
			return err
		})
	}
	require.NoError(t, grp.Wait())

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)
}

func TestRunsAreIsolated(t *testing.T) {
	svc := NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := NewBoundClient(svc, testRunEnv(t, 1))
	b := NewBoundClient(svc, testRunEnv(t, 1))

	seq, err := a.SignalEntry(ctx, "seq")
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	seq, err = b.SignalEntry(ctx, "seq")
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)
}

func TestBarrierTimeout(t *testing.T) {
	svc := NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	c := NewBoundClient(svc, testRunEnv(t, 2), WithTimeout(100*time.Millisecond))

	_, err := c.SignalAndWait(context.Background(), "never", 2)
	require.ErrorIs(t, err, ErrTimeout)
}

// stalledService never completes a signal until its context fires.
type stalledService struct {
	*MemService
}

func (s stalledService) SignalEntry(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return -1, ctx.Err()
}

func TestSignalEntryTimeout(t *testing.T) {
	svc := stalledService{NewMemService(zaptest.NewLogger(t).Sugar())}
	defer svc.Close()

	c := NewBoundClient(svc, testRunEnv(t, 2), WithTimeout(100*time.Millisecond))

	errCh := make(chan error, 2)
	go func() {
		_, err := c.SignalEntry(context.Background(), "stalled")
		errCh <- err
	}()
	go func() {
		_, err := c.SignalAndWait(context.Background(), "stalled", 2)
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrTimeout)
		case <-time.After(2 * time.Second):
			t.Fatal("signalling was not bounded by the client timeout")
		}
	}
}

func TestBarrierCallerCancellationIsNotTimeout(t *testing.T) {
	svc := NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	c := NewBoundClient(svc, testRunEnv(t, 2), WithTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := <-c.Barrier(ctx, "never", 2).C
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrTimeout)
}

type announcement struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

func TestPublishAndCollect(t *testing.T) {
	forEachBackend(t, func(t *testing.T, svc Service) {
		const n = 4

		runenv := testRunEnv(t, n)
		topic := NewTopic("announcements")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		results := make([][]announcement, n)
		grp, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			i := i
			grp.Go(func() error {
				c := NewBoundClient(svc, runenv)
				out, err := PublishAndCollect(gctx, c, topic, announcement{
					ID:   uuid.New().String(),
					Addr: "10.0.0." + string(rune('1'+i)),
				}, n)
				results[i] = out
				return err
			})
		}
		require.NoError(t, grp.Wait())

		key := func(as []announcement) []string {
			ids := make([]string, 0, len(as))
			for _, a := range as {
				ids = append(ids, a.ID)
			}
			sort.Strings(ids)
			return ids
		}

		want := key(results[0])
		require.Len(t, want, n)
		for _, r := range results[1:] {
			require.Equal(t, want, key(r))
		}
	})
}

func TestPublishAndCollectTimeout(t *testing.T) {
	svc := NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	c := NewBoundClient(svc, testRunEnv(t, 3), WithTimeout(100*time.Millisecond))

	out, err := PublishAndCollect(context.Background(), c, NewTopic("lonely"), "me", 3)
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrFeedClosed)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPublishAndCollectServiceClosed(t *testing.T) {
	svc := NewMemService(zaptest.NewLogger(t).Sugar())
	c := NewBoundClient(svc, testRunEnv(t, 2))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = svc.Close()
	}()

	_, err := PublishAndCollect(context.Background(), c, NewTopic("closing"), 1, 2)
	require.ErrorIs(t, err, ErrFeedClosed)
	require.ErrorIs(t, err, ErrServiceClosed)
}
