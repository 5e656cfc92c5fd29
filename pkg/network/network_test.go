package network

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/testground/discovery-plan/pkg/runtime"
	"github.com/testground/discovery-plan/pkg/sync"
)

func newRunEnv(t *testing.T, n int, sidecar bool, params map[string]string) *runtime.RunEnv {
	return runtime.NewRunEnv(runtime.RunParams{
		TestPlan:           "discovery",
		TestCase:           "enr-update",
		TestRun:            uuid.New().String(),
		TestInstanceCount:  n,
		TestInstanceParams: params,
		TestSidecar:        sidecar,
	}, runtime.WithCore(zaptest.NewLogger(t).Core()))
}

func TestConfigFromParams(t *testing.T) {
	runenv := newRunEnv(t, 3, false, map[string]string{"latency": "150"})

	cfg, err := ConfigFromParams(runenv)
	require.NoError(t, err)
	require.Equal(t, 150*time.Millisecond, cfg.Default.Latency)
	require.EqualValues(t, 1<<20, cfg.Default.Bandwidth)
	require.Equal(t, DenyAll, cfg.RoutingPolicy)
	require.Equal(t, StateConfigured, cfg.CallbackState)
	require.Equal(t, 3, cfg.CallbackTarget)

	runenv = newRunEnv(t, 1, false, map[string]string{"bandwidth": "10MiB"})
	cfg, err = ConfigFromParams(runenv)
	require.NoError(t, err)
	require.EqualValues(t, 10<<20, cfg.Default.Bandwidth)
	require.Zero(t, cfg.Default.Latency)

	runenv = newRunEnv(t, 1, false, map[string]string{"bandwidth": "lots"})
	_, err = ConfigFromParams(runenv)
	require.Error(t, err)
}

func TestConfigureWithoutSidecar(t *testing.T) {
	const n = 3

	svc := sync.NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	runenv := newRunEnv(t, n, false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		grp.Go(func() error {
			client := sync.NewBoundClient(svc, runenv)
			cfg, err := ConfigFromParams(runenv)
			if err != nil {
				return err
			}
			return ConfigureNetwork(gctx, runenv, client, cfg)
		})
	}
	require.NoError(t, grp.Wait())
}

func TestConfigureWithSidecar(t *testing.T) {
	const n = 2

	svc := sync.NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	runenv := newRunEnv(t, n, true, map[string]string{"latency": "20ms"})
	sidecar := sync.NewBoundClient(svc, runenv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostname, err := os.Hostname()
	require.NoError(t, err)

	// play the part of the sidecar: initialise, then apply every request.
	for i := 0; i < n; i++ {
		_, err := sidecar.SignalEntry(ctx, StateInitialized)
		require.NoError(t, err)
	}

	sub, err := sidecar.Subscribe(ctx, Topic(hostname))
	require.NoError(t, err)

	applied := make(chan *Config, n)
	go func() {
		for raw := range sub.C() {
			var cfg Config
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return
			}
			applied <- &cfg
			_, _ = sidecar.SignalEntry(ctx, cfg.CallbackState)
		}
	}()

	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		grp.Go(func() error {
			client := sync.NewBoundClient(svc, runenv)
			cfg, err := ConfigFromParams(runenv)
			if err != nil {
				return err
			}
			return ConfigureNetwork(gctx, runenv, client, cfg)
		})
	}
	require.NoError(t, grp.Wait())

	for i := 0; i < n; i++ {
		cfg := <-applied
		require.Equal(t, 20*time.Millisecond, cfg.Default.Latency)
		require.True(t, cfg.Enable)
	}
}

func TestConfigureWaitsForSidecar(t *testing.T) {
	svc := sync.NewMemService(zaptest.NewLogger(t).Sugar())
	defer svc.Close()

	runenv := newRunEnv(t, 1, true, nil)
	client := sync.NewBoundClient(svc, runenv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cfg, err := ConfigFromParams(runenv)
	require.NoError(t, err)

	err = ConfigureNetwork(ctx, runenv, client, cfg)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
