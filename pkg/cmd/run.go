package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/testground/discovery-plan/pkg/discovery/kad"
	"github.com/testground/discovery-plan/pkg/runtime"
	"github.com/testground/discovery-plan/pkg/scenario"
	"github.com/testground/discovery-plan/pkg/sync"
)

var RunCommand = cli.Command{
	Name:   "run",
	Usage:  "run this process as one test instance, configured from the TEST_* environment",
	Action: runCommand,
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "sync-timeout",
			Usage: "bound every barrier and rendezvous; 0 waits indefinitely",
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "address to serve prometheus metrics on, e.g. :9090; disabled if empty",
		},
		&cli.StringFlag{
			Name:  "protocol-prefix",
			Usage: "protocol prefix of the DHT",
			Value: string(kad.DefaultProtocolPrefix),
		},
	},
}

func runCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(ProcessContext())
	defer cancel()

	runenv, err := runtime.CurrentRunEnv()
	if err != nil {
		return fmt.Errorf("failed to read run environment: %w", err)
	}
	log := runenv.SLogger()

	svc, err := dialSyncService(ctx, log)
	if err != nil {
		return err
	}

	client := sync.NewBoundClient(svc, runenv, sync.WithTimeout(c.Duration("sync-timeout")))
	defer client.Close()

	if addr := c.String("metrics-listen"); addr != "" {
		stop, err := serveMetrics(addr, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	starter := &kad.Starter{
		ProtocolPrefix: protocol.ID(c.String("protocol-prefix")),
		Log:            log,
	}

	return runtime.Invoke(runenv, func(re *runtime.RunEnv) error {
		return scenario.Run(ctx, re, client, starter)
	})
}

// dialSyncService connects to the websocket coordination service when
// SYNC_SERVICE_URL is set, and to Redis otherwise.
func dialSyncService(ctx context.Context, log *zap.SugaredLogger) (sync.Service, error) {
	if url := os.Getenv(sync.EnvServiceURL); url != "" {
		log.Debugw("dialing sync service", "url", url)
		svc, err := sync.DialService(ctx, url, log)
		if err != nil {
			return nil, fmt.Errorf("failed to dial sync service at %s: %w", url, err)
		}
		return svc, nil
	}

	svc, err := sync.NewRedisService(ctx, log, &sync.RedisConfiguration{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis sync service: %w", err)
	}
	return svc, nil
}
