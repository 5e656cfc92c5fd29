package cmd

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/testground/discovery-plan/pkg/logging"
	"github.com/testground/discovery-plan/pkg/sync"
)

const defaultSyncPort = 5050

var SyncServiceCommand = cli.Command{
	Name:   "sync-service",
	Usage:  "run the websocket coordination service",
	Action: syncServiceCommand,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Usage: "port to listen on; 0 picks a free port",
			Value: defaultSyncPort,
		},
		&cli.BoolFlag{
			Name:  "redis",
			Usage: "back the service with Redis (located with REDIS_HOST and REDIS_PORT) instead of memory",
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "how often the Redis backend checks pending barriers",
			Value: time.Second,
		},
	},
}

func syncServiceCommand(c *cli.Context) error {
	ctx, cancel := context.WithCancel(ProcessContext())
	defer cancel()

	log := logging.S()

	var service sync.Service
	if c.Bool("redis") {
		rs, err := sync.NewRedisService(ctx, log, &sync.RedisConfiguration{
			PollInterval: c.Duration("poll-interval"),
		})
		if err != nil {
			return err
		}
		service = rs
	} else {
		service = sync.NewMemService(log)
	}

	srv, err := sync.NewServer(service, c.Int("port"), log)
	if err != nil {
		_ = service.Close()
		return err
	}

	exiting := make(chan struct{})
	defer close(exiting)

	go func() {
		select {
		case <-ctx.Done():
		case <-exiting:
			// no need to shutdown in this case.
			return
		}

		log.Infow("shutting down sync service")

		_ = service.Close()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Infow("sync service listening", "addr", srv.Addr(), "redis", c.Bool("redis"))
	return srv.Serve()
}
