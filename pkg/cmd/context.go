package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/testground/discovery-plan/pkg/logging"
)

// shutdownGrace is how long the process waits for a graceful shutdown after
// the first signal.
const shutdownGrace = 30 * time.Second

var (
	processContext     context.Context
	processContextOnce sync.Once
)

// ProcessContext returns a context that is cancelled on the first interrupt
// or termination signal. A second signal, or the grace period elapsing,
// exits the process.
func ProcessContext() context.Context {
	processContextOnce.Do(func() {
		var cancel context.CancelFunc
		processContext, cancel = context.WithCancel(context.Background())

		notify := make(chan os.Signal, 2)
		signal.Notify(notify, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
		go func() {
			defer signal.Stop(notify)

			sig := <-notify
			logging.S().Infow("received signal, shutting down", "signal", sig, "grace", shutdownGrace)
			cancel()

			select {
			case <-time.After(shutdownGrace):
				logging.S().Warnw("timed out on shutdown, terminating")
			case sig = <-notify:
				logging.S().Warnw("received another signal before graceful shutdown, terminating", "signal", sig)
			}
			os.Exit(-1)
		}()
	})
	return processContext
}
