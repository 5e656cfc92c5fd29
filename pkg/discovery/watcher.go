package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Observation is the outcome of an AddressWatcher: the address the engine
// learnt, and when the watcher saw it.
type Observation struct {
	Addr ma.Multiaddr
	At   time.Time
}

type watchResult struct {
	obs Observation
	err error
}

// AddressWatcher observes an engine's event feed until the first
// EventAddressChanged, and reports it exactly once. Later address changes are
// not reported; the watcher stops consuming the feed after the first one.
type AddressWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	result chan watchResult

	lk       sync.Mutex
	consumed bool
}

// WatchOption configures an AddressWatcher.
type WatchOption func(*watchOptions)

type watchOptions struct {
	clock clock.Clock
}

// WithClock sets the clock used to timestamp observations.
func WithClock(c clock.Clock) WatchOption {
	return func(o *watchOptions) {
		o.clock = c
	}
}

// WatchAddress takes the event feed of the engine and starts watching it.
//
// The feed is taken before WatchAddress returns, so every event the engine
// emits afterwards is seen by the watcher. It must therefore be called
// before the engine is exposed to peers.
func WatchAddress(ctx context.Context, engine Engine, log *zap.SugaredLogger, opts ...WatchOption) (*AddressWatcher, error) {
	o := watchOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	feed, err := engine.Events()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &AddressWatcher{
		cancel: cancel,
		done:   make(chan struct{}),
		result: make(chan watchResult, 1),
	}

	go w.run(ctx, feed, o.clock, log)
	return w, nil
}

func (w *AddressWatcher) run(ctx context.Context, feed <-chan Event, clk clock.Clock, log *zap.SugaredLogger) {
	defer close(w.done)

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				log.Debugw("event feed closed before address change")
				w.result <- watchResult{err: ErrFeedClosed}
				return
			}
			if ev.Type != EventAddressChanged {
				log.Debugw("ignoring engine event", "type", ev.Type, "note", ev.Note)
				continue
			}
			obs := Observation{Addr: ev.Addr, At: clk.Now()}
			log.Debugw("observed address change", "addr", ev.Addr)
			w.result <- watchResult{obs: obs}
			return

		case <-ctx.Done():
			w.result <- watchResult{err: ctx.Err()}
			return
		}
	}
}

// Wait blocks until the watcher delivers its result, or ctx fires. The
// result can only be received once; later calls return ErrResultConsumed.
func (w *AddressWatcher) Wait(ctx context.Context) (Observation, error) {
	w.lk.Lock()
	defer w.lk.Unlock()

	if w.consumed {
		return Observation{}, ErrResultConsumed
	}

	select {
	case r := <-w.result:
		w.consumed = true
		return r.obs, r.err
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	}
}

// Stop cancels the watcher and waits for it to return. A pending result
// remains available to Wait.
func (w *AddressWatcher) Stop() {
	w.cancel()
	<-w.done
}
