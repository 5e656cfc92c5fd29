package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/testground/discovery-plan/pkg/runtime"

	"go.uber.org/zap"
)

// Client is a sync client bound to a run. All operations are scoped to the
// keyspace of that run.
//
// By default operations block until they complete or their context fires.
// WithTimeout bounds every signal, barrier, subscription and rendezvous
// performed through the client.
type Client struct {
	svc     Service
	rp      *runtime.RunParams
	log     *zap.SugaredLogger
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout bounds each blocking operation of the client. Zero means no
// bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger overrides the logger of the client, which defaults to the
// runenv's.
func WithLogger(log *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewBoundClient returns a new Client over svc that is bound to the provided
// RunEnv.
func NewBoundClient(svc Service, runenv *runtime.RunEnv, opts ...ClientOption) *Client {
	c := &Client{
		svc: svc,
		rp:  &runenv.RunParams,
		log: runenv.SLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the underlying service.
func (c *Client) Close() error {
	return c.svc.Close()
}

// Barrier is a pending wait on a state. C yields a single value, nil if the
// barrier was met, and is then closed.
type Barrier struct {
	C <-chan error
}

// SignalEntry increments the state counter by one, returning the value of the
// new value of the counter, or an error if the operation fails.
func (c *Client) SignalEntry(ctx context.Context, state State) (after int64, err error) {
	key := state.Key(c.rp)
	c.log.Debugw("signalling entry to state", "key", key)

	tctx, cancel := c.withTimeout(ctx)
	defer cancel()

	after, err = c.svc.SignalEntry(tctx, key)
	if err != nil {
		return -1, c.timeoutErr(ctx, err)
	}

	c.log.Debugw("new value of state", "key", key, "value", after)
	return after, nil
}

// Barrier sets a barrier on the supplied State that fires when it reaches its
// target value (or higher). The returned Barrier's channel fires when the
// barrier is met, is cancelled, or fails.
func (c *Client) Barrier(ctx context.Context, state State, target int) *Barrier {
	ch := make(chan error, 1)
	b := &Barrier{C: ch}

	go func() {
		defer close(ch)

		tctx, cancel := c.withTimeout(ctx)
		defer cancel()

		err := c.svc.Barrier(tctx, state.Key(c.rp), int64(target))
		ch <- c.timeoutErr(ctx, err)
	}()

	return b
}

// SignalAndWait composes SignalEntry and Barrier, signalling entry on the
// supplied state, and then awaiting until the required value has been reached.
//
// The returned error will be nil if the barrier was met successfully,
// or non-nil if the context expired, or some other error occurred.
func (c *Client) SignalAndWait(ctx context.Context, state State, target int) (seq int64, err error) {
	seq, err = c.SignalEntry(ctx, state)
	if err != nil {
		return -1, fmt.Errorf("failed while signalling entry to state %s: %w", state, err)
	}

	c.log.Debugw("waiting on barrier", "state", state, "target", target)
	if err := <-c.Barrier(ctx, state, target).C; err != nil {
		return seq, fmt.Errorf("failed while waiting on state %s, with target %d: %w", state, target, err)
	}
	return seq, nil
}

// MustSignalAndWait calls SignalAndWait, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustSignalAndWait(ctx context.Context, state State, target int) (seq int64) {
	seq, err := c.SignalAndWait(ctx, state, target)
	if err != nil {
		panic(err)
	}
	return seq
}

// Publish publishes an item on the supplied topic, returning its 1-based
// position in the topic.
func (c *Client) Publish(ctx context.Context, topic *Topic, payload interface{}) (seq int64, err error) {
	key := topic.Key(c.rp)
	log := c.log.With("topic", topic.Name)
	log.Debugw("publishing item on topic", "key", key)

	seq, err = c.svc.Publish(ctx, key, payload)
	if err != nil {
		log.Debugw("failed to publish item", "error", err)
		return -1, err
	}

	log.Debugw("successfully published item; sequence number obtained", "seq", seq)
	return seq, nil
}

// Subscribe subscribes to a topic, consuming ordered elements from index 0.
//
// The caller must consume from the subscription promptly, and cancel ctx once
// it is no longer interested.
func (c *Client) Subscribe(ctx context.Context, topic *Topic) (*Subscription, error) {
	return c.svc.Subscribe(ctx, topic.Key(c.rp))
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// timeoutErr translates deadline errors caused by the client timeout (and not
// by the caller's context) into ErrTimeout.
func (c *Client) timeoutErr(parent context.Context, err error) error {
	if err == nil || c.timeout == 0 || parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return err
}
