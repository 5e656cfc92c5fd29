package sync

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrServiceClosed is returned by operations on a closed service, and is
	// the terminal error of subscriptions and barriers outstanding when the
	// service closes.
	ErrServiceClosed = errors.New("sync service closed")

	// ErrFeedClosed is returned when a subscription ends before the expected
	// number of entries arrived.
	ErrFeedClosed = errors.New("subscription feed closed")

	// ErrTimeout is returned when an operation exceeds the timeout configured
	// on the Client.
	ErrTimeout = errors.New("sync operation timed out")
)

// Service is the implementation of a sync service. It operates on raw,
// already scoped keys; see Client for the run-scoped API used by test
// instances.
type Service interface {
	// Publish appends the JSON encoding of payload to the topic, returning
	// the 1-based position of the new item.
	Publish(ctx context.Context, topic string, payload interface{}) (seq int64, err error)

	// Subscribe consumes the topic from its first item onwards.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)

	// Barrier blocks until the state counter reaches target, or the context
	// fires.
	Barrier(ctx context.Context, state string, target int64) error

	// SignalEntry increments the state counter, returning its new value.
	SignalEntry(ctx context.Context, state string) (after int64, err error)

	// Close releases the resources of the service. Outstanding operations
	// fail with ErrServiceClosed.
	Close() error
}

// Subscription represents a subscription to a certain topic to which
// other instances can publish.
//
// Items are delivered in topic order on C. When the subscription ends, its
// terminal error (the context error, ErrServiceClosed, or a transport error)
// is made available on Done before C is closed.
type Subscription struct {
	outCh  chan json.RawMessage
	doneCh chan error
}

func newSubscription() *Subscription {
	return &Subscription{
		outCh:  make(chan json.RawMessage),
		doneCh: make(chan error, 1),
	}
}

// C returns the channel on which items are delivered.
func (s *Subscription) C() <-chan json.RawMessage {
	return s.outCh
}

// Done returns a channel that yields the terminal error of the subscription
// once it has ended.
func (s *Subscription) Done() <-chan error {
	return s.doneCh
}

// send delivers an item, aborting if either context fires.
func (s *Subscription) send(ctx, svcCtx context.Context, v json.RawMessage) bool {
	select {
	case s.outCh <- v:
		return true
	case <-ctx.Done():
		return false
	case <-svcCtx.Done():
		return false
	}
}

// finish records the terminal error and closes the subscription. It must be
// called exactly once, by the goroutine feeding the subscription.
func (s *Subscription) finish(err error) {
	s.doneCh <- err
	close(s.doneCh)
	close(s.outCh)
}

// endReason picks the terminal error of a subscription whose feeding loop
// stopped because a context fired.
func endReason(ctx, svcCtx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if svcCtx.Err() != nil {
		return ErrServiceClosed
	}
	return nil
}
