package sync

import (
	"context"
	"encoding/json"
	"fmt"
)

// PublishAndCollect publishes payload on the topic, then subscribes to it and
// collects exactly count entries, including our own.
//
// Entries are returned in topic order, but no instance should rely on that
// order. There is no filtering nor deduplication; callers that need to
// exclude themselves filter the result.
//
// If the subscription ends before count entries arrived, the error wraps
// ErrFeedClosed and the subscription's terminal error.
func PublishAndCollect[T any](ctx context.Context, c *Client, topic *Topic, payload T, count int) ([]T, error) {
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.Publish(tctx, topic, payload); err != nil {
		return nil, fmt.Errorf("failed to publish on topic %s: %w", topic.Name, c.timeoutErr(ctx, err))
	}

	sub, err := c.Subscribe(tctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic.Name, err)
	}

	out := make([]T, 0, count)
	for len(out) < count {
		raw, ok := <-sub.C()
		if !ok {
			err := c.timeoutErr(ctx, <-sub.Done())
			if err == nil {
				return nil, fmt.Errorf("%w: topic %s yielded %d of %d entries", ErrFeedClosed, topic.Name, len(out), count)
			}
			return nil, fmt.Errorf("%w: topic %s yielded %d of %d entries: %w", ErrFeedClosed, topic.Name, len(out), count, err)
		}

		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode entry %d of topic %s: %w", len(out)+1, topic.Name, err)
		}
		out = append(out, v)
	}

	c.log.Debugw("collected entries", "topic", topic.Name, "count", len(out))
	return out, nil
}
