package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MemService is a sync service that keeps all states and topics in memory.
// It backs local runs, where every instance lives in the same process, and
// the standalone websocket sync service.
type MemService struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	lk     sync.Mutex
	states map[string]int64
	topics map[string][]json.RawMessage

	// changed is closed and replaced on every mutation, waking up all
	// waiters so they can re-evaluate their condition.
	changed chan struct{}
}

var _ Service = (*MemService)(nil)

// NewMemService returns an empty in-memory sync service.
func NewMemService(log *zap.SugaredLogger) *MemService {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemService{
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		states:  make(map[string]int64),
		topics:  make(map[string][]json.RawMessage),
		changed: make(chan struct{}),
	}
}

// Close closes this service, cancels ongoing operations, and waits for
// subscriptions to wind down.
func (s *MemService) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *MemService) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *MemService) Publish(ctx context.Context, topic string, payload interface{}) (seq int64, err error) {
	if err := s.ctx.Err(); err != nil {
		return -1, ErrServiceClosed
	}

	bytes, err := json.Marshal(payload)
	if err != nil {
		return -1, fmt.Errorf("failed while serializing payload: %w", err)
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	s.topics[topic] = append(s.topics[topic], bytes)
	seq = int64(len(s.topics[topic]))
	s.notifyLocked()

	s.log.Debugw("published item", "topic", topic, "seq", seq)
	return seq, nil
}

func (s *MemService) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ctx.Err(); err != nil {
		return nil, ErrServiceClosed
	}

	sub := newSubscription()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for idx := 0; ; {
			s.lk.Lock()
			var (
				items   = s.topics[topic]
				changed = s.changed
			)
			s.lk.Unlock()

			// items is append-only; entries below len are stable.
			for ; idx < len(items); idx++ {
				if !sub.send(ctx, s.ctx, items[idx]) {
					sub.finish(endReason(ctx, s.ctx))
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				sub.finish(endReason(ctx, s.ctx))
				return
			case <-s.ctx.Done():
				sub.finish(endReason(ctx, s.ctx))
				return
			}
		}
	}()

	return sub, nil
}

func (s *MemService) Barrier(ctx context.Context, state string, target int64) error {
	if target <= 0 {
		s.log.Warnw("requested a barrier with target zero; satisfying immediately", "state", state)
		return nil
	}

	for {
		s.lk.Lock()
		var (
			curr    = s.states[state]
			changed = s.changed
		)
		s.lk.Unlock()

		if curr >= target {
			s.log.Debugw("barrier was hit", "state", state, "target", target, "curr", curr)
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrServiceClosed
		}
	}
}

func (s *MemService) SignalEntry(ctx context.Context, state string) (after int64, err error) {
	if err := s.ctx.Err(); err != nil {
		return -1, ErrServiceClosed
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	s.states[state]++
	after = s.states[state]
	s.notifyLocked()
	return after, nil
}
