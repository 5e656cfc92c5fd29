package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// EnvServiceURL points instances at a standalone sync service.
const EnvServiceURL = "SYNC_SERVICE_URL"

// WSService is a Service that forwards every operation to a remote sync
// Server over a single websocket connection.
type WSService struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	conn *websocket.Conn

	writeLk sync.Mutex

	lk      sync.Mutex
	pending map[string]*inflight
}

// inflight routes the responses of one request. quit is closed once the
// requester stops listening.
type inflight struct {
	ch   chan *Response
	quit chan struct{}
}

var _ Service = (*WSService)(nil)

// DialService connects to the sync server at url, e.g. ws://host:5050.
func DialService(ctx context.Context, url string, log *zap.SugaredLogger) (*WSService, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial sync service at %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 24)

	ctx, cancel := context.WithCancel(context.Background())
	s := &WSService{
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With("sync_service", url),
		conn:    conn,
		pending: make(map[string]*inflight),
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// Close closes the connection. Outstanding operations fail with
// ErrServiceClosed.
func (s *WSService) Close() error {
	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.wg.Wait()
	return err
}

func (s *WSService) readLoop() {
	defer s.wg.Done()
	defer s.cancel()

	for {
		var resp Response
		if err := wsjson.Read(s.ctx, s.conn, &resp); err != nil {
			if s.ctx.Err() == nil {
				s.log.Warnw("sync connection broken", "error", err)
			}
			return
		}

		s.lk.Lock()
		inf, ok := s.pending[resp.ID]
		s.lk.Unlock()
		if !ok {
			// response to a request we no longer care about.
			continue
		}

		select {
		case inf.ch <- &resp:
		case <-inf.quit:
		case <-s.ctx.Done():
			return
		}
	}
}

// request sends req and returns the channel on which its responses arrive,
// plus a function to deregister it.
func (s *WSService) request(ctx context.Context, req *Request, buffer int) (<-chan *Response, func(), error) {
	if s.ctx.Err() != nil {
		return nil, nil, ErrServiceClosed
	}

	req.ID = uuid.New().String()
	inf := &inflight{
		ch:   make(chan *Response, buffer),
		quit: make(chan struct{}),
	}

	s.lk.Lock()
	s.pending[req.ID] = inf
	s.lk.Unlock()

	done := func() {
		s.lk.Lock()
		delete(s.pending, req.ID)
		s.lk.Unlock()
		close(inf.quit)
	}

	if err := s.write(ctx, req); err != nil {
		done()
		return nil, nil, err
	}
	return inf.ch, done, nil
}

func (s *WSService) write(ctx context.Context, req *Request) error {
	s.writeLk.Lock()
	defer s.writeLk.Unlock()

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(wctx, s.conn, req)
}

// cancelRemote tells the server to abandon the request.
func (s *WSService) cancelRemote(id string) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.write(s.ctx, &Request{ID: id, IsCancel: true}); err != nil {
		s.log.Debugw("failed to cancel remote request", "id", id, "error", err)
	}
}

// roundtrip performs a request that yields a single response.
func (s *WSService) roundtrip(ctx context.Context, req *Request) (*Response, error) {
	ch, done, err := s.request(ctx, req, 1)
	if err != nil {
		return nil, err
	}
	defer done()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		s.cancelRemote(req.ID)
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrServiceClosed
	}
}

func (s *WSService) Publish(ctx context.Context, topic string, payload interface{}) (seq int64, err error) {
	bytes, err := json.Marshal(payload)
	if err != nil {
		return -1, fmt.Errorf("failed while serializing payload: %w", err)
	}

	resp, err := s.roundtrip(ctx, &Request{
		PublishRequest: &PublishRequest{Topic: topic, Payload: bytes},
	})
	if err != nil {
		return -1, err
	}
	if resp.PublishResponse == nil {
		return -1, fmt.Errorf("malformed publish response for topic %s", topic)
	}
	return resp.PublishResponse.Seq, nil
}

func (s *WSService) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := &Request{SubscribeRequest: &SubscribeRequest{Topic: topic}}
	ch, done, err := s.request(ctx, req, 16)
	if err != nil {
		return nil, err
	}

	sub := newSubscription()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer done()

		for {
			select {
			case resp := <-ch:
				if resp.Error != "" {
					sub.finish(errors.New(resp.Error))
					return
				}
				if !sub.send(ctx, s.ctx, resp.SubscribeResponse) {
					s.cancelRemote(req.ID)
					sub.finish(endReason(ctx, s.ctx))
					return
				}
			case <-ctx.Done():
				s.cancelRemote(req.ID)
				sub.finish(ctx.Err())
				return
			case <-s.ctx.Done():
				sub.finish(ErrServiceClosed)
				return
			}
		}
	}()

	return sub, nil
}

func (s *WSService) Barrier(ctx context.Context, state string, target int64) error {
	if target <= 0 {
		s.log.Warnw("requested a barrier with target zero; satisfying immediately", "state", state)
		return nil
	}
	_, err := s.roundtrip(ctx, &Request{
		BarrierRequest: &BarrierRequest{State: state, Target: target},
	})
	return err
}

func (s *WSService) SignalEntry(ctx context.Context, state string) (after int64, err error) {
	resp, err := s.roundtrip(ctx, &Request{
		SignalEntryRequest: &SignalEntryRequest{State: state},
	})
	if err != nil {
		return -1, err
	}
	if resp.SignalEntryResponse == nil {
		return -1, fmt.Errorf("malformed signal entry response for state %s", state)
	}
	return resp.SignalEntryResponse.Seq, nil
}
