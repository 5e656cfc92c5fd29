package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type connection struct {
	*websocket.Conn
	service   Service
	ctx       context.Context
	log       *zap.SugaredLogger
	responses chan *Response

	// idleTimeout bounds the wait for the next request; zero waits for as
	// long as the connection stays open.
	idleTimeout time.Duration

	wg          sync.WaitGroup
	lk          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

func newConnection(ctx context.Context, c *websocket.Conn, svc Service, log *zap.SugaredLogger, idleTimeout time.Duration) *connection {
	return &connection{
		Conn:        c,
		service:     svc,
		ctx:         ctx,
		log:         log,
		responses:   make(chan *Response),
		idleTimeout: idleTimeout,
		cancelFuncs: map[string]context.CancelFunc{},
	}
}

func (c *connection) consumeRequests() error {
	for {
		req, err := c.readRequest()
		if err != nil {
			return err
		}

		if req.IsCancel {
			c.cancelRequest(req.ID)
			continue
		}

		var handler func(ctx context.Context)
		switch {
		case req.PublishRequest != nil:
			requestsCounter.WithLabelValues("publish").Inc()
			handler = func(ctx context.Context) { c.publishHandler(ctx, req.ID, req.PublishRequest) }
		case req.SubscribeRequest != nil:
			requestsCounter.WithLabelValues("subscribe").Inc()
			handler = func(ctx context.Context) { c.subscribeHandler(ctx, req.ID, req.SubscribeRequest) }
		case req.BarrierRequest != nil:
			requestsCounter.WithLabelValues("barrier").Inc()
			handler = func(ctx context.Context) { c.barrierHandler(ctx, req.ID, req.BarrierRequest) }
		case req.SignalEntryRequest != nil:
			requestsCounter.WithLabelValues("signal_entry").Inc()
			handler = func(ctx context.Context) { c.signalEntryHandler(ctx, req.ID, req.SignalEntryRequest) }
		default:
			c.log.Warnw("ignoring empty request", "id", req.ID)
			continue
		}

		ctx, cancel := context.WithCancel(c.ctx)
		c.lk.Lock()
		c.cancelFuncs[req.ID] = cancel
		c.lk.Unlock()

		c.wg.Add(1)
		go func(id string) {
			defer c.wg.Done()
			defer c.cancelRequest(id)
			handler(ctx)
		}(req.ID)
	}
}

func (c *connection) cancelRequest(id string) {
	c.lk.Lock()
	cancel, ok := c.cancelFuncs[id]
	delete(c.cancelFuncs, id)
	c.lk.Unlock()

	if ok {
		cancel()
	}
}

// wait blocks until all in-flight handlers have returned.
func (c *connection) wait() {
	c.wg.Wait()
}

func (c *connection) respond(resp *Response) {
	select {
	case c.responses <- resp:
	case <-c.ctx.Done():
	}
}

func (c *connection) publishHandler(ctx context.Context, id string, req *PublishRequest) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	resp := &Response{ID: id}
	seq, err := c.service.Publish(ctx, req.Topic, req.Payload)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.PublishResponse = &PublishResponse{
			Seq: seq,
		}
	}
	c.respond(resp)
}

func (c *connection) subscribeHandler(ctx context.Context, id string, req *SubscribeRequest) {
	sub, err := c.service.Subscribe(ctx, req.Topic)
	if err != nil {
		c.respond(&Response{ID: id, Error: err.Error()})
		return
	}

	for data := range sub.C() {
		c.respond(&Response{ID: id, SubscribeResponse: data})
	}

	err = <-sub.Done()
	if errors.Is(err, context.Canceled) {
		// Cancelled by the user.
		return
	}
	if err == nil {
		err = ErrFeedClosed
	}
	c.respond(&Response{ID: id, Error: err.Error()})
}

func (c *connection) barrierHandler(ctx context.Context, id string, req *BarrierRequest) {
	resp := &Response{ID: id}
	err := c.service.Barrier(ctx, req.State, req.Target)
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		resp.Error = err.Error()
	}
	c.respond(resp)
}

func (c *connection) signalEntryHandler(ctx context.Context, id string, req *SignalEntryRequest) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	resp := &Response{ID: id}
	seq, err := c.service.SignalEntry(ctx, req.State)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.SignalEntryResponse = &SignalEntryResponse{
			Seq: seq,
		}
	}
	c.respond(resp)
}

func (c *connection) consumeResponses() error {
	for {
		select {
		case resp := <-c.responses:
			err := c.writeTimeout(time.Second*10, resp)
			if err != nil {
				c.log.Debugw("failed to write response", "id", resp.ID, "error", err)
				return err
			}
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// readRequest waits for the next request. Instances blocked on a barrier
// send nothing, so there is no deadline unless idleTimeout is set.
func (c *connection) readRequest() (*Request, error) {
	ctx, cancel := context.WithCancel(c.ctx)
	if c.idleTimeout > 0 {
		cancel()
		ctx, cancel = context.WithTimeout(c.ctx, c.idleTimeout)
	}
	defer cancel()

	var req *Request
	err := wsjson.Read(ctx, c.Conn, &req)
	return req, err
}

func (c *connection) writeTimeout(timeout time.Duration, resp *Response) error {
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, c.Conn, resp)
}
