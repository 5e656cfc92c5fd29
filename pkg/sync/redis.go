package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

const (
	RedisPayloadKey = "p"

	EnvRedisHost  = "REDIS_HOST"
	EnvRedisPort  = "REDIS_PORT"
	RedisHostname = "testground-redis"
	HostHostname  = "host.docker.internal"
)

var DefaultRedisOpts = redis.Options{
	MinIdleConns:       2,               // allow the pool to downsize to 0 conns.
	PoolSize:           5,               // one for subscriptions, one for nonblocking operations.
	PoolTimeout:        3 * time.Minute, // amount of time a waiter will wait for a conn to become available.
	MaxRetries:         30,
	MinRetryBackoff:    1 * time.Second,
	MaxRetryBackoff:    3 * time.Second,
	DialTimeout:        10 * time.Second,
	ReadTimeout:        10 * time.Second,
	WriteTimeout:       10 * time.Second,
	IdleCheckFrequency: 30 * time.Second,
	MaxConnAge:         2 * time.Minute,
}

// RedisConfiguration locates the Redis instance backing the service. Empty
// fields are sourced from REDIS_HOST and REDIS_PORT.
type RedisConfiguration struct {
	Host string
	Port int

	// PollInterval is the frequency at which pending barriers are checked.
	PollInterval time.Duration

	// BlockTimeout bounds each blocking stream read of a subscription, and
	// therefore how long a cancelled subscription may linger.
	BlockTimeout time.Duration
}

// RedisService is a sync service backed by Redis. States are counters
// (INCR), topics are streams (XADD/XREAD).
type RedisService struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	rclient *redis.Client
	log     *zap.SugaredLogger
	cfg     RedisConfiguration

	barrierCh chan *barrier
}

var _ Service = (*RedisService)(nil)

// barrier represents a barrier over a State. A Barrier is a synchronisation
// checkpoint that will fire once the `target` number of entries on that state
// have been registered.
type barrier struct {
	ctx    context.Context
	key    string
	target int64
	doneCh chan error
}

// NewRedisService connects to Redis and starts the barrier worker.
//
// The context passed in here will govern the lifecycle of the service.
// Cancelling it will cancel all ongoing operations. However, for a clean
// closure, the user should call Close().
func NewRedisService(ctx context.Context, log *zap.SugaredLogger, cfg *RedisConfiguration) (*RedisService, error) {
	c := *cfg
	if c.PollInterval == 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 1 * time.Second
	}

	rclient, err := redisClient(ctx, log, &c)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &RedisService{
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
		cfg:       c,
		rclient:   rclient,
		barrierCh: make(chan *barrier),
	}

	s.wg.Add(1)
	go s.barrierWorker()

	return s, nil
}

// Close closes this service, cancels ongoing operations, and releases resources.
func (s *RedisService) Close() error {
	s.cancel()
	s.wg.Wait()

	return s.rclient.Close()
}

// Publish publishes an item on the supplied topic.
//
// This method returns synchronously, once the item has been published
// successfully, returning the sequence number of the new item in the ordered
// topic, or an error if one occurred, starting with 1 (for the first item).
//
// If error is non-nil, the sequence number must be disregarded.
func (s *RedisService) Publish(ctx context.Context, topic string, payload interface{}) (seq int64, err error) {
	if s.ctx.Err() != nil {
		return -1, ErrServiceClosed
	}

	log := s.log.With("topic", topic)

	// Serialize the payload.
	bytes, err := json.Marshal(payload)
	if err != nil {
		return -1, fmt.Errorf("failed while serializing payload: %w", err)
	}

	log.Debugw("serialized json payload", "json", string(bytes))

	// Perform a Redis transaction, adding the item to the stream and fetching
	// the XLEN of the stream.
	args := new(redis.XAddArgs)
	args.ID = "*"
	args.Stream = topic
	args.Values = map[string]interface{}{RedisPayloadKey: bytes}

	pipe := s.rclient.TxPipeline()
	_ = pipe.XAdd(args)
	xlen := pipe.XLen(topic)

	_, err = pipe.ExecContext(ctx)
	if err != nil {
		log.Debugw("failed to publish item", "error", err)
		return -1, err
	}

	return xlen.Val(), nil
}

// Subscribe reads the topic stream from its beginning, then blocks for new
// entries.
func (s *RedisService) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
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

		log := s.log.With("process", "subscription", "topic", topic)
		lastid := "0"

		for {
			if ctx.Err() != nil || s.ctx.Err() != nil {
				sub.finish(endReason(ctx, s.ctx))
				return
			}

			streams, err := s.rclient.WithContext(ctx).XRead(&redis.XReadArgs{
				Streams: []string{topic, lastid},
				Count:   128,
				Block:   s.cfg.BlockTimeout,
			}).Result()

			switch {
			case err == redis.Nil:
				continue // block timed out with no new entries.
			case err != nil && (ctx.Err() != nil || s.ctx.Err() != nil):
				sub.finish(endReason(ctx, s.ctx))
				return
			case err != nil:
				log.Warnw("failed to read from stream", "error", err)
				sub.finish(err)
				return
			}

			for _, xs := range streams {
				for _, msg := range xs.Messages {
					lastid = msg.ID

					raw, ok := msg.Values[RedisPayloadKey].(string)
					if !ok {
						log.Warnw("skipping stream entry without payload", "id", msg.ID)
						continue
					}
					if !sub.send(ctx, s.ctx, json.RawMessage(raw)) {
						sub.finish(endReason(ctx, s.ctx))
						return
					}
				}
			}
		}
	}()

	return sub, nil
}

// Barrier blocks until the state counter reaches target.
func (s *RedisService) Barrier(ctx context.Context, state string, target int64) error {
	if target <= 0 {
		s.log.Warnw("requested a barrier with target zero; satisfying immediately", "state", state)
		return nil
	}

	b := &barrier{
		ctx:    ctx,
		key:    state,
		target: target,
		doneCh: make(chan error, 1),
	}

	select {
	case s.barrierCh <- b:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrServiceClosed
	}

	select {
	case err := <-b.doneCh:
		return err
	case <-ctx.Done():
		// the worker prunes this barrier on its next tick.
		return ctx.Err()
	}
}

// SignalEntry increments the counter of the state.
func (s *RedisService) SignalEntry(ctx context.Context, state string) (after int64, err error) {
	if s.ctx.Err() != nil {
		return -1, ErrServiceClosed
	}

	after, err = s.rclient.WithContext(ctx).Incr(state).Result()
	if err != nil {
		return -1, err
	}
	return after, nil
}

// redisClient returns a Redis client for the supplied configuration, falling
// back to this process' environment variables.
func redisClient(ctx context.Context, log *zap.SugaredLogger, cfg *RedisConfiguration) (client *redis.Client, err error) {
	var (
		port = cfg.Port
		host = cfg.Host
	)

	if host == "" {
		host = os.Getenv(EnvRedisHost)
	}

	if portStr := os.Getenv(EnvRedisPort); port == 0 && portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse port '%q': %w", portStr, err)
		}
	}
	if port == 0 {
		port = 6379
	}

	var tryHosts []string
	if host == "" {
		// Try to resolve the "testground-redis" host from Docker's DNS.
		//
		// Fall back to attempting to use `host.docker.internal` which
		// is only available in macOS and Windows.
		// Finally, falling back on localhost (for local runs)
		tryHosts = []string{RedisHostname, HostHostname, "localhost"}
	} else {
		tryHosts = []string{host}
	}

	for _, h := range tryHosts {
		log.Debugw("resolving redis host", "host", h)

		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, h)
		if err != nil {
			log.Debugw("failed to resolve redis host", "host", h, "error", err)
			continue
		}
		for _, addr := range addrs {
			opts := DefaultRedisOpts // copy to be safe.
			// Use TCPAddr to properly handle IPv6 addresses.
			opts.Addr = (&net.TCPAddr{IP: addr.IP, Zone: addr.Zone, Port: port}).String()
			client = redis.NewClient(&opts).WithContext(ctx)

			// PING redis to make sure we're alive.
			if err := client.Ping().Err(); err != nil {
				_ = client.Close()
				log.Debugw("failed to ping redis host", "host", h, "address", addr, "error", err)
				continue
			}

			log.Debugw("redis ping OK", "addr", opts.Addr)
			return client, nil
		}
	}
	return nil, fmt.Errorf("no viable redis host found")
}
