package scenario

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/testground/discovery-plan/pkg/discovery"
	"github.com/testground/discovery-plan/pkg/runtime"
	"github.com/testground/discovery-plan/pkg/sync"
)

// Phase is a state of the scenario driver.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseIdentityExchanged
	PhaseConnectionsEstablished
	PhaseAddressObserved
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseIdentityExchanged:
		return "IDENTITY_EXCHANGED"
	case PhaseConnectionsEstablished:
		return "CONNECTIONS_ESTABLISHED"
	case PhaseAddressObserved:
		return "ADDRESS_OBSERVED"
	case PhaseCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config is the scenario configuration, decoded from the test params.
type Config struct {
	// Port is the discovery port participants announce. Zero lets the
	// engine pick one.
	Port int `param:"port"`

	// ObserveTimeout bounds the wait for the coordinator's address change.
	// Zero waits until the event feed closes.
	ObserveTimeout time.Duration `param:"observe_timeout"`

	// Capabilities is a comma separated list advertised in the identity
	// record.
	Capabilities string `param:"capabilities"`
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock sets the clock used for elapsed time measurements.
func WithClock(c clock.Clock) Option {
	return func(d *Driver) {
		d.clock = c
	}
}

// WithPhaseObserver registers a function called on every phase transition.
func WithPhaseObserver(f func(seq int64, p Phase)) Option {
	return func(d *Driver) {
		d.observer = f
	}
}

// Driver runs one scenario for one instance. It owns the discovery engine
// of the instance.
type Driver struct {
	runenv  *runtime.RunEnv
	client  *sync.Client
	starter discovery.Starter
	clock   clock.Clock
	log     *zap.SugaredLogger
	cfg     Config

	observer func(seq int64, p Phase)

	phase   Phase
	info    InstanceInfo
	peers   []InstanceInfo
	engine  discovery.Engine
	watcher *discovery.AddressWatcher
}

// NewDriver returns a driver in the INIT phase.
func NewDriver(runenv *runtime.RunEnv, client *sync.Client, starter discovery.Starter, opts ...Option) (*Driver, error) {
	d := &Driver{
		runenv:  runenv,
		client:  client,
		starter: starter,
		clock:   clock.New(),
		log:     runenv.SLogger(),
		cfg:     Config{Port: discovery.DefaultPort},
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := runenv.DecodeParams(&d.cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Phase returns the current phase.
func (d *Driver) Phase() Phase {
	return d.phase
}

// Info returns the announced info of this instance.
func (d *Driver) Info() InstanceInfo {
	return d.info
}

// Peers returns the collected infos, this instance's included.
func (d *Driver) Peers() []InstanceInfo {
	return d.peers
}

// IsCoordinator reports whether this instance coordinates the scenario.
func (d *Driver) IsCoordinator() bool {
	return d.info.Role == RoleCoordinator
}

func (d *Driver) transition(p Phase) {
	d.log.Infow("scenario phase transition", "seq", d.info.Seq, "from", d.phase, "to", p)
	d.phase = p
	phaseGauge.WithLabelValues(d.seqLabel()).Set(float64(p))
	if d.observer != nil {
		d.observer(d.info.Seq, p)
	}
}

func (d *Driver) seqLabel() string {
	return strconv.FormatInt(d.info.Seq, 10)
}

// identityOptions tunes exchangeIdentity.
type identityOptions struct {
	// selfAddressed makes the coordinator announce no address.
	selfAddressed bool

	// watch arms the address watcher on the coordinator.
	watch bool
}

// exchangeIdentity drives INIT → IDENTITY_EXCHANGED: it obtains a sequence
// number, starts the engine, and collects the info of every instance.
func (d *Driver) exchangeIdentity(ctx context.Context, opts identityOptions) error {
	seq, err := AssignSequence(ctx, d.client)
	if err != nil {
		return err
	}
	d.info = InstanceInfo{Seq: seq, Role: RoleOf(seq)}
	d.log = d.log.With("seq", seq, "role", d.info.Role)
	d.runenv.RecordMessage("instance %d of %d, role %s", seq, d.runenv.TestInstanceCount, d.info.Role)

	key, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	var addrs []ma.Multiaddr
	if !(opts.selfAddressed && d.IsCoordinator()) {
		addr, err := d.discoveryAddr()
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}

	self, err := discovery.NewRecord(key, addrs, d.capabilities()...)
	if err != nil {
		return err
	}

	d.engine, err = d.starter.Start(ctx, self, key)
	if err != nil {
		return fmt.Errorf("failed to start discovery engine: %w", err)
	}

	// The watcher must see every event caused by publishing our record and
	// by the queries that follow, so it is armed first.
	if opts.watch && d.IsCoordinator() {
		d.watcher, err = discovery.WatchAddress(ctx, d.engine, d.log, discovery.WithClock(d.clock))
		if err != nil {
			return fmt.Errorf("failed to watch address updates: %w", err)
		}
	}

	d.info.Record = d.engine.LocalRecord()
	d.peers, err = sync.PublishAndCollect(ctx, d.client, InfoTopic, d.info, d.runenv.TestInstanceCount)
	if err != nil {
		return fmt.Errorf("failed to exchange identities: %w", err)
	}

	d.transition(PhaseIdentityExchanged)
	return nil
}

// discoveryAddr is the data network address of this instance on the
// discovery port. Runs without a data network use the loopback.
func (d *Driver) discoveryAddr() (ma.Multiaddr, error) {
	ip, err := d.runenv.DataNetworkIP()
	if errors.Is(err, runtime.ErrNoSubnet) {
		ip, err = net.IPv4(127, 0, 0, 1), nil
	}
	if err != nil {
		return nil, err
	}
	return discovery.TCPAddr(ip, d.cfg.Port)
}

func (d *Driver) capabilities() []string {
	var caps []string
	for _, c := range strings.Split(d.cfg.Capabilities, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}

// others returns the collected infos of every other instance.
func (d *Driver) others() []InstanceInfo {
	out := make([]InstanceInfo, 0, len(d.peers))
	for _, p := range d.peers {
		if p.Seq != d.info.Seq {
			out = append(out, p)
		}
	}
	return out
}

// fanOut sends one directed query to each of targets. Failures are logged
// and aggregated into a diagnostic, never retried.
func (d *Driver) fanOut(ctx context.Context, targets []InstanceInfo, recordLatency bool) {
	var merr *multierror.Error

	for _, t := range targets {
		start := d.clock.Now()
		err := d.engine.DirectedQuery(ctx, t.Record, []byte(t.Record.ID))
		took := d.clock.Since(start)

		if err != nil {
			directedQueries.WithLabelValues("failure").Inc()
			d.log.Warnw("directed query failed", "target_seq", t.Seq, "error", err)
			merr = multierror.Append(merr, fmt.Errorf("query to instance %d: %w", t.Seq, err))
			continue
		}

		directedQueries.WithLabelValues("success").Inc()
		directedQuerySeconds.Observe(took.Seconds())
		d.log.Debugw("directed query succeeded", "target_seq", t.Seq, "took", took)
		if recordLatency {
			d.runenv.RecordMetric(QueryLatencyMetric, float64(took)/float64(time.Millisecond))
		}
	}

	if merr != nil {
		d.runenv.RecordMessage("%d of %d directed queries failed: %s", len(merr.Errors), len(targets), merr.Error())
	}
}

// establishConnections drives IDENTITY_EXCHANGED → CONNECTIONS_ESTABLISHED:
// it waits for every instance, then records the routing table.
func (d *Driver) establishConnections(ctx context.Context) error {
	if _, err := d.client.SignalAndWait(ctx, StateEstablished, d.runenv.TestInstanceCount); err != nil {
		return err
	}
	d.transition(PhaseConnectionsEstablished)
	d.recordRoutingTable()
	return nil
}

func (d *Driver) recordRoutingTable() {
	table := d.engine.RoutingTable()
	routingTableSize.WithLabelValues(d.seqLabel()).Set(float64(len(table)))

	var b strings.Builder
	for _, e := range table {
		addr := "-"
		if e.Addr != nil {
			addr = e.Addr.String()
		}
		fmt.Fprintf(&b, "\n  %s %s %s %s", e.ID.ShortString(), addr, e.Direction, e.State)
	}
	d.runenv.RecordMessage("routing table has %d entries:%s", len(table), b.String())
}

// observeAddress drives CONNECTIONS_ESTABLISHED → ADDRESS_OBSERVED. The
// coordinator awaits its watcher and records the headline metric; a missing
// observation is a diagnostic, not a failure.
func (d *Driver) observeAddress(ctx context.Context) error {
	if d.watcher != nil {
		wctx, cancel := context.WithCancel(ctx)
		if d.cfg.ObserveTimeout > 0 {
			cancel()
			wctx, cancel = context.WithTimeout(ctx, d.cfg.ObserveTimeout)
		}
		obs, err := d.watcher.Wait(wctx)
		cancel()

		switch {
		case err == nil:
			elapsed := obs.At.Sub(d.runenv.StartedAt)
			socketUpdateSeconds.Set(elapsed.Seconds())
			d.runenv.RecordMetric(SocketUpdateMetric, elapsed.Seconds())
			d.runenv.RecordMessage("learnt address %s after %s", obs.Addr, elapsed)
		case errors.Is(err, discovery.ErrFeedClosed),
			errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			d.runenv.RecordMessage("address not observed: %v", err)
		default:
			return fmt.Errorf("failed while waiting for address update: %w", err)
		}
	}

	d.transition(PhaseAddressObserved)
	return nil
}

// complete drives ADDRESS_OBSERVED → COMPLETED.
func (d *Driver) complete(ctx context.Context) error {
	if _, err := d.client.SignalAndWait(ctx, StateCompleted, d.runenv.TestInstanceCount); err != nil {
		return err
	}
	d.transition(PhaseCompleted)
	return nil
}

// Close stops the watcher and the engine.
func (d *Driver) Close() error {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.engine != nil {
		return d.engine.Close()
	}
	return nil
}
