// Package simnet is an in-process discovery network. Engines started on the
// same Network reach each other by peer ID, and a node learns its external
// address once enough distinct peers have observed it.
package simnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/testground/discovery-plan/pkg/discovery"
)

// ErrUnreachable is returned when a query targets a node unknown to the
// network.
var ErrUnreachable = errors.New("peer unreachable")

const feedBuffer = 64

// QueryFilter decides whether a query from one node to another goes
// through. A non-nil error fails the query.
type QueryFilter func(from, to peer.ID) error

// Option configures a Network.
type Option func(*Network)

// WithObservationThreshold sets how many distinct peers must observe a node
// before it learns its external address. Zero disables address learning.
func WithObservationThreshold(n int) Option {
	return func(net *Network) {
		net.threshold = n
	}
}

// WithQueryFilter installs a filter applied to every directed query.
func WithQueryFilter(f QueryFilter) Option {
	return func(net *Network) {
		net.filter = f
	}
}

// WithLogger sets the logger of the network.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(net *Network) {
		net.log = log
	}
}

// Network is a set of simulated nodes.
type Network struct {
	log       *zap.SugaredLogger
	threshold int
	filter    QueryFilter

	lk     sync.Mutex
	nodes  map[peer.ID]*node
	nextIP uint32
}

var _ discovery.Starter = (*Network)(nil)

// New returns an empty network. By default a single observation teaches a
// node its address.
func New(opts ...Option) *Network {
	n := &Network{
		log:       zap.NewNop().Sugar(),
		threshold: 1,
		nodes:     make(map[peer.ID]*node),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start joins a node with the supplied identity to the network. Nodes whose
// record carries no address are assigned one, which they only learn through
// observations.
func (n *Network) Start(ctx context.Context, self discovery.Record, key crypto.PrivKey) (discovery.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	if id != self.ID {
		return nil, fmt.Errorf("record %s does not match key %s", self.ID, id)
	}

	n.lk.Lock()
	defer n.lk.Unlock()

	if _, ok := n.nodes[id]; ok {
		return nil, fmt.Errorf("node %s already started", id)
	}

	external := self.Addrs
	if len(external) == 0 {
		addr, err := discovery.TCPAddr(n.allocIPLocked(), discovery.DefaultPort)
		if err != nil {
			return nil, err
		}
		external = []ma.Multiaddr{addr}
	}

	nd := &node{
		net:       n,
		self:      self,
		external:  external[0],
		log:       n.log.With("node", id.ShortString()),
		feed:      make(chan discovery.Event, feedBuffer),
		table:     make(map[peer.ID]*discovery.PeerEntry),
		observers: make(map[peer.ID]struct{}),
	}
	n.nodes[id] = nd

	nd.log.Debugw("node started", "record", self, "external", nd.external)
	return nd, nil
}

// allocIPLocked hands out addresses from 10.255.0.0/16.
func (n *Network) allocIPLocked() net.IP {
	n.nextIP++
	return net.IPv4(10, 255, byte(n.nextIP>>8), byte(n.nextIP))
}

func (n *Network) lookup(id peer.ID) (*node, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	nd, ok := n.nodes[id]
	return nd, ok
}

func (n *Network) remove(id peer.ID) {
	n.lk.Lock()
	defer n.lk.Unlock()
	delete(n.nodes, id)
}

// node is the engine of a simulated peer.
type node struct {
	net      *Network
	self     discovery.Record
	external ma.Multiaddr
	log      *zap.SugaredLogger

	lk        sync.Mutex
	closed    bool
	feedTaken bool
	feed      chan discovery.Event
	table     map[peer.ID]*discovery.PeerEntry
	observers map[peer.ID]struct{}
	learnt    bool
}

func (nd *node) LocalRecord() discovery.Record {
	nd.lk.Lock()
	defer nd.lk.Unlock()

	rec := nd.self
	rec.Addrs = append([]ma.Multiaddr(nil), nd.self.Addrs...)
	return rec
}

func (nd *node) DirectedQuery(ctx context.Context, target discovery.Record, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from := nd.self.ID
	if f := nd.net.filter; f != nil {
		if err := f(from, target.ID); err != nil {
			return fmt.Errorf("query to %s failed: %w", target.ID.ShortString(), err)
		}
	}

	remote, ok := nd.net.lookup(target.ID)
	if !ok || remote == nd {
		return fmt.Errorf("query to %s failed: %w", target.ID.ShortString(), ErrUnreachable)
	}

	var remoteAddr ma.Multiaddr
	if len(target.Addrs) > 0 {
		remoteAddr = target.Addrs[0]
	}

	if !nd.connect(target.ID, remoteAddr, discovery.DirOutbound) {
		return fmt.Errorf("query from closed node: %w", ErrUnreachable)
	}
	if !remote.accept(from, nd.external) {
		return fmt.Errorf("query to %s failed: %w", target.ID.ShortString(), ErrUnreachable)
	}

	nd.log.Debugw("directed query answered", "target", target.ID.ShortString(), "key", fmt.Sprintf("%x", key))
	return nil
}

// connect records an outbound link and learns the address observed by the
// remote end.
func (nd *node) connect(remote peer.ID, addr ma.Multiaddr, dir discovery.Direction) bool {
	nd.lk.Lock()
	defer nd.lk.Unlock()

	if nd.closed {
		return false
	}

	nd.addPeerLocked(remote, addr, dir)
	nd.observers[remote] = struct{}{}

	threshold := nd.net.threshold
	if !nd.learnt && threshold > 0 && len(nd.observers) >= threshold && !nd.announces(nd.external) {
		nd.learnt = true
		nd.self.Addrs = append(nd.self.Addrs, nd.external)
		nd.emitLocked(discovery.Event{Type: discovery.EventAddressChanged, Addr: nd.external})
	}
	return true
}

// accept records an inbound link from a peer seen at addr.
func (nd *node) accept(remote peer.ID, addr ma.Multiaddr) bool {
	nd.lk.Lock()
	defer nd.lk.Unlock()

	if nd.closed {
		return false
	}
	nd.addPeerLocked(remote, addr, discovery.DirInbound)
	return true
}

func (nd *node) announces(addr ma.Multiaddr) bool {
	for _, a := range nd.self.Addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

func (nd *node) addPeerLocked(id peer.ID, addr ma.Multiaddr, dir discovery.Direction) {
	if e, ok := nd.table[id]; ok {
		e.State = discovery.LinkConnected
		return
	}
	nd.table[id] = &discovery.PeerEntry{
		ID:        id,
		Addr:      addr,
		Direction: dir,
		State:     discovery.LinkConnected,
	}
	nd.emitLocked(discovery.Event{Type: discovery.EventOther, Note: "peer added: " + id.ShortString()})
}

// emitLocked never blocks; events are dropped when nobody drains the feed.
func (nd *node) emitLocked(ev discovery.Event) {
	select {
	case nd.feed <- ev:
	default:
		nd.log.Debugw("event feed full; dropping event", "type", ev.Type)
	}
}

func (nd *node) Events() (<-chan discovery.Event, error) {
	nd.lk.Lock()
	defer nd.lk.Unlock()

	if nd.feedTaken {
		return nil, discovery.ErrFeedTaken
	}
	nd.feedTaken = true
	return nd.feed, nil
}

func (nd *node) RoutingTable() []discovery.PeerEntry {
	nd.lk.Lock()
	defer nd.lk.Unlock()

	out := make([]discovery.PeerEntry, 0, len(nd.table))
	for _, e := range nd.table {
		out = append(out, *e)
	}
	return out
}

func (nd *node) Close() error {
	nd.lk.Lock()
	if nd.closed {
		nd.lk.Unlock()
		return nil
	}
	nd.closed = true
	close(nd.feed)
	nd.lk.Unlock()

	nd.net.remove(nd.self.ID)
	nd.log.Debugw("node closed")
	return nil
}
