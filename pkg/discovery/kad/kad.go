// Package kad runs the discovery scenarios against a libp2p Kademlia DHT.
package kad

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pb "github.com/libp2p/go-libp2p-kad-dht/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/testground/discovery-plan/pkg/discovery"
)

const (
	// DefaultProtocolPrefix keeps test networks apart from the public DHT.
	DefaultProtocolPrefix = protocol.ID("/discv")

	// DefaultQueryTimeout bounds a directed query when the caller's context
	// carries no deadline.
	DefaultQueryTimeout = 30 * time.Second

	feedBuffer = 64
)

// Starter starts DHT servers.
type Starter struct {
	// ProtocolPrefix of the DHT; DefaultProtocolPrefix if empty.
	ProtocolPrefix protocol.ID

	// ListenAddrs are used by nodes whose record carries no address.
	// Defaults to an ephemeral TCP port on all interfaces.
	ListenAddrs []ma.Multiaddr

	Log *zap.SugaredLogger
}

var _ discovery.Starter = (*Starter)(nil)

// Start creates a libp2p host for the identity and runs a DHT server on it.
// The host listens on the record's addresses; a port of zero picks a free
// port, which LocalRecord then reports.
func (s *Starter) Start(ctx context.Context, self discovery.Record, key crypto.PrivKey) (discovery.Engine, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	prefix := s.ProtocolPrefix
	if prefix == "" {
		prefix = DefaultProtocolPrefix
	}

	listen := self.Addrs
	if len(listen) == 0 {
		listen = s.ListenAddrs
	}
	if len(listen) == 0 {
		listen = []ma.Multiaddr{ma.StringCast("/ip4/0.0.0.0/tcp/0")}
	}

	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrs(listen...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	if h.ID() != self.ID {
		_ = h.Close()
		return nil, fmt.Errorf("record %s does not match key %s", self.ID, h.ID())
	}

	// subscribe before the DHT starts, so no address update is missed.
	sub, err := h.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalAddressesUpdated),
		new(event.EvtPeerConnectednessChanged),
	})
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to subscribe to host events: %w", err)
	}

	d, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(prefix),
		dht.DisableAutoRefresh(),
	)
	if err != nil {
		_ = sub.Close()
		_ = h.Close()
		return nil, fmt.Errorf("failed to start dht: %w", err)
	}

	e := &engine{
		h:             h,
		dht:           d,
		sub:           sub,
		proto:         prefix + "/kad/1.0.0",
		log:           log.With("peer", h.ID().ShortString()),
		selfAddressed: len(self.Addrs) == 0,
		caps:          self.Capabilities,
		baseline:      make(map[string]struct{}),
		feed:          make(chan discovery.Event, feedBuffer),
		done:          make(chan struct{}),
	}
	for _, a := range h.Addrs() {
		e.baseline[a.String()] = struct{}{}
	}

	go e.pump()

	e.log.Debugw("dht server started", "addrs", h.Addrs(), "protocol", e.proto)
	return e, nil
}

type engine struct {
	h     host.Host
	dht   *dht.IpfsDHT
	sub   event.Subscription
	proto protocol.ID
	log   *zap.SugaredLogger

	selfAddressed bool
	caps          []string

	// baseline holds the listen addresses known at start; only addresses
	// beyond these count as learnt.
	baseline map[string]struct{}

	lk        sync.Mutex
	learnt    []ma.Multiaddr
	feedTaken bool
	feed      chan discovery.Event
	done      chan struct{}
	closeOnce sync.Once
}

// pump translates host events into engine events until the subscription
// closes, then closes the feed.
func (e *engine) pump() {
	defer close(e.done)
	defer close(e.feed)

	for evt := range e.sub.Out() {
		switch ev := evt.(type) {
		case event.EvtLocalAddressesUpdated:
			for _, ua := range ev.Current {
				if ua.Action != event.Added {
					continue
				}
				if _, ok := e.baseline[ua.Address.String()]; ok {
					continue
				}
				e.lk.Lock()
				e.learnt = append(e.learnt, ua.Address)
				e.lk.Unlock()
				e.emit(discovery.Event{Type: discovery.EventAddressChanged, Addr: ua.Address})
			}
		case event.EvtPeerConnectednessChanged:
			e.emit(discovery.Event{
				Type: discovery.EventOther,
				Note: fmt.Sprintf("peer %s %s", ev.Peer.ShortString(), ev.Connectedness),
			})
		}
	}
}

func (e *engine) emit(ev discovery.Event) {
	select {
	case e.feed <- ev:
	default:
		e.log.Debugw("event feed full; dropping event", "type", ev.Type)
	}
}

func (e *engine) LocalRecord() discovery.Record {
	rec := discovery.Record{ID: e.h.ID(), Capabilities: e.caps}
	if !e.selfAddressed {
		rec.Addrs = e.h.Addrs()
		return rec
	}

	e.lk.Lock()
	defer e.lk.Unlock()
	rec.Addrs = append(rec.Addrs, e.learnt...)
	return rec
}

// DirectedQuery connects to the target and sends it a single FIND_NODE
// request for key, waiting for the response.
func (e *engine) DirectedQuery(ctx context.Context, target discovery.Record, key []byte) error {
	if len(target.Addrs) > 0 {
		e.h.Peerstore().AddAddrs(target.ID, target.Addrs, peerstore.TempAddrTTL)
	}

	if err := e.h.Connect(ctx, target.AddrInfo()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target.ID.ShortString(), err)
	}

	s, err := e.h.NewStream(ctx, target.ID, e.proto)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", target.ID.ShortString(), err)
	}
	defer s.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultQueryTimeout)
	}
	_ = s.SetDeadline(deadline)

	req := pb.NewMessage(pb.Message_FIND_NODE, key, 0)
	b, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	if err := msgio.NewVarintWriter(s).WriteMsg(b); err != nil {
		_ = s.Reset()
		return fmt.Errorf("failed to send request to %s: %w", target.ID.ShortString(), err)
	}

	r := msgio.NewVarintReaderSize(s, network.MessageSizeMax)
	rb, err := r.ReadMsg()
	if err != nil {
		_ = s.Reset()
		return fmt.Errorf("failed to read response from %s: %w", target.ID.ShortString(), err)
	}
	defer r.ReleaseMsg(rb)

	resp := new(pb.Message)
	if err := resp.Unmarshal(rb); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", target.ID.ShortString(), err)
	}
	if resp.GetType() != pb.Message_FIND_NODE {
		return fmt.Errorf("unexpected response type %s from %s", resp.GetType(), target.ID.ShortString())
	}

	e.log.Debugw("directed query answered", "target", target.ID.ShortString(), "closer_peers", len(resp.CloserPeers))
	return nil
}

func (e *engine) Events() (<-chan discovery.Event, error) {
	e.lk.Lock()
	defer e.lk.Unlock()

	if e.feedTaken {
		return nil, discovery.ErrFeedTaken
	}
	e.feedTaken = true
	return e.feed, nil
}

// RoutingTable lists the peers of the DHT routing table along with every
// connected peer.
func (e *engine) RoutingTable() []discovery.PeerEntry {
	seen := make(map[peer.ID]struct{})
	var out []discovery.PeerEntry

	add := func(p peer.ID) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}

		entry := discovery.PeerEntry{ID: p, Direction: discovery.DirUnknown, State: discovery.LinkDisconnected}
		if e.h.Network().Connectedness(p) == network.Connected {
			entry.State = discovery.LinkConnected
		}

		if conns := e.h.Network().ConnsToPeer(p); len(conns) > 0 {
			entry.Addr = conns[0].RemoteMultiaddr()
			switch conns[0].Stat().Direction {
			case network.DirInbound:
				entry.Direction = discovery.DirInbound
			case network.DirOutbound:
				entry.Direction = discovery.DirOutbound
			}
		} else if addrs := e.h.Peerstore().Addrs(p); len(addrs) > 0 {
			entry.Addr = addrs[0]
		}
		out = append(out, entry)
	}

	for _, p := range e.dht.RoutingTable().ListPeers() {
		add(p)
	}
	for _, p := range e.h.Network().Peers() {
		add(p)
	}
	return out
}

func (e *engine) Close() error {
	var merr *multierror.Error
	e.closeOnce.Do(func() {
		if err := e.dht.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failed to close dht: %w", err))
		}
		if err := e.sub.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failed to close subscription: %w", err))
		}
		<-e.done
		if err := e.h.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failed to close host: %w", err))
		}
	})
	return merr.ErrorOrNil()
}
