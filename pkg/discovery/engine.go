package discovery

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var (
	// ErrFeedClosed is reported when the event feed of an engine ends
	// before the awaited event.
	ErrFeedClosed = errors.New("event feed closed")

	// ErrFeedTaken is returned by Events when the feed was already handed
	// out; feeds are not restartable.
	ErrFeedTaken = errors.New("event feed already taken")

	// ErrResultConsumed is returned when the result of a watcher is awaited
	// a second time.
	ErrResultConsumed = errors.New("watcher result already consumed")
)

// EventType discriminates engine events.
type EventType int

const (
	EventOther EventType = iota

	// EventAddressChanged signals that the engine learnt a new external
	// address for the local node.
	EventAddressChanged
)

func (t EventType) String() string {
	switch t {
	case EventAddressChanged:
		return "address_changed"
	default:
		return "other"
	}
}

// Event is emitted by an engine on its event feed. Addr is set for
// EventAddressChanged.
type Event struct {
	Type EventType
	Addr ma.Multiaddr
	Note string
}

// Direction is the direction of a link, from the local node's point of view.
type Direction string

const (
	DirUnknown  = Direction("unknown")
	DirInbound  = Direction("inbound")
	DirOutbound = Direction("outbound")
)

// LinkState is the state of a link to a peer in the routing table.
type LinkState string

const (
	LinkConnected    = LinkState("connected")
	LinkDisconnected = LinkState("disconnected")
)

// PeerEntry is a row of a routing table snapshot.
type PeerEntry struct {
	ID        peer.ID      `json:"id"`
	Addr      ma.Multiaddr `json:"-"`
	Direction Direction    `json:"direction"`
	State     LinkState    `json:"state"`
}

// Engine is a running peer discovery engine. It is owned by a single
// scenario driver.
type Engine interface {
	// LocalRecord returns the current identity record of the local node.
	LocalRecord() Record

	// DirectedQuery sends a single lookup for key to target. It is not
	// retried.
	DirectedQuery(ctx context.Context, target Record, key []byte) error

	// Events returns the event feed of the engine. The feed is closed when
	// the engine closes. It can only be taken once.
	Events() (<-chan Event, error)

	// RoutingTable returns a snapshot of the routing table.
	RoutingTable() []PeerEntry

	// Close stops the engine and closes its event feed.
	Close() error
}

// Starter starts engines.
type Starter interface {
	Start(ctx context.Context, self Record, key crypto.PrivKey) (Engine, error)
}

// StarterFunc adapts a function to a Starter.
type StarterFunc func(ctx context.Context, self Record, key crypto.PrivKey) (Engine, error)

func (f StarterFunc) Start(ctx context.Context, self Record, key crypto.PrivKey) (Engine, error) {
	return f(ctx, self, key)
}
