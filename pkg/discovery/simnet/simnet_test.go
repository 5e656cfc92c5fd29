package simnet

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/testground/discovery-plan/pkg/discovery"
)

func startNode(t *testing.T, n *Network, addrs ...string) discovery.Engine {
	t.Helper()

	key, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)

	var maddrs []ma.Multiaddr
	for _, a := range addrs {
		maddrs = append(maddrs, ma.StringCast(a))
	}

	rec, err := discovery.NewRecord(key, maddrs)
	require.NoError(t, err)

	e, err := n.Start(context.Background(), rec, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func drain(feed <-chan discovery.Event) []discovery.Event {
	var out []discovery.Event
	for {
		select {
		case ev := <-feed:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSelfAddressedNodeLearnsAddress(t *testing.T) {
	n := New()
	coord := startNode(t, n)
	part := startNode(t, n, "/ip4/10.0.0.2/tcp/9000")

	feed, err := coord.Events()
	require.NoError(t, err)

	require.Empty(t, coord.LocalRecord().Addrs)
	require.NoError(t, coord.DirectedQuery(context.Background(), part.LocalRecord(), []byte("k")))

	var changed []discovery.Event
	for _, ev := range drain(feed) {
		if ev.Type == discovery.EventAddressChanged {
			changed = append(changed, ev)
		}
	}
	require.Len(t, changed, 1)
	require.Len(t, coord.LocalRecord().Addrs, 1)
	require.True(t, coord.LocalRecord().Addrs[0].Equal(changed[0].Addr))

	// learnt once.
	require.NoError(t, coord.DirectedQuery(context.Background(), part.LocalRecord(), []byte("k")))
	for _, ev := range drain(feed) {
		require.NotEqual(t, discovery.EventAddressChanged, ev.Type)
	}
}

func TestRoutingTables(t *testing.T) {
	n := New()
	a := startNode(t, n)
	b := startNode(t, n, "/ip4/10.0.0.2/tcp/9000")

	require.NoError(t, a.DirectedQuery(context.Background(), b.LocalRecord(), nil))

	ta := a.RoutingTable()
	require.Len(t, ta, 1)
	require.Equal(t, b.LocalRecord().ID, ta[0].ID)
	require.Equal(t, discovery.DirOutbound, ta[0].Direction)
	require.Equal(t, discovery.LinkConnected, ta[0].State)

	tb := b.RoutingTable()
	require.Len(t, tb, 1)
	require.Equal(t, a.LocalRecord().ID, tb[0].ID)
	require.Equal(t, discovery.DirInbound, tb[0].Direction)
}

func TestObservationThreshold(t *testing.T) {
	n := New(WithObservationThreshold(2))
	a := startNode(t, n)
	b := startNode(t, n, "/ip4/10.0.0.2/tcp/9000")
	c := startNode(t, n, "/ip4/10.0.0.3/tcp/9000")

	feed, err := a.Events()
	require.NoError(t, err)

	require.NoError(t, a.DirectedQuery(context.Background(), b.LocalRecord(), nil))
	for _, ev := range drain(feed) {
		require.NotEqual(t, discovery.EventAddressChanged, ev.Type)
	}

	require.NoError(t, a.DirectedQuery(context.Background(), c.LocalRecord(), nil))
	var learnt bool
	for _, ev := range drain(feed) {
		learnt = learnt || ev.Type == discovery.EventAddressChanged
	}
	require.True(t, learnt)
}

func TestQueryFailures(t *testing.T) {
	boom := errors.New("boom")
	var blocked peer.ID

	n := New(WithQueryFilter(func(_, to peer.ID) error {
		if to == blocked {
			return boom
		}
		return nil
	}))
	a := startNode(t, n)
	b := startNode(t, n, "/ip4/10.0.0.2/tcp/9000")
	blocked = b.LocalRecord().ID

	err := a.DirectedQuery(context.Background(), b.LocalRecord(), nil)
	require.ErrorIs(t, err, boom)
	require.Empty(t, a.RoutingTable())

	// unknown peer.
	key, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	ghost, err := discovery.NewRecord(key, nil)
	require.NoError(t, err)
	require.ErrorIs(t, a.DirectedQuery(context.Background(), ghost, nil), ErrUnreachable)
}

func TestFeedLifecycle(t *testing.T) {
	n := New()
	a := startNode(t, n)

	feed, err := a.Events()
	require.NoError(t, err)

	_, err = a.Events()
	require.ErrorIs(t, err, discovery.ErrFeedTaken)

	require.NoError(t, a.Close())
	for range feed {
	}
	require.NoError(t, a.Close())
}

func TestStartRejectsMismatchedKey(t *testing.T) {
	n := New()

	k1, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	k2, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)

	rec, err := discovery.NewRecord(k1, nil)
	require.NoError(t, err)

	_, err = n.Start(context.Background(), rec, k2)
	require.Error(t, err)
}
