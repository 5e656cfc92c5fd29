package kad

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/testground/discovery-plan/pkg/discovery"
)

func startEngine(t *testing.T, s *Starter, addrs ...ma.Multiaddr) discovery.Engine {
	t.Helper()

	key, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)

	rec, err := discovery.NewRecord(key, addrs)
	require.NoError(t, err)

	e, err := s.Start(context.Background(), rec, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestDirectedQueryOnLoopback(t *testing.T) {
	s := &Starter{
		ListenAddrs: []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/0")},
		Log:         zaptest.NewLogger(t).Sugar(),
	}

	coord := startEngine(t, s)
	part := startEngine(t, s, ma.StringCast("/ip4/127.0.0.1/tcp/0"))

	// self-addressed until an address is learnt.
	require.Empty(t, coord.LocalRecord().Addrs)
	require.NotEmpty(t, part.LocalRecord().Addrs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, coord.DirectedQuery(ctx, part.LocalRecord(), []byte("target-key")))

	var found bool
	for _, e := range coord.RoutingTable() {
		if e.ID == part.LocalRecord().ID {
			found = true
			require.Equal(t, discovery.DirOutbound, e.Direction)
			require.Equal(t, discovery.LinkConnected, e.State)
		}
	}
	require.True(t, found)
}

func TestDirectedQueryUnreachable(t *testing.T) {
	s := &Starter{
		ListenAddrs: []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/0")},
		Log:         zaptest.NewLogger(t).Sugar(),
	}
	coord := startEngine(t, s)

	key, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	ghost, err := discovery.NewRecord(key, []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/1")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Error(t, coord.DirectedQuery(ctx, ghost, []byte("k")))
}

func TestFeedClosesWithEngine(t *testing.T) {
	s := &Starter{
		ListenAddrs: []ma.Multiaddr{ma.StringCast("/ip4/127.0.0.1/tcp/0")},
		Log:         zaptest.NewLogger(t).Sugar(),
	}

	key, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	require.NoError(t, err)
	rec, err := discovery.NewRecord(key, nil)
	require.NoError(t, err)

	e, err := s.Start(context.Background(), rec, key)
	require.NoError(t, err)

	feed, err := e.Events()
	require.NoError(t, err)
	_, err = e.Events()
	require.ErrorIs(t, err, discovery.ErrFeedTaken)

	require.NoError(t, e.Close())
	for range feed {
	}
}
