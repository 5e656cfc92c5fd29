// Package discovery defines the peer discovery engine driven by the test
// scenarios, the identity records engines exchange, and the watcher that
// reports when an engine learns its own external address.
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// DefaultPort is the fixed port participants announce for discovery.
const DefaultPort = 9000

// Record is the identity record of a node: its peer ID, derived from the
// public key, the addresses it can be reached at, and the capabilities it
// advertises. A record without addresses is self-addressed; peers can only
// learn about it when it contacts them.
type Record struct {
	ID           peer.ID
	Addrs        []ma.Multiaddr
	Capabilities []string
}

type recordJSON struct {
	ID           string   `json:"id"`
	Addrs        []string `json:"addrs,omitempty"`
	Capabilities []string `json:"caps,omitempty"`
}

// NewRecord builds the record of the holder of key.
func NewRecord(key crypto.PrivKey, addrs []ma.Multiaddr, caps ...string) (Record, error) {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return Record{}, fmt.Errorf("failed to derive peer id: %w", err)
	}
	return Record{ID: id, Addrs: addrs, Capabilities: caps}, nil
}

// TCPAddr returns the multiaddr of a TCP endpoint.
func TCPAddr(ip net.IP, port int) (ma.Multiaddr, error) {
	proto := "ip4"
	if ip.To4() == nil {
		proto = "ip6"
	}
	return ma.NewMultiaddr("/" + proto + "/" + ip.String() + "/tcp/" + strconv.Itoa(port))
}

// AddrInfo returns the record as a libp2p AddrInfo.
func (r Record) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: r.ID, Addrs: r.Addrs}
}

func (r Record) String() string {
	return fmt.Sprintf("%s%v", r.ID, r.Addrs)
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:           r.ID.String(),
		Capabilities: r.Capabilities,
	}
	for _, a := range r.Addrs {
		out.Addrs = append(out.Addrs, a.String())
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var in recordJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	id, err := peer.Decode(in.ID)
	if err != nil {
		return fmt.Errorf("invalid peer id %q: %w", in.ID, err)
	}

	addrs := make([]ma.Multiaddr, 0, len(in.Addrs))
	for _, s := range in.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}

	*r = Record{ID: id, Addrs: addrs, Capabilities: in.Capabilities}
	return nil
}
