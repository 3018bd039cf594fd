// Package discovery implements the swarm peer-discovery adapter: a
// libp2p host bound to a Kademlia DHT, announcing and resolving
// rooms by their content-addressed swarm join key rather than by
// the room identifier itself. It satisfies the session.Discovery
// interface the secure-messaging core consumes.
package discovery

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multihash"

	"github.com/veilroom/veilcore/internal/faults"
	"github.com/veilroom/veilcore/internal/sessionlog"
)

// LookupTimeout bounds a single Lookup call's provider search.
const LookupTimeout = 20 * time.Second

// MaxProviders caps how many provider records a single Lookup collects.
const MaxProviders = 20

// Node is a libp2p host plus its Kademlia DHT, used by the session
// controller to announce this peer under a room's swarm join key and
// to resolve other peers announced under the same key.
type Node struct {
	host host.Host
	dht  *dht.IpfsDHT

	mu     sync.Mutex
	cancel context.CancelFunc
	log    *sessionlog.Logger
}

// Config carries the listen and bootstrap parameters for a Node.
type Config struct {
	Port           int
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey // optional: reuse an existing identity
}

// New creates a libp2p host bound to a DHT and, if bootstrap peers are
// configured, joins the wider network before returning.
func New(ctx context.Context, cfg Config) (*Node, error) {
	log := sessionlog.New("discovery")

	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(crand.Reader)
		if err != nil {
			return nil, faults.New(faults.KindCrypto, "discovery.New", err)
		}
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, faults.New(faults.KindTransport, "discovery.New", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, faults.New(faults.KindTransport, "discovery.New", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	n := &Node{host: h, dht: kad, cancel: cancel, log: log}

	if len(cfg.BootstrapPeers) > 0 {
		if err := n.bootstrap(nodeCtx, cfg.BootstrapPeers); err != nil {
			n.Close()
			return nil, err
		}
	}
	if err := kad.Bootstrap(nodeCtx); err != nil {
		n.Close()
		return nil, faults.New(faults.KindTransport, "discovery.New", err)
	}

	log.Info("libp2p node up: id=%s addrs=%v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) bootstrap(ctx context.Context, peers []string) error {
	var connected int
	for _, addr := range peers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.Warn("invalid bootstrap address %s: %v", addr, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.log.Warn("unparseable bootstrap peer %s: %v", addr, err)
			continue
		}
		if err := n.host.Connect(ctx, *info); err != nil {
			n.log.Warn("failed to connect to bootstrap peer %s: %v", info.ID, err)
			continue
		}
		connected++
	}
	if connected == 0 {
		return faults.New(faults.KindTransport, "discovery.bootstrap", fmt.Errorf("no bootstrap peer reachable"))
	}
	return nil
}

// Announce advertises this node as a provider of the given swarm join
// key. addr is the caller's externally-reachable address; it is
// folded into the host's own advertised multiaddr set so Lookup
// callers can dial straight back, mirroring the teacher's node/addr
// bookkeeping without requiring a separate signed record store.
func (n *Node) Announce(ctx context.Context, key [32]byte, addr string) error {
	c, err := keyToCID(key)
	if err != nil {
		return faults.New(faults.KindCrypto, "discovery.Announce", err)
	}
	if addr != "" {
		if maddr, err := multiaddr.NewMultiaddr(addr); err == nil {
			n.host.Peerstore().AddAddr(n.host.ID(), maddr, time.Hour)
		}
	}
	if err := n.dht.Provide(ctx, c, true); err != nil {
		return faults.New(faults.KindTransport, "discovery.Announce", err)
	}
	n.log.Info("announced room key %x as %s", key[:8], c)
	return nil
}

// Lookup resolves dialable addresses for peers announced under the
// given swarm join key, excluding this node itself.
func (n *Node) Lookup(ctx context.Context, key [32]byte) ([]string, error) {
	c, err := keyToCID(key)
	if err != nil {
		return nil, faults.New(faults.KindCrypto, "discovery.Lookup", err)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	var addrs []string
	for info := range n.dht.FindProvidersAsync(lookupCtx, c, MaxProviders) {
		if info.ID == n.host.ID() {
			continue
		}
		for _, a := range info.Addrs {
			addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, info.ID))
		}
	}
	return addrs, nil
}

// Close tears down the DHT and the underlying libp2p host.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
	}
	if err := n.dht.Close(); err != nil {
		n.log.Warn("dht close: %v", err)
	}
	return n.host.Close()
}

// keyToCID turns a 32-byte swarm join key into a content identifier
// suitable for dht.Provide/FindProvidersAsync. The key is already a
// BLAKE2b digest of the room identifier (see roomkeys.SwarmKey), so
// no further hashing of sensitive input occurs here — multihash only
// wraps the digest in its self-describing envelope.
func keyToCID(key [32]byte) (cid.Cid, error) {
	mh, err := multihash.Encode(key[:], multihash.SHA2_256)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
