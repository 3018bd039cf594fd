// Package config holds the flag-driven process configuration
// consumed by the cmd/ entrypoints: listen port, room identifier,
// bootstrap peers, and the paths a node needs on disk.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

const (
	defaultPort        = 7420
	defaultAPIPort     = 8090
	defaultSessionDB   = "./data/sessions.db"
	defaultRateLimit   = 100
)

// Node holds the configuration for a chat-core process: the listening
// port, the room it joins, and its swarm bootstrap peers.
type Node struct {
	Port           int
	RoomID         string
	PreKeyBundle   string // hex-encoded 32-byte pre-key bundle, shared out of band
	BootstrapPeers []string
	SessionDBPath  string
	APIPort        int
	APIRateLimit   int

	PeerAddr       string // optional: dial this peer directly instead of waiting for an inbound connection
	PeerKeyBundle  string // required with PeerAddr: "<dhPubHex>:<signingPubHex>" exchanged out of band
	ClientInitiator bool  // must differ between the two sides of a manually-dialed pair
}

// ParseNode parses args into a Node configuration. It uses its own
// FlagSet rather than the global flag set, so it may be called more
// than once.
func ParseNode(args []string) (*Node, error) {
	fs := flag.NewFlagSet("veilcore", flag.ContinueOnError)

	port := fs.Int("port", defaultPort, "port to listen on for peer connections")
	roomID := fs.String("room", "", "room identifier (required)")
	preKeyBundle := fs.String("prekey", "", "hex-encoded 32-byte pre-key bundle (required)")
	bootstrap := fs.String("bootstrap", "", "comma-separated list of bootstrap peer multiaddrs")
	sessionDB := fs.String("sessiondb", defaultSessionDB, "path to the peer bookkeeping database")
	apiPort := fs.Int("api-port", defaultAPIPort, "port for the file-chunk bookkeeping HTTP surface")
	rateLimit := fs.Int("api-rate-limit", defaultRateLimit, "requests per minute allowed on the HTTP surface")
	peerAddr := fs.String("peer", "", "optional: dial this peer address directly instead of waiting for an inbound connection")
	peerBundle := fs.String("peer-bundle", "", "required with -peer: \"<dhPubHex>:<signingPubHex>\" exchanged out of band")
	initiator := fs.Bool("initiator", false, "this side is the ratchet initiator; must differ between the two dialed peers")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *roomID == "" {
		return nil, fmt.Errorf("config: -room is required")
	}
	if *preKeyBundle == "" {
		return nil, fmt.Errorf("config: -prekey is required")
	}

	var peers []string
	if *bootstrap != "" {
		for _, p := range strings.Split(*bootstrap, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				peers = append(peers, p)
			}
		}
	}

	return &Node{
		Port:            *port,
		RoomID:          *roomID,
		PreKeyBundle:    *preKeyBundle,
		BootstrapPeers:  peers,
		SessionDBPath:   *sessionDB,
		APIPort:         *apiPort,
		APIRateLimit:    *rateLimit,
		PeerAddr:        *peerAddr,
		PeerKeyBundle:   *peerBundle,
		ClientInitiator: *initiator,
	}, nil
}

// EnsureDataDir creates the directory holding the session database if
// it does not already exist.
func (n *Node) EnsureDataDir() error {
	dir := dirOf(n.SessionDBPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}
