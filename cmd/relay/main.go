// Command relay runs one peer of the ephemeral chat swarm: it joins a
// room's discovery swarm, accepts and dials peer sockets, drives the
// session controller's ratchet traffic, and serves the file-chunk
// bookkeeping HTTP surface for anything the host hands to SendFile.
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veilroom/veilcore/internal/apiserver"
	"github.com/veilroom/veilcore/internal/config"
	"github.com/veilroom/veilcore/internal/discovery"
	"github.com/veilroom/veilcore/internal/filetransfer"
	"github.com/veilroom/veilcore/internal/framer"
	"github.com/veilroom/veilcore/internal/session"
	"github.com/veilroom/veilcore/internal/sessionstore"
)

func main() {
	printBanner()

	cfg, err := config.ParseNode(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	var preKeyBundle [32]byte
	raw, err := hex.DecodeString(cfg.PreKeyBundle)
	if err != nil || len(raw) != 32 {
		log.Fatal("-prekey must be 64 hex characters (32 bytes)")
	}
	copy(preKeyBundle[:], raw)

	store, err := sessionstore.Open(cfg.SessionDBPath)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer store.Close()
	log.Printf("✓ session store opened at %s", cfg.SessionDBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := discovery.New(ctx, discovery.Config{
		Port:           cfg.Port,
		BootstrapPeers: cfg.BootstrapPeers,
	})
	if err != nil {
		log.Fatalf("failed to start discovery node: %v", err)
	}
	defer node.Close()
	log.Println("✓ discovery node bound to the swarm")

	controller := session.New(node)
	controller.OnConnectionStatus(func(status session.ConnectionStatus) {
		log.Printf("connection status: %v", status)
	})
	controller.OnBackendError(func(err error) {
		log.Printf("⚠ backend error: %v", err)
	})
	controller.OnPeerDelivery(func(peerID string, success bool) {
		store.TouchLastSeen(cfg.RoomID, peerID, time.Now())
	})

	onMessage := func(plaintext []byte) {
		fmt.Printf("\n< %s\n> ", string(plaintext))
	}

	peerPort := cfg.Port + 1
	localAddr := fmt.Sprintf("0.0.0.0:%d", peerPort)
	if err := controller.Initialize(ctx, cfg.RoomID, preKeyBundle, localAddr, onMessage); err != nil {
		log.Fatalf("failed to initialize session: %v", err)
	}
	log.Printf("✓ session initialized for room %q", cfg.RoomID)

	uploader, err := filetransfer.NewUploader(sendFileAdapter{controller})
	if err != nil {
		log.Fatalf("failed to create uploader: %v", err)
	}
	controller.OnFileChunk(func(peerID string, chunk []byte) {
		log.Printf("received file chunk from %s (%d bytes)", peerID, len(chunk))
	})

	api := apiserver.NewServer(uploader, &apiserver.Config{
		Port:       cfg.APIPort,
		EnableCORS: true,
		RateLimit:  cfg.APIRateLimit,
	})
	apiCtx, apiCancel := context.WithCancel(ctx)
	defer apiCancel()
	go func() {
		if err := api.Start(apiCtx); err != nil {
			log.Printf("apiserver: %v", err)
		}
	}()
	log.Printf("✓ file-chunk HTTP surface listening on :%d", cfg.APIPort)

	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", localAddr, err)
	}
	defer listener.Close()
	log.Printf("✓ peer socket listening on %s", localAddr)

	go acceptLoop(ctx, listener, controller)

	if cfg.PeerAddr != "" {
		dhPub, signPub, err := parsePeerBundle(cfg.PeerKeyBundle)
		if err != nil {
			log.Fatalf("-peer-bundle: %v", err)
		}
		if err := dialPeer(cfg.PeerAddr, controller, dhPub, signPub, cfg.ClientInitiator); err != nil {
			log.Fatalf("failed to dial %s: %v", cfg.PeerAddr, err)
		}
		log.Printf("✓ dialed peer at %s", cfg.PeerAddr)
	}

	printStatus(cfg, controller)
	go readStdinMessages(ctx, controller)

	waitForShutdown(cancel)
	log.Println("✓ shut down")
}

// socketWriter adapts a net.Conn to session.Writer. payload arrives
// already framer-encoded by the controller; this just puts it on the
// wire.
type socketWriter struct{ conn net.Conn }

func (w socketWriter) Write(payload []byte) error {
	_, err := w.conn.Write(payload)
	return err
}

// sendFileAdapter adapts *session.Controller to filetransfer.Sender.
type sendFileAdapter struct{ c *session.Controller }

func (a sendFileAdapter) SendFile(ctx context.Context, chunk []byte) error {
	return a.c.SendFile(ctx, chunk)
}

func acceptLoop(ctx context.Context, listener net.Listener, controller *session.Controller) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}
		peerID := conn.RemoteAddr().String()
		if err := controller.AddPeer(peerID, socketWriter{conn}); err != nil {
			log.Printf("failed to add peer %s: %v", peerID, err)
			conn.Close()
			continue
		}
		go readFrames(conn, peerID, controller)
	}
}

func readFrames(conn net.Conn, peerID string, controller *session.Controller) {
	defer conn.Close()
	defer controller.RemovePeer(peerID)
	for {
		payload, err := framer.ReadFrame(conn)
		if err != nil {
			return
		}
		controller.OnInbound(peerID, payload)
	}
}

// dialPeer connects out to a peer address known in advance (e.g. via
// a side channel) and supplies its pre-exchanged key bundle so the
// controller can build its ratchet immediately.
func dialPeer(addr string, controller *session.Controller, remoteDHPub [32]byte, remoteSigningPub ed25519.PublicKey, clientIsInitiator bool) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	peerID := conn.RemoteAddr().String()
	if err := controller.AddPeer(peerID, socketWriter{conn}); err != nil {
		conn.Close()
		return err
	}
	if err := controller.SetPeerKeys(peerID, remoteDHPub, remoteSigningPub, clientIsInitiator); err != nil {
		conn.Close()
		return err
	}
	go readFrames(conn, peerID, controller)
	return nil
}

func parsePeerBundle(s string) ([32]byte, ed25519.PublicKey, error) {
	var dhPub [32]byte
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return dhPub, nil, fmt.Errorf("must be \"<dhPubHex>:<signingPubHex>\"")
	}
	dhRaw, err := hex.DecodeString(parts[0])
	if err != nil || len(dhRaw) != 32 {
		return dhPub, nil, fmt.Errorf("invalid DH public key hex")
	}
	copy(dhPub[:], dhRaw)
	signRaw, err := hex.DecodeString(parts[1])
	if err != nil || len(signRaw) != ed25519.PublicKeySize {
		return dhPub, nil, fmt.Errorf("invalid signing public key hex")
	}
	return dhPub, ed25519.PublicKey(signRaw), nil
}

func readStdinMessages(ctx context.Context, controller *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := controller.Send(ctx, []byte(line)); err != nil {
			log.Printf("send failed: %v", err)
		}
	}
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              veilcore peer daemon                ║")
	fmt.Println("║      forward-secret, traffic-shaped P2P chat     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus(cfg *config.Node, controller *session.Controller) {
	dhPub, signPub := controller.LocalBundle()
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Room:        %s\n", cfg.RoomID)
	fmt.Printf("  Peer port:   %d\n", cfg.Port+1)
	fmt.Printf("  API port:    %d\n", cfg.APIPort)
	fmt.Printf("  Session DB:  %s\n", cfg.SessionDBPath)
	fmt.Printf("  Peer bundle: %s:%s\n", hex.EncodeToString(dhPub[:]), hex.EncodeToString(signPub))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Share the peer bundle above out of band with anyone who wants to")
	fmt.Println("dial this node directly via -peer/-peer-bundle.")
	fmt.Println("Type a line and press enter to broadcast it to verified peers.")
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

func waitForShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println()
	log.Println("shutting down...")
	cancel()
	time.Sleep(200 * time.Millisecond)
}
