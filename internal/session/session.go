// Package session is the controller that owns a room's peer table,
// drives swarm discovery, dispatches inbound frames to the peer
// verifier or the ratchet, and runs the keep-alive and reconnect
// timers. It is the one package the host process talks to directly.
package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilroom/veilcore/internal/cryptoprim"
	"github.com/veilroom/veilcore/internal/envelope"
	"github.com/veilroom/veilcore/internal/faults"
	"github.com/veilroom/veilcore/internal/framer"
	"github.com/veilroom/veilcore/internal/ratchet"
	"github.com/veilroom/veilcore/internal/roomkeys"
	"github.com/veilroom/veilcore/internal/sessionlog"
	"github.com/veilroom/veilcore/internal/verify"
)

// TransportMode selects between a direct socket and an overlay
// tunnel. Mode selection itself lives above this core; SetTransport
// only records which mode is in effect.
type TransportMode int

const (
	TransportDirect TransportMode = iota
	TransportOverlay
)

// ConnectionStatus is reported to the host via OnConnectionStatus.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusDegraded
)

// KeepAlivePeriod is how often a verified session emits cover
// traffic.
const KeepAlivePeriod = 2000 * time.Millisecond

// ConnectionTimeout bounds how long the controller waits for at least
// one verified peer before flipping transport mode and retrying.
const ConnectionTimeout = 30 * time.Second

// ReconnectDelay is the single-shot delay before looking the room up
// in the swarm again after losing the last peer. The addresses that
// lookup returns are not dialed.
const ReconnectDelay = 5 * time.Second

// VerificationSweepInterval is how often pending peers are checked
// against verify.Timeout.
const VerificationSweepInterval = 1 * time.Second

// AuthFaultWindow and AuthFaultThreshold bound how many ratchet
// AuthFaults a single peer may produce before its session is torn
// down: AuthFaultThreshold or more within AuthFaultWindow tears
// down that peer only, leaving the rest of the room unaffected.
const (
	AuthFaultWindow    = 10 * time.Second
	AuthFaultThreshold = 3
)

// Discovery is the swarm collaborator the controller consumes for
// peer discovery; satisfied by package discovery.
type Discovery interface {
	Announce(ctx context.Context, key [32]byte, addr string) error
	Lookup(ctx context.Context, key [32]byte) ([]string, error)
	Close() error
}

// Writer is the minimum a transport connection must support for the
// controller to push frames to a peer; satisfied by *transport.Conn.
type Writer interface {
	Write(payload []byte) error
}

// Peer is one connected, possibly-unverified socket.
type Peer struct {
	ID       string
	conn     Writer
	verifier *verify.State
	ratchet  *ratchet.State
	lastSeen time.Time

	// pendingRemoteDH/pendingRemoteSigning hold the peer's bundle as
	// learned from the verify handshake's controlFrame.DHPub/
	// SigningPub fields, used to build the ratchet once verification
	// completes unless SetPeerKeys already supplied one explicitly.
	pendingRemoteDH      [32]byte
	havePendingRemoteDH  bool
	pendingRemoteSigning ed25519.PublicKey

	// connectedReported guards against reporting StatusConnected more
	// than once for the same peer across repeated verification frames.
	connectedReported bool

	// authFaultTimes is the sliding window of recent ratchet AuthFault
	// timestamps used to tear this peer down after repeated failures.
	authFaultTimes []time.Time
}

// Controller owns a room's peer table and swarm membership.
type Controller struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	roomID   string
	swarmKey [32]byte
	psk      [32]byte

	signing cryptoprim.SigningKeyPair
	dh      cryptoprim.DHKeyPair

	discovery Discovery
	mode      TransportMode

	onMessage          func([]byte)
	onFileChunk        func(peerID string, chunk []byte)
	onConnectionStatus func(ConnectionStatus)
	onBackendError     func(error)
	onPeerDelivery     func(messageID string, success bool)

	log *sessionlog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	reconnectScheduled bool
	initialized        bool
}

// New creates an uninitialized controller bound to a discovery
// swarm adapter.
func New(discovery Discovery) *Controller {
	return &Controller{
		peers:     make(map[string]*Peer),
		discovery: discovery,
		log:       sessionlog.New("session"),
	}
}

// Initialize derives the room's swarm key and PSK, announces this
// node to the swarm, and starts the keep-alive and connection-timeout
// timers. onMessage is invoked for every decrypted application
// payload from any verified peer.
func (c *Controller) Initialize(ctx context.Context, roomID string, preKeyBundle [32]byte, localAddr string, onMessage func([]byte)) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return faults.New(faults.KindUsage, "session.Initialize", errAlreadyInitialized)
	}

	swarmKey, err := roomkeys.SwarmKey(roomID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	psk, err := roomkeys.PSK(roomID, preKeyBundle)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	signing, err := cryptoprim.GenerateSigningKeyPair()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	dh, err := cryptoprim.GenerateDHKeyPair()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.roomID = roomID
	c.swarmKey = swarmKey
	c.psk = psk
	c.signing = signing
	c.dh = dh
	c.onMessage = onMessage
	c.ctx = runCtx
	c.cancel = cancel
	c.initialized = true
	c.mu.Unlock()

	if err := c.discovery.Announce(runCtx, swarmKey, localAddr); err != nil {
		cancel()
		return faults.New(faults.KindTransport, "session.Initialize", err)
	}

	go c.keepAliveLoop(runCtx)
	go c.connectionTimeoutLoop(runCtx)
	go c.verificationSweepLoop(runCtx)

	c.reportStatus(StatusConnecting)
	return nil
}

// AddPeer registers a freshly dialed or accepted socket as an
// unverified peer and sends the first verification challenge.
func (c *Controller) AddPeer(id string, conn Writer) error {
	challenge, err := verify.GenerateChallenge()
	if err != nil {
		return err
	}

	v := verify.New(c.psk, time.Now())
	v.RememberChallenge(challenge)

	peer := &Peer{ID: id, conn: conn, verifier: v, lastSeen: time.Now()}

	c.mu.Lock()
	c.peers[id] = peer
	c.mu.Unlock()

	return c.sendControl(conn, controlFrame{
		Type:       ctrlChallenge,
		Challenge:  challenge[:],
		DHPub:      c.dh.Public[:],
		SigningPub: c.signing.Public,
	})
}

// RemovePeer evicts a peer, wiping its ratchet key material, and
// schedules a single reconnect if it was the last one.
func (c *Controller) RemovePeer(id string) {
	c.mu.Lock()
	peer, ok := c.peers[id]
	if ok {
		delete(c.peers, id)
	}
	remaining := len(c.peers)
	c.mu.Unlock()

	if !ok {
		return
	}
	if peer.ratchet != nil {
		peer.ratchet.Wipe()
	}

	if remaining == 0 {
		c.reportStatus(StatusDisconnected)
		c.scheduleReconnect()
	}
}

// Send encrypts plaintext for every verified peer and writes it.
// Per-peer write failures evict that peer only; Send only fails
// outright when no peer is verified.
func (c *Controller) Send(ctx context.Context, plaintext []byte) error {
	return c.send(plaintext, false)
}

// SendFile is the file-transfer chunk entry point named in §4.7: it
// behaves exactly like Send but tags the wire envelope with the
// "file" type so the receiving OnInbound/host layer can route the
// decrypted payload to the filetransfer reassembler instead of the
// plaintext chat callback.
func (c *Controller) SendFile(ctx context.Context, chunk []byte) error {
	return c.send(chunk, true)
}

func (c *Controller) send(plaintext []byte, isFile bool) error {
	c.mu.RLock()
	verified := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.ratchet != nil && p.verifier.Status() == verify.Verified {
			verified = append(verified, p)
		}
	}
	c.mu.RUnlock()

	if len(verified) == 0 {
		return faults.New(faults.KindUsage, "session.Send", errNoVerifiedPeers)
	}

	messageID := uuid.NewString()
	for _, p := range verified {
		if err := c.sendTo(p, plaintext, isFile, messageID); err != nil {
			c.log.Fault(p.ID, err)
			c.RemovePeer(p.ID)
		}
	}
	return nil
}

// sendTo encrypts and writes one outbound message to p, reporting its
// outcome via OnPeerDelivery under messageID regardless of where it
// fails: encryption, encoding, or the write itself.
func (c *Controller) sendTo(p *Peer, plaintext []byte, isFile bool, messageID string) error {
	env, err := p.ratchet.Encrypt(plaintext)
	if err != nil {
		c.reportPeerDelivery(messageID, false)
		return err
	}
	data, err := envelope.Encode(env, isFile)
	if err != nil {
		c.reportPeerDelivery(messageID, false)
		return err
	}
	err = p.conn.Write(framer.Encode(data))
	c.reportPeerDelivery(messageID, err == nil)
	return err
}

func (c *Controller) reportPeerDelivery(messageID string, success bool) {
	if c.onPeerDelivery != nil {
		c.onPeerDelivery(messageID, success)
	}
}

// recordAuthFault appends now to peer's sliding AuthFault window,
// evicting entries older than AuthFaultWindow, and reports whether
// the count remaining in the window has reached AuthFaultThreshold.
func (c *Controller) recordAuthFault(peer *Peer) bool {
	now := time.Now()
	cutoff := now.Add(-AuthFaultWindow)
	kept := peer.authFaultTimes[:0]
	for _, t := range peer.authFaultTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	peer.authFaultTimes = append(kept, now)
	return len(peer.authFaultTimes) >= AuthFaultThreshold
}

// OnInbound is the read-loop callback for one peer's socket. frame is
// one already-unpadded frame payload produced by the framer.
func (c *Controller) OnInbound(peerID string, frame []byte) {
	c.mu.RLock()
	peer, ok := c.peers[peerID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	env, isFile, envErr := envelope.Decode(frame)
	if envErr != nil {
		// Not a well-formed envelope: the only other legitimate shape
		// on this socket is a plaintext control frame.
		var ctrl controlFrame
		if err := json.Unmarshal(frame, &ctrl); err == nil && ctrl.Type != "" {
			c.dispatchControl(peer, ctrl)
			return
		}
		c.log.Fault(peer.ID, envErr)
		return
	}

	if peer.verifier.Status() != verify.Verified {
		// Pre-verification, only control frames are accepted.
		return
	}
	if peer.ratchet == nil {
		c.log.Warn("envelope from %s before ratchet keys were set", peer.ID)
		return
	}

	plaintext, err := peer.ratchet.Decrypt(env)
	if err != nil {
		if faults.Is(err, faults.KindAuth) {
			if kaErr := peer.ratchet.DecryptKeepAlive(env); kaErr == nil {
				peer.lastSeen = time.Now()
				c.replyKeepAlive(peer)
				return
			}
			c.log.Fault(peer.ID, err)
			if c.recordAuthFault(peer) {
				c.log.Warn("peer %s exceeded the AuthFault threshold, tearing down", peer.ID)
				c.RemovePeer(peer.ID)
			}
			return
		}
		c.log.Fault(peer.ID, err)
		return
	}

	peer.lastSeen = time.Now()
	if isFile {
		if c.onFileChunk != nil {
			c.onFileChunk(peer.ID, plaintext)
		}
		return
	}
	if c.onMessage != nil {
		c.onMessage(plaintext)
	}
}

func (c *Controller) replyKeepAlive(peer *Peer) {
	env, err := peer.ratchet.EncryptKeepAlive()
	if err != nil {
		c.log.Fault(peer.ID, err)
		return
	}
	data, err := envelope.Encode(env, false)
	if err != nil {
		c.log.Fault(peer.ID, err)
		return
	}
	if err := peer.conn.Write(framer.Encode(data)); err != nil {
		c.log.Fault(peer.ID, err)
		c.RemovePeer(peer.ID)
	}
}

func (c *Controller) dispatchControl(peer *Peer, ctrl controlFrame) {
	verified := peer.verifier.Status() == verify.Verified
	isVerificationMsg := ctrl.Type == ctrlChallenge || ctrl.Type == ctrlResponse || ctrl.Type == ctrlSuccess
	if !verified && !isVerificationMsg {
		// Gate: in any unverified state, every non-verification frame
		// is dropped.
		return
	}

	switch ctrl.Type {
	case ctrlChallenge:
		c.rememberBundle(peer, ctrl)
		var challenge [verify.ChallengeSize]byte
		copy(challenge[:], ctrl.Challenge)
		response := peer.verifier.Respond(challenge)
		_ = c.sendControl(peer.conn, controlFrame{
			Type:       ctrlResponse,
			Response:   response[:],
			DHPub:      c.dh.Public[:],
			SigningPub: c.signing.Public,
		})

	case ctrlResponse:
		c.rememberBundle(peer, ctrl)
		var response [verify.ResponseSize]byte
		copy(response[:], ctrl.Response)
		if peer.verifier.CheckResponse(response) {
			c.onPeerVerified(peer)
			_ = c.sendControl(peer.conn, controlFrame{Type: ctrlSuccess, Timestamp: time.Now().UnixMilli()})
		} else {
			c.RemovePeer(peer.ID)
		}

	case ctrlSuccess:
		c.onPeerVerified(peer)

	case ctrlKeepalive:
		peer.lastSeen = time.Now()
		_ = c.sendControl(peer.conn, controlFrame{Type: ctrlKeepaliveAck, Timestamp: time.Now().UnixMilli()})

	case ctrlKeepaliveAck:
		peer.lastSeen = time.Now()
	}
}

// onPeerVerified runs once this peer's challenge/response handshake
// succeeds, from whichever side of the exchange observes it first. It
// reports the transition exactly once and attempts to finalize the
// peer's ratchet, which may still be waiting on its bundle.
func (c *Controller) onPeerVerified(peer *Peer) {
	if !peer.connectedReported {
		peer.connectedReported = true
		c.reportStatus(StatusConnected)
	}
	c.establishRatchet(peer)
}

// rememberBundle records a peer's DH/signing bundle the first time it
// appears on a verification-handshake frame. An inbound connection
// has no out-of-band channel of its own for SetPeerKeys, so this is
// its only source of the remote bundle; a peer reached via -peer and
// SetPeerKeys already has one and this is a no-op for it.
func (c *Controller) rememberBundle(peer *Peer, ctrl controlFrame) {
	if peer.havePendingRemoteDH || len(ctrl.DHPub) != 32 || len(ctrl.SigningPub) != ed25519.PublicKeySize {
		return
	}
	copy(peer.pendingRemoteDH[:], ctrl.DHPub)
	peer.pendingRemoteSigning = ed25519.PublicKey(append([]byte(nil), ctrl.SigningPub...))
	peer.havePendingRemoteDH = true
	c.establishRatchet(peer)
}

// establishRatchet builds peer's ratchet exactly once, from whichever
// source supplies its bundle first: an explicit SetPeerKeys call, or
// the bundle carried on the verify handshake. It requires the peer to
// already be Verified, since an unauthenticated bundle must never
// seed a ratchet the controller will trust.
func (c *Controller) establishRatchet(peer *Peer) {
	if peer.ratchet != nil || !peer.havePendingRemoteDH {
		return
	}
	if peer.verifier.Status() != verify.Verified {
		return
	}
	initiator := bytes.Compare(c.signing.Public, peer.pendingRemoteSigning) > 0
	r, err := ratchet.New(c.dh, peer.pendingRemoteDH, peer.pendingRemoteSigning, c.signing, initiator)
	if err != nil {
		c.log.Fault(peer.ID, err)
		return
	}
	peer.ratchet = r
}

// SetPeerKeys supplies the peer's X25519 and Ed25519 pre-key bundle
// out of band (the manual -peer/-peer-bundle dial path) and
// constructs its ratchet immediately, ahead of verification
// completing. clientIsInitiator must differ between the two sides of
// a session.
func (c *Controller) SetPeerKeys(peerID string, remoteDHPub [32]byte, remoteSigningPub ed25519.PublicKey, clientIsInitiator bool) error {
	c.mu.RLock()
	peer, ok := c.peers[peerID]
	c.mu.RUnlock()
	if !ok {
		return faults.New(faults.KindUsage, "session.SetPeerKeys", errUnknownPeer)
	}

	r, err := ratchet.New(c.dh, remoteDHPub, remoteSigningPub, c.signing, clientIsInitiator)
	if err != nil {
		return err
	}
	peer.ratchet = r
	return nil
}

// LocalBundle returns this controller's own DH and signing public
// keys, the pre-key bundle a manually dialed peer needs supplied via
// -peer-bundle on its own side.
func (c *Controller) LocalBundle() ([32]byte, ed25519.PublicKey) {
	return c.dh.Public, c.signing.Public
}

// SetTransport records the current transport mode; mode selection
// itself happens above this core.
func (c *Controller) SetTransport(mode TransportMode) error {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return nil
}

// OnFileChunk, OnConnectionStatus, OnBackendError, and OnPeerDelivery
// register the upward event callbacks; the message callback is the
// onMessage argument of Initialize.
func (c *Controller) OnFileChunk(f func(peerID string, chunk []byte)) { c.onFileChunk = f }

func (c *Controller) OnConnectionStatus(f func(ConnectionStatus)) { c.onConnectionStatus = f }
func (c *Controller) OnBackendError(f func(error))                { c.onBackendError = f }
func (c *Controller) OnPeerDelivery(f func(string, bool))          { c.onPeerDelivery = f }

// Cleanup stops all timers, closes the swarm membership, and wipes
// every peer's ratchet key material.
func (c *Controller) Cleanup() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	peers := c.peers
	c.peers = make(map[string]*Peer)
	c.mu.Unlock()

	for _, p := range peers {
		if p.ratchet != nil {
			p.ratchet.Wipe()
		}
	}

	if c.discovery != nil {
		if err := c.discovery.Close(); err != nil {
			return faults.New(faults.KindTransport, "session.Cleanup", err)
		}
	}
	return nil
}

func (c *Controller) reportStatus(s ConnectionStatus) {
	if c.onConnectionStatus != nil {
		c.onConnectionStatus(s)
	}
}

func (c *Controller) reportBackendError(err error) {
	if c.onBackendError != nil {
		c.onBackendError(err)
	}
}

func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnectScheduled {
		c.mu.Unlock()
		return
	}
	c.reconnectScheduled = true
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		select {
		case <-time.After(ReconnectDelay):
		case <-ctx.Done():
			return
		}
		c.mu.Lock()
		c.reconnectScheduled = false
		key := c.swarmKey
		c.mu.Unlock()

		if _, err := c.discovery.Lookup(ctx, key); err != nil {
			c.log.Warn("reconnect lookup failed: %v", err)
			c.reportBackendError(err)
		}
	}()
}

func (c *Controller) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(KeepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendKeepAlives()
		}
	}
}

func (c *Controller) sendKeepAlives() {
	c.mu.RLock()
	verified := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		if p.ratchet != nil && p.verifier.Status() == verify.Verified {
			verified = append(verified, p)
		}
	}
	c.mu.RUnlock()

	for _, p := range verified {
		env, err := p.ratchet.EncryptKeepAlive()
		if err != nil {
			c.log.Fault(p.ID, err)
			continue
		}
		data, err := envelope.Encode(env, false)
		if err != nil {
			c.log.Fault(p.ID, err)
			continue
		}
		if err := p.conn.Write(framer.Encode(data)); err != nil {
			c.log.Fault(p.ID, err)
			c.RemovePeer(p.ID)
		}
	}
}

func (c *Controller) connectionTimeoutLoop(ctx context.Context) {
	timer := time.NewTimer(ConnectionTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		c.mu.RLock()
		hasVerified := false
		for _, p := range c.peers {
			if p.verifier.Status() == verify.Verified {
				hasVerified = true
				break
			}
		}
		mode := c.mode
		c.mu.RUnlock()

		if hasVerified {
			return
		}
		c.log.Warn("connection timeout elapsed with no verified peer, flipping transport")
		next := TransportOverlay
		if mode == TransportOverlay {
			next = TransportDirect
		}
		_ = c.SetTransport(next)
		c.reportStatus(StatusDegraded)
		c.scheduleReconnect()
	}
}

// verificationSweepLoop periodically tears down any peer that has sat
// in PendingChallenge past verify.Timeout.
func (c *Controller) verificationSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(VerificationSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpiredVerifications()
		}
	}
}

func (c *Controller) sweepExpiredVerifications() {
	now := time.Now()
	c.mu.RLock()
	var expired []string
	for id, p := range c.peers {
		if p.verifier.Expired(now) {
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range expired {
		c.log.Warn("peer %s failed to verify within %s, tearing down", id, verify.Timeout)
		c.mu.RLock()
		peer, ok := c.peers[id]
		c.mu.RUnlock()
		if ok {
			peer.verifier.Fail()
		}
		c.RemovePeer(id)
		c.reportStatus(StatusDegraded)
	}
}

func (c *Controller) sendControl(w Writer, ctrl controlFrame) error {
	data, err := json.Marshal(ctrl)
	if err != nil {
		return faults.New(faults.KindCodec, "session.sendControl", err)
	}
	return w.Write(framer.Encode(data))
}
