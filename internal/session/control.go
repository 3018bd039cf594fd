package session

const (
	ctrlChallenge    = "verification_challenge"
	ctrlResponse     = "verification_response"
	ctrlSuccess      = "verification_success"
	ctrlKeepalive    = "keepalive"
	ctrlKeepaliveAck = "keepalive_ack"
)

// controlFrame is the plaintext JSON shape of every pre-verification
// and liveness control message. Only the fields relevant to Type are
// populated on any given instance. DHPub and SigningPub carry the
// sender's own pre-key bundle on the two verification-handshake
// frames (ctrlChallenge and ctrlResponse), so a peer reached by an
// inbound connection — which has no out-of-band channel of its own —
// learns the bundle it needs to build a ratchet from the handshake
// itself, the same way a manually dialed peer learns it from -peer-bundle.
type controlFrame struct {
	Type       string `json:"type"`
	Challenge  []byte `json:"challenge,omitempty"`
	Response   []byte `json:"response,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	DHPub      []byte `json:"dh_pub,omitempty"`
	SigningPub []byte `json:"signing_pub,omitempty"`
}
