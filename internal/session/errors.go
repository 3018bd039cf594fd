package session

import "errors"

var (
	errAlreadyInitialized = errors.New("session: controller already initialized")
	errNoVerifiedPeers    = errors.New("session: no verified peers to send to")
	errUnknownPeer        = errors.New("session: unknown peer id")
)
