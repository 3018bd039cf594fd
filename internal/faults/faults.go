// Package faults defines the stable error taxonomy shared by every
// layer of the secure-messaging core.
package faults

import "fmt"

// Kind is a stable, machine-readable error category. Kinds never
// carry key material; only Fault.Err does, and even then only ever
// wraps a non-key-bearing error from a lower layer.
type Kind string

const (
	// KindCrypto marks a primitive returning an error or an invalid
	// output. Fatal to the session.
	KindCrypto Kind = "crypto"
	// KindAuth marks a signature or AEAD tag mismatch. Non-fatal to
	// the session; the message is discarded.
	KindAuth Kind = "auth"
	// KindReplay marks a (counter, timestamp) pair already seen.
	// Non-fatal to the session.
	KindReplay Kind = "replay"
	// KindCodec marks a malformed envelope, frame, or control
	// message.
	KindCodec Kind = "codec"
	// KindVerify marks a failed or timed-out peer verification.
	// Drops the offending socket only.
	KindVerify Kind = "verify"
	// KindTransport marks a socket or swarm I/O failure. Evicts the
	// peer and may trigger reconnect.
	KindTransport Kind = "transport"
	// KindUsage marks a violated API precondition.
	KindUsage Kind = "usage"
)

// Fault is the single error type used across the core. It carries a
// stable Kind so callers can branch on category without parsing
// strings, plus an optional wrapped cause.
type Fault struct {
	Kind Kind
	Op   string // component/operation that raised the fault, e.g. "ratchet.Decrypt"
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault of the given kind.
func New(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a *Fault of the given kind.
func Is(err error, kind Kind) bool {
	f, ok := err.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == kind
}
