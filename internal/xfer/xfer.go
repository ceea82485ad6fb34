// Package xfer holds the contracts shared by the datagram and stream
// implementations of the catalog transfer protocol: the two session
// interfaces, their results, tuning options and the error taxonomy.
package xfer

import (
	"context"
	"errors"
	"time"

	"udpxfer/internal/catalog"
	"udpxfer/internal/digest"
	"udpxfer/internal/wire"
)

var (
	// ErrProtocol covers unexpected tags, malformed payloads and
	// out-of-range selections. The detecting side restarts.
	ErrProtocol = errors.New("protocol desynchronization")
	// ErrIntegrity is a digest mismatch after full receipt.
	ErrIntegrity = errors.New("digest mismatch")
	// ErrAckRejected is a non-OK acknowledgment in the middle of a stream.
	ErrAckRejected = errors.New("packet acknowledgment rejected")
	// ErrTimeout is a bounded receive that expired.
	ErrTimeout = errors.New("receive timed out")
	// ErrRetriesExhausted is terminal: the attempt budget ran out.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrEmptyCatalog is terminal on the requester: nothing to select.
	ErrEmptyCatalog = errors.New("empty catalog")
	// ErrPeerGone ends a provider session whose peer stopped answering
	// after a restart. A requester restarts on a fresh contact, so this is
	// the normal end of the abandoned session, not a failure.
	ErrPeerGone = errors.New("peer left the session")
)

// IsRestartable reports whether err should restart the local state
// machine instead of ending the session.
func IsRestartable(err error) bool {
	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrAckRejected) ||
		errors.Is(err, ErrTimeout)
}

// RestartReason is a short label for logs and metric tags.
func RestartReason(err error) string {
	switch {
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrAckRejected):
		return "ack_rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrPeerGone):
		return "peer_gone"
	default:
		return "fatal"
	}
}

// ProviderSession serves one peer until it reports a successful verdict
// or a fatal error ends the session.
type ProviderSession interface {
	Run(ctx context.Context) (Outcome, error)
}

// RequesterOrchestrator fetches one file and verifies it.
type RequesterOrchestrator interface {
	Fetch(ctx context.Context) (Result, error)
}

// Outcome describes a provider session that reached DONE or was
// abandoned by its peer.
type Outcome struct {
	SessionID string
	Peer      string
	File      catalog.FileDescriptor
	Packets   int
	Attempts  int
	Duration  time.Duration
	// Abandoned is set when the peer left after a restart; File is then
	// the zero value.
	Abandoned bool
}

// Result describes a verified transfer on the requester side.
type Result struct {
	File     catalog.FileDescriptor
	Content  []byte
	Digest   string
	Packets  int
	Attempts int
	Path     string
	Duration time.Duration
}

// Report is the completion of one provider session, delivered to whoever
// runs the listener.
type Report struct {
	Outcome Outcome
	Peer    string
	Err     error
}

const (
	DefaultRecvTimeout   = 5 * time.Second
	DefaultSelectTimeout = 2 * time.Minute
)

// Options tunes both roles. MaxAttempts <= 0 keeps restarting forever.
type Options struct {
	MaxPayload    int
	Hasher        digest.Hasher
	RecvTimeout   time.Duration
	SelectTimeout time.Duration
	MaxAttempts   int
}

func (o Options) WithDefaults() Options {
	if o.MaxPayload <= 0 {
		o.MaxPayload = wire.DefaultMaxPayload
	}
	if o.Hasher == nil {
		o.Hasher = digest.SHA256
	}
	if o.RecvTimeout <= 0 {
		o.RecvTimeout = DefaultRecvTimeout
	}
	if o.SelectTimeout <= 0 {
		o.SelectTimeout = DefaultSelectTimeout
	}
	return o
}

// AttemptsLeft reports whether attempt (1-based) may still run.
func (o Options) AttemptsLeft(attempt int) bool {
	return o.MaxAttempts <= 0 || attempt <= o.MaxAttempts
}
