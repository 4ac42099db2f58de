// Package wa defines the boundary to the external messaging network.
// The supervisor and HTTP handlers only see the Connector/Session interfaces
// and the event stream; the whatsmeow-backed implementation lives in meow.go.
package wa

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Session implementations.
var (
	// ErrNoPicture means the recipient exists but no profile picture is
	// available (none set, or restricted by privacy settings).
	ErrNoPicture = errors.New("profile picture not available")
)

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	// KindQR carries a pairing QR payload. The client may re-emit the same
	// or a refreshed code periodically while waiting for a scan.
	KindQR EventKind = iota
	// KindOpen means the session is authenticated and usable.
	KindOpen
	// KindClosed terminates the attempt's event stream.
	KindClosed
	// KindCredentials signals that authentication material changed and
	// should be persisted.
	KindCredentials
)

func (k EventKind) String() string {
	switch k {
	case KindQR:
		return "qr"
	case KindOpen:
		return "open"
	case KindClosed:
		return "closed"
	case KindCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

// DisconnectReason classifies why a connection closed. The one load-bearing
// distinction is logged-out (terminal) versus everything else (transient).
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonConnectionLost
	ReasonStreamReplaced
	ReasonLoggedOut
)

// Terminal reports whether reconnecting is pointless: the credentials are
// invalid and manual re-pairing is required.
func (r DisconnectReason) Terminal() bool { return r == ReasonLoggedOut }

func (r DisconnectReason) String() string {
	switch r {
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonStreamReplaced:
		return "stream_replaced"
	case ReasonLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Event is one item on a connection attempt's event stream. The stream is
// closed after the first KindClosed event.
type Event struct {
	Kind   EventKind
	QRCode string           // KindQR only
	Reason DisconnectReason // KindClosed only
	Err    error            // optional detail for KindClosed
}

// Recipient is a resolved network identity for a phone number.
type Recipient struct {
	JID string
}

// Session is a live authenticated connection handle. Phone numbers are
// passed through to the network unmodified; no normalization happens here.
type Session interface {
	// IsOnNetwork reports whether the phone number is a valid recipient and
	// resolves its network identifier.
	IsOnNetwork(ctx context.Context, phone string) (Recipient, bool, error)
	// SendText sends one plain text message to a resolved recipient.
	SendText(ctx context.Context, jid, text string) error
	// ProfilePictureURL fetches the full-resolution profile picture URL.
	// Returns ErrNoPicture when the recipient has none visible.
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
	// Disconnect tears the session down. Safe to call more than once.
	Disconnect()
}

// ConnectResult is the outcome of one successful connector call: a session
// handle plus the attempt's event stream and the negotiated protocol version.
type ConnectResult struct {
	Session  Session
	Events   <-chan Event
	Version  string
	IsLatest bool
}

// Connector establishes one connection attempt. A returned error means no
// session object ever existed (e.g. network unreachable); lifecycle after a
// successful return is reported exclusively through the event stream.
type Connector interface {
	Connect(ctx context.Context) (*ConnectResult, error)
}
