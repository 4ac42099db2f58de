package bus

// Connection lifecycle topics published by the supervisor.
const (
	TopicConnectionConnecting = "connection.connecting"
	TopicConnectionOpen       = "connection.open"
	TopicConnectionClosed     = "connection.closed"
	TopicConnectionLoggedOut  = "connection.logged_out"
	TopicConnectionQR         = "connection.qr"
)

// Credential and messaging topics.
const (
	TopicCredsUpdated = "creds.updated"
	TopicMessageSent  = "message.sent"
)

// Periodic status snapshot topic (cron job).
const TopicStatusSnapshot = "status.snapshot"

// ConnectionEvent is published on every connection state transition.
type ConnectionEvent struct {
	Attempt uint64 // monotonic connection attempt number
	State   string // "connecting", "open", "closed", "logged_out"
	Reason  string // disconnect classification, only for closed states
	Error   string // underlying error detail, if any
	Version string // negotiated protocol version, only for connecting
}

// QREvent is published once per attempt when a pairing QR is emitted.
type QREvent struct {
	Attempt uint64
	Code    string
}

// MessageSentEvent is published after a successful send.
type MessageSentEvent struct {
	Phone string
	JID   string
}

// StatusSnapshot is the periodic health snapshot payload.
type StatusSnapshot struct {
	Connected     bool
	UptimeSeconds int64
	Reconnects    uint64
	MessagesSent  uint64
}
