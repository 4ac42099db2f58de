package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// MeowConnector implements Connector on top of whatsmeow. One connector is
// built at boot around the stored device; each Connect call produces a fresh
// client and event stream.
type MeowConnector struct {
	device *store.Device
	logger *slog.Logger

	// versionPin optionally overrides the announced protocol version, as a
	// dotted triple like "2.3000.1015901307". Empty uses the library default.
	versionPin string
}

func NewMeowConnector(device *store.Device, logger *slog.Logger, versionPin string) *MeowConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeowConnector{device: device, logger: logger, versionPin: versionPin}
}

func (c *MeowConnector) Connect(ctx context.Context) (*ConnectResult, error) {
	version, isLatest, err := c.negotiateVersion()
	if err != nil {
		return nil, err
	}

	cli := whatsmeow.NewClient(c.device, waLog.Noop)
	// The supervisor owns the retry policy. Left on, the library would start
	// its own reconnect loop on this client after a drop while the supervisor
	// dials a fresh one, leaving two clients contending for the same device.
	cli.EnableAutoReconnect = false
	emitter := newEventEmitter(32)

	cli.AddEventHandler(func(raw interface{}) {
		switch raw.(type) {
		case *events.Connected:
			emitter.send(Event{Kind: KindOpen})
		case *events.PairSuccess:
			emitter.send(Event{Kind: KindCredentials})
		case *events.LoggedOut:
			emitter.closeWith(Event{Kind: KindClosed, Reason: ReasonLoggedOut})
		case *events.StreamReplaced:
			emitter.closeWith(Event{Kind: KindClosed, Reason: ReasonStreamReplaced})
		case *events.Disconnected:
			emitter.closeWith(Event{Kind: KindClosed, Reason: ReasonConnectionLost})
		}
	})

	// The QR channel must be requested before Connect, and only exists for
	// unpaired devices.
	if cli.Store.ID == nil {
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go c.forwardQR(qrChan, emitter)
	}

	if err := cli.Connect(); err != nil {
		emitter.discard()
		return nil, fmt.Errorf("connect: %w", err)
	}

	return &ConnectResult{
		Session:  &meowSession{cli: cli},
		Events:   emitter.ch,
		Version:  version,
		IsLatest: isLatest,
	}, nil
}

// forwardQR translates whatsmeow QR channel items into KindQR events.
// Pairing failures end the attempt with a transient close so the supervisor
// schedules a fresh attempt (and a fresh QR).
func (c *MeowConnector) forwardQR(qrChan <-chan whatsmeow.QRChannelItem, emitter *eventEmitter) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			emitter.send(Event{Kind: KindQR, QRCode: item.Code})
		case "success":
			// Connected event follows; nothing to do here.
		case "timeout":
			emitter.closeWith(Event{Kind: KindClosed, Reason: ReasonConnectionLost, Err: errors.New("pairing window expired")})
		default:
			if item.Error != nil {
				emitter.closeWith(Event{Kind: KindClosed, Reason: ReasonConnectionLost, Err: item.Error})
			}
		}
	}
}

// negotiateVersion applies the optional version pin and reports the
// effective protocol version plus whether it is the latest known.
func (c *MeowConnector) negotiateVersion() (string, bool, error) {
	latest := store.GetWAVersion()
	if c.versionPin == "" {
		return versionString(latest), true, nil
	}
	pinned, err := parseVersion(c.versionPin)
	if err != nil {
		return "", false, fmt.Errorf("invalid version pin %q: %w", c.versionPin, err)
	}
	store.SetWAVersion(pinned)
	return versionString(pinned), pinned == latest, nil
}

func versionString(v store.WAVersionContainer) string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

func parseVersion(s string) (store.WAVersionContainer, error) {
	var out store.WAVersionContainer
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return out, errors.New("expected three dot-separated numbers")
	}
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return out, err
		}
		out[i] = uint32(n)
	}
	return out, nil
}

// eventEmitter guards the per-attempt event channel: sends are dropped after
// close, and exactly one KindClosed terminates the stream.
type eventEmitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEventEmitter(buffer int) *eventEmitter {
	return &eventEmitter{ch: make(chan Event, buffer)}
}

func (e *eventEmitter) send(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	default:
		// Buffer full; the consumer is wedged, drop rather than block the
		// client's event dispatch goroutine.
	}
}

func (e *eventEmitter) closeWith(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	select {
	case e.ch <- ev:
	default:
	}
	close(e.ch)
}

func (e *eventEmitter) discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// meowSession adapts a connected whatsmeow client to the Session interface.
type meowSession struct {
	cli *whatsmeow.Client
}

func (s *meowSession) IsOnNetwork(ctx context.Context, phone string) (Recipient, bool, error) {
	resp, err := s.cli.IsOnWhatsApp(ctx, []string{phone})
	if err != nil {
		return Recipient{}, false, fmt.Errorf("lookup %q: %w", phone, err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return Recipient{}, false, nil
	}
	return Recipient{JID: resp[0].JID.String()}, true, nil
}

func (s *meowSession) SendText(ctx context.Context, jid, text string) error {
	to, err := types.ParseJID(jid)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", jid, err)
	}
	_, err = s.cli.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *meowSession) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse jid %q: %w", jid, err)
	}
	info, err := s.cli.GetProfilePictureInfo(ctx, to, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) || errors.Is(err, whatsmeow.ErrProfilePictureNotSet) {
			return "", fmt.Errorf("%w: %s", ErrNoPicture, err)
		}
		return "", fmt.Errorf("fetch profile picture: %w", err)
	}
	if info == nil || info.URL == "" {
		return "", ErrNoPicture
	}
	return info.URL, nil
}

func (s *meowSession) Disconnect() {
	s.cli.Disconnect()
}
