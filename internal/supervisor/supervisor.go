// Package supervisor owns the lifetime of the WhatsApp connection. It runs a
// single goroutine that connects, consumes session events, publishes the live
// session handle for request handlers, and reconnects after a fixed delay
// whenever the connection drops for any reason other than an explicit logout.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zapgate/zapgate/internal/bus"
	"github.com/zapgate/zapgate/internal/otel"
	"github.com/zapgate/zapgate/internal/wa"
)

// CredentialStore is the slice of the credential layer the supervisor needs:
// flushing device state after the library reports a credential change.
type CredentialStore interface {
	Persist(ctx context.Context) error
}

// Config carries the supervisor's collaborators and timing knobs.
type Config struct {
	Connector wa.Connector
	Creds     CredentialStore
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics

	// RenderQR is called at most once per connection attempt with the
	// pairing code. Nil disables rendering.
	RenderQR func(code string)

	// ReconnectDelay applies after an established connection closes,
	// ConnectErrorDelay after a dial that never got off the ground.
	ReconnectDelay    time.Duration
	ConnectErrorDelay time.Duration
}

// Status is a point-in-time snapshot of the supervisor for health and
// metrics endpoints.
type Status struct {
	Connected      bool
	LoggedOut      bool
	Attempt        uint64
	Reconnects     uint64
	ConnectedSince time.Time
}

type Supervisor struct {
	cfg    Config
	holder *Holder

	started    atomic.Bool
	loggedOut  atomic.Bool
	attempt    atomic.Uint64
	reconnects atomic.Uint64

	mu          sync.Mutex
	connectedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.ConnectErrorDelay <= 0 {
		cfg.ConnectErrorDelay = 15 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		holder: NewHolder(),
		done:   make(chan struct{}),
	}
}

// Holder exposes the session slot for request handlers.
func (s *Supervisor) Holder() *Holder {
	return s.holder
}

// Current is a convenience passthrough to the holder.
func (s *Supervisor) Current() (wa.Session, bool) {
	return s.holder.Current()
}

// Status reports the supervisor's current view of the connection.
func (s *Supervisor) Status() Status {
	_, connected := s.holder.Current()
	s.mu.Lock()
	since := s.connectedAt
	s.mu.Unlock()
	if !connected {
		since = time.Time{}
	}
	return Status{
		Connected:      connected,
		LoggedOut:      s.loggedOut.Load(),
		Attempt:        s.attempt.Load(),
		Reconnects:     s.reconnects.Load(),
		ConnectedSince: since,
	}
}

// Start launches the supervision loop. Calling it more than once is a no-op;
// there is exactly one loop per process.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.cfg.Logger.Warn("supervisor already started, ignoring")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Done is closed when the loop has exited, either on shutdown or after a
// terminal logout.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		attempt := s.attempt.Add(1)
		delay, terminal := s.runAttempt(ctx, attempt)
		if terminal {
			s.loggedOut.Store(true)
			s.cfg.Logger.Error("session logged out on the phone; stopping reconnects, delete the store and re-pair",
				"attempt", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.reconnects.Add(1)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Reconnects.Add(ctx, 1)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runAttempt drives one connection attempt from dial to close. It returns
// how long to wait before the next attempt, or terminal=true when the
// session was logged out and reconnecting is pointless.
func (s *Supervisor) runAttempt(ctx context.Context, attempt uint64) (retryAfter time.Duration, terminal bool) {
	logger := s.cfg.Logger.With("attempt", attempt)
	defer func() {
		if r := recover(); r != nil {
			s.clearSession(ctx, attempt)
			logger.Error("connection attempt panicked", "panic", r)
			retryAfter, terminal = s.cfg.ConnectErrorDelay, false
		}
	}()

	s.publish(bus.TopicConnectionConnecting, bus.ConnectionEvent{Attempt: attempt, State: "connecting"})
	res, err := s.cfg.Connector.Connect(ctx)
	if err != nil {
		logger.Error("connect failed", "error", err, "retry_in", s.cfg.ConnectErrorDelay)
		s.publish(bus.TopicConnectionClosed, bus.ConnectionEvent{
			Attempt: attempt,
			State:   "closed",
			Reason:  wa.ReasonUnknown.String(),
			Error:   err.Error(),
		})
		return s.cfg.ConnectErrorDelay, false
	}
	logger.Info("dialed", "version", res.Version, "is_latest", res.IsLatest)

	qrShown := false
	for {
		select {
		case <-ctx.Done():
			res.Session.Disconnect()
			s.clearSession(ctx, attempt)
			return 0, false
		case ev, ok := <-res.Events:
			if !ok {
				// Event stream ended without a close event; treat as a
				// transient drop.
				res.Session.Disconnect()
				s.clearSession(ctx, attempt)
				logger.Warn("event stream ended, reconnecting", "retry_in", s.cfg.ReconnectDelay)
				return s.cfg.ReconnectDelay, false
			}
			switch ev.Kind {
			case wa.KindQR:
				if qrShown {
					logger.Debug("repeat qr code suppressed")
					continue
				}
				qrShown = true
				if s.cfg.RenderQR != nil {
					s.cfg.RenderQR(ev.QRCode)
				}
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.QRDisplays.Add(ctx, 1)
				}
				s.publish(bus.TopicConnectionQR, bus.QREvent{Attempt: attempt, Code: ev.QRCode})
				logger.Info("qr code issued, scan with the phone to pair")

			case wa.KindOpen:
				qrShown = false
				s.holder.Publish(attempt, res.Session)
				s.mu.Lock()
				s.connectedAt = time.Now()
				s.mu.Unlock()
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.SessionUp.Add(ctx, 1)
				}
				s.publish(bus.TopicConnectionOpen, bus.ConnectionEvent{
					Attempt: attempt,
					State:   "open",
					Version: res.Version,
				})
				logger.Info("connection open")

			case wa.KindCredentials:
				if err := s.cfg.Creds.Persist(ctx); err != nil {
					logger.Error("persist credentials", "error", err)
				} else {
					s.publish(bus.TopicCredsUpdated, bus.ConnectionEvent{Attempt: attempt, State: "creds"})
				}

			case wa.KindClosed:
				qrShown = false
				// Tear the client down even though the stream already closed:
				// a half-dead client must not linger once the attempt ends.
				res.Session.Disconnect()
				s.clearSession(ctx, attempt)
				errMsg := ""
				if ev.Err != nil {
					errMsg = ev.Err.Error()
				}
				if ev.Reason.Terminal() {
					s.publish(bus.TopicConnectionLoggedOut, bus.ConnectionEvent{
						Attempt: attempt,
						State:   "logged_out",
						Reason:  ev.Reason.String(),
						Error:   errMsg,
					})
					return 0, true
				}
				s.publish(bus.TopicConnectionClosed, bus.ConnectionEvent{
					Attempt: attempt,
					State:   "closed",
					Reason:  ev.Reason.String(),
					Error:   errMsg,
				})
				logger.Warn("connection closed, reconnecting",
					"reason", ev.Reason.String(), "error", errMsg, "retry_in", s.cfg.ReconnectDelay)
				return s.cfg.ReconnectDelay, false
			}
		}
	}
}

func (s *Supervisor) clearSession(ctx context.Context, attempt uint64) {
	if s.holder.Clear(attempt) && s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionUp.Add(ctx, -1)
	}
}

func (s *Supervisor) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}
