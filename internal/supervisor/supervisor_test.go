package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zapgate/zapgate/internal/bus"
	"github.com/zapgate/zapgate/internal/wa"
)

type connectorFunc func(ctx context.Context) (*wa.ConnectResult, error)

func (f connectorFunc) Connect(ctx context.Context) (*wa.ConnectResult, error) { return f(ctx) }

type fakeSession struct {
	mu           sync.Mutex
	disconnected int
}

func (s *fakeSession) IsOnNetwork(ctx context.Context, phone string) (wa.Recipient, bool, error) {
	return wa.Recipient{JID: phone + "@s.whatsapp.net"}, true, nil
}

func (s *fakeSession) SendText(ctx context.Context, jid, text string) error { return nil }

func (s *fakeSession) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	return "", wa.ErrNoPicture
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	s.disconnected++
	s.mu.Unlock()
}

func (s *fakeSession) disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

type fakeCreds struct {
	mu       sync.Mutex
	persists int
	err      error
}

func (c *fakeCreds) Persist(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persists++
	return c.err
}

func (c *fakeCreds) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persists
}

// scriptedConnector hands each attempt's event channel to the test so it can
// drive the lifecycle by hand.
func scriptedConnector(sess wa.Session) (wa.Connector, chan chan wa.Event) {
	attempts := make(chan chan wa.Event, 8)
	conn := connectorFunc(func(ctx context.Context) (*wa.ConnectResult, error) {
		ch := make(chan wa.Event, 8)
		attempts <- ch
		return &wa.ConnectResult{Session: sess, Events: ch, Version: "2.3000.1"}, nil
	})
	return conn, attempts
}

func testConfig(conn wa.Connector) Config {
	return Config{
		Connector:         conn,
		Creds:             &fakeCreds{},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		ReconnectDelay:    5 * time.Millisecond,
		ConnectErrorDelay: 5 * time.Millisecond,
	}
}

func waitAttempt(t *testing.T, attempts chan chan wa.Event) chan wa.Event {
	t.Helper()
	select {
	case ch := <-attempts:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection attempt")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSupervisor_PublishesSessionOnOpen(t *testing.T) {
	sess := &fakeSession{}
	conn, attempts := scriptedConnector(sess)
	sup := New(testConfig(conn))
	sup.Start(t.Context())
	defer sup.Stop()

	events := waitAttempt(t, attempts)
	if _, ok := sup.Current(); ok {
		t.Fatal("session published before the connection opened")
	}

	events <- wa.Event{Kind: wa.KindOpen}
	waitFor(t, func() bool { _, ok := sup.Current(); return ok }, "session never published after open")

	got, _ := sup.Current()
	if got != sess {
		t.Fatal("published session is not the one the connector produced")
	}
	if st := sup.Status(); !st.Connected || st.Attempt != 1 {
		t.Fatalf("status = %+v, want connected on attempt 1", st)
	}
}

func TestSupervisor_ReconnectsOnceAfterTransientClose(t *testing.T) {
	sess := &fakeSession{}
	conn, attempts := scriptedConnector(sess)
	sup := New(testConfig(conn))
	sup.Start(t.Context())
	defer sup.Stop()

	first := waitAttempt(t, attempts)
	first <- wa.Event{Kind: wa.KindOpen}
	waitFor(t, func() bool { _, ok := sup.Current(); return ok }, "first open not observed")

	first <- wa.Event{Kind: wa.KindClosed, Reason: wa.ReasonConnectionLost, Err: errors.New("tcp reset")}
	waitFor(t, func() bool { _, ok := sup.Current(); return !ok }, "session not cleared after close")

	// Exactly one new attempt follows the close.
	second := waitAttempt(t, attempts)
	select {
	case <-attempts:
		t.Fatal("more than one reconnect scheduled for a single close")
	case <-time.After(50 * time.Millisecond):
	}

	second <- wa.Event{Kind: wa.KindOpen}
	waitFor(t, func() bool { _, ok := sup.Current(); return ok }, "second open not observed")
	if st := sup.Status(); st.Attempt != 2 || st.Reconnects != 1 {
		t.Fatalf("status = %+v, want attempt 2 with 1 reconnect", st)
	}

	// The first attempt's client must be torn down, not abandoned with its
	// own reconnect machinery running.
	if got := sess.disconnects(); got != 1 {
		t.Fatalf("disconnects = %d, want 1 after the transient close", got)
	}
}

func TestSupervisor_LoggedOutIsTerminal(t *testing.T) {
	sess := &fakeSession{}
	conn, attempts := scriptedConnector(sess)
	sup := New(testConfig(conn))
	sup.Start(t.Context())

	events := waitAttempt(t, attempts)
	events <- wa.Event{Kind: wa.KindOpen}
	events <- wa.Event{Kind: wa.KindClosed, Reason: wa.ReasonLoggedOut}

	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after logout")
	}

	select {
	case <-attempts:
		t.Fatal("reconnect attempted after logout")
	case <-time.After(50 * time.Millisecond):
	}

	st := sup.Status()
	if !st.LoggedOut || st.Connected {
		t.Fatalf("status = %+v, want logged out and disconnected", st)
	}
	if got := sess.disconnects(); got != 1 {
		t.Fatalf("disconnects = %d, want the logged-out client torn down", got)
	}
}

func TestSupervisor_QRRenderedOncePerAttempt(t *testing.T) {
	sess := &fakeSession{}
	conn, attempts := scriptedConnector(sess)

	var mu sync.Mutex
	var rendered []string
	cfg := testConfig(conn)
	cfg.RenderQR = func(code string) {
		mu.Lock()
		rendered = append(rendered, code)
		mu.Unlock()
	}
	sup := New(cfg)
	sup.Start(t.Context())
	defer sup.Stop()

	first := waitAttempt(t, attempts)
	first <- wa.Event{Kind: wa.KindQR, QRCode: "code-a"}
	first <- wa.Event{Kind: wa.KindQR, QRCode: "code-b"} // refresh, must be suppressed
	first <- wa.Event{Kind: wa.KindClosed, Reason: wa.ReasonConnectionLost}

	second := waitAttempt(t, attempts)
	second <- wa.Event{Kind: wa.KindQR, QRCode: "code-c"} // new attempt renders again

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rendered) == 2
	}, "expected exactly two rendered codes")

	mu.Lock()
	defer mu.Unlock()
	if rendered[0] != "code-a" || rendered[1] != "code-c" {
		t.Fatalf("rendered = %v, want [code-a code-c]", rendered)
	}
}

func TestSupervisor_RetriesAfterConnectError(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	opened := make(chan struct{})
	conn := connectorFunc(func(ctx context.Context) (*wa.ConnectResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("dial: connection refused")
		}
		ch := make(chan wa.Event, 1)
		ch <- wa.Event{Kind: wa.KindOpen}
		close(opened)
		return &wa.ConnectResult{Session: &fakeSession{}, Events: ch}, nil
	})

	sup := New(testConfig(conn))
	sup.Start(t.Context())
	defer sup.Stop()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("no retry after connect error")
	}
	waitFor(t, func() bool { _, ok := sup.Current(); return ok }, "session not published on retry")
}

func TestSupervisor_PersistsCredentials(t *testing.T) {
	sess := &fakeSession{}
	conn, attempts := scriptedConnector(sess)
	creds := &fakeCreds{}
	cfg := testConfig(conn)
	cfg.Creds = creds
	sup := New(cfg)
	sup.Start(t.Context())
	defer sup.Stop()

	events := waitAttempt(t, attempts)
	events <- wa.Event{Kind: wa.KindCredentials}
	events <- wa.Event{Kind: wa.KindOpen}
	events <- wa.Event{Kind: wa.KindCredentials}

	waitFor(t, func() bool { return creds.count() == 2 }, "credentials not persisted")
}

func TestSupervisor_PublishesBusTransitions(t *testing.T) {
	sess := &fakeSession{}
	conn, attempts := scriptedConnector(sess)
	b := bus.New()
	sub := b.Subscribe("connection.")
	defer b.Unsubscribe(sub)

	cfg := testConfig(conn)
	cfg.Bus = b
	sup := New(cfg)
	sup.Start(t.Context())
	defer sup.Stop()

	events := waitAttempt(t, attempts)
	events <- wa.Event{Kind: wa.KindOpen}
	events <- wa.Event{Kind: wa.KindClosed, Reason: wa.ReasonStreamReplaced}
	waitAttempt(t, attempts) // let the loop move on

	want := []string{bus.TopicConnectionConnecting, bus.TopicConnectionOpen, bus.TopicConnectionClosed}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("got topic %q, want %q", ev.Topic, topic)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", topic)
		}
	}
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	conn := connectorFunc(func(ctx context.Context) (*wa.ConnectResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sup := New(testConfig(conn))
	ctx := t.Context()
	sup.Start(ctx)
	sup.Start(ctx)
	defer sup.Stop()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("connector called %d times, want 1", calls)
	}
}

func TestSupervisor_EventStreamEndingIsTransient(t *testing.T) {
	sess := &fakeSession{}
	conn, attempts := scriptedConnector(sess)
	sup := New(testConfig(conn))
	sup.Start(t.Context())
	defer sup.Stop()

	first := waitAttempt(t, attempts)
	first <- wa.Event{Kind: wa.KindOpen}
	waitFor(t, func() bool { _, ok := sup.Current(); return ok }, "open not observed")
	close(first)

	waitFor(t, func() bool { _, ok := sup.Current(); return !ok }, "session not cleared on stream end")
	waitAttempt(t, attempts)
	if got := sess.disconnects(); got != 1 {
		t.Fatalf("disconnects = %d, want the abandoned client torn down", got)
	}
}
