package bridge

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"periphcore-go/bus"
	"periphcore-go/errcode"
	"periphcore-go/logging"
)

// onePipe hands out c once; later dials fail.
func onePipe(c net.Conn) Dialer {
	var used atomic.Bool
	return func(context.Context, Config) (io.ReadWriteCloser, error) {
		if used.Swap(true) {
			return nil, errors.New("link gone")
		}
		return c, nil
	}
}

type side struct {
	conn *bus.Connection
	svc  *Service
	stop func()
}

func startSide(t *testing.T, name string, dial Dialer) *side {
	t.Helper()
	b := bus.NewBus(16)
	s := &side{conn: b.NewConnection("test-" + name)}
	s.svc = New(b.NewConnection(name), dial, logging.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.svc.Run(ctx)
	}()
	s.stop = func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("%s: Run did not return", name)
		}
	}
	t.Cleanup(s.stop)
	return s
}

func (s *side) configure(cfg map[string]any) {
	s.conn.Publish(s.conn.NewMessage(TopicConfig, cfg, true))
}

// waitState reads bridge/state until status shows up.
func waitState(t *testing.T, conn *bus.Connection, level, status string) map[string]any {
	t.Helper()
	sub := conn.Subscribe(TopicState)
	defer conn.Unsubscribe(sub)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-sub.Channel():
			p := m.Payload.(map[string]any)
			if p["level"] == level && p["status"] == status {
				return p
			}
		case <-deadline:
			t.Fatalf("no %s/%s state", level, status)
			return nil
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLinkMirrorsTraffic(t *testing.T) {
	ca, cb := net.Pipe()
	a := startSide(t, "a", onePipe(ca))
	b := startSide(t, "b", onePipe(cb))

	waitState(t, a.conn, "idle", "awaiting_config")
	a.configure(map[string]any{"device": "pipe", "forward": []any{"hal/#"}})
	b.configure(map[string]any{"device": "pipe", "forward": []any{"hal/#"}})
	waitState(t, a.conn, "up", "link_established")
	waitState(t, b.conn, "up", "link_established")

	rx := b.conn.Subscribe(bus.T(RemotePrefix, "hal", "uart", "u0", "rx"))
	a.conn.Publish(a.conn.NewMessage(bus.T("hal", "uart", "u0", "rx"), map[string]any{"data": "hi"}, false))
	select {
	case m := <-rx.Channel():
		if got := m.Payload.(map[string]any)["data"]; got != "hi" {
			t.Fatalf("payload %v", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("message not mirrored")
	}

	// Retained state survives the hop and replays to late subscribers.
	a.conn.Publish(a.conn.NewMessage(bus.T("hal", "gpio", "led", "state"), map[string]any{"level": 1}, true))
	eventually(t, "retained mirror", func() bool { return b.svc.Received() == 2 })
	late := b.conn.Subscribe(bus.T(RemotePrefix, "hal", "gpio", "led", "state"))
	select {
	case m := <-late.Channel():
		if !m.Retained || m.Payload.(map[string]any)["level"] != float64(1) {
			t.Fatalf("retained %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("retained state not replayed")
	}

	// Traffic outside the forward patterns stays local.
	a.conn.Publish(a.conn.NewMessage(bus.T("sys", "heartbeat"), map[string]any{}, false))
	eventually(t, "sent count", func() bool { return a.svc.Sent() == 2 })

	a.stop()
	waitState(t, b.conn, "down", "peer_closed")
}

func TestRemoteTrafficIsNotEchoed(t *testing.T) {
	ca, cb := net.Pipe()
	a := startSide(t, "a", onePipe(ca))
	b := startSide(t, "b", onePipe(cb))
	a.configure(map[string]any{"device": "pipe", "forward": []any{"hal/#"}})
	b.configure(map[string]any{"device": "pipe", "forward": []any{"hal/#", RemotePrefix + "/#"}})
	waitState(t, a.conn, "up", "link_established")
	waitState(t, b.conn, "up", "link_established")

	a.conn.Publish(a.conn.NewMessage(bus.T("hal", "x"), "v", false))
	eventually(t, "mirror", func() bool { return b.svc.Received() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := a.svc.Received(); got != 0 {
		t.Fatalf("a received %d frames back", got)
	}
}

func TestPingAnswered(t *testing.T) {
	local, peer := net.Pipe()
	a := startSide(t, "a", onePipe(local))
	a.configure(map[string]any{"device": "pipe"})
	waitState(t, a.conn, "up", "link_established")

	rd, wr := newFramedReader(peer), newFramedWriter(peer)
	go func() { _ = wr.WriteFrame(Frame{Type: framePing}) }()
	f, err := rd.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != framePong {
		t.Fatalf("frame type %#x", f.Type)
	}

	// Keep reading so the close frame sent on shutdown is consumed.
	go func() {
		for {
			if _, err := rd.ReadFrame(); err != nil {
				return
			}
		}
	}()
}

func TestDialFailureRetries(t *testing.T) {
	dial := func(context.Context, Config) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}
	a := startSide(t, "a", dial)
	a.configure(map[string]any{"device": "/dev/null0"})
	p := waitState(t, a.conn, "degraded", "dial_failed_retrying")
	if p["error"] == nil {
		t.Fatal("state carries no error")
	}
}

func TestBadConfigReported(t *testing.T) {
	a := startSide(t, "a", nil)
	states := a.conn.Subscribe(TopicState)
	next := func() map[string]any {
		t.Helper()
		select {
		case m := <-states.Channel():
			return m.Payload.(map[string]any)
		case <-time.After(time.Second):
			t.Fatal("no state")
			return nil
		}
	}
	if p := next(); p["status"] != "awaiting_config" {
		t.Fatalf("first state %v", p)
	}

	a.configure(map[string]any{"baud": 9600})
	if p := next(); p["status"] != "config_decode_failed" {
		t.Fatalf("missing device: %v", p)
	}
	a.configure(map[string]any{"device": "tty", "colour": "red"})
	if p := next(); p["status"] != "config_decode_failed" || !strings.Contains(p["error"].(string), "colour") {
		t.Fatalf("unknown key: %v", p)
	}
	a.configure(map[string]any{"device": "tty"})
	if p := next(); p["status"] != "no_dialer" {
		t.Fatalf("no dialer: %v", p)
	}
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := decodeConfig(`{"device":"/dev/ttyUSB0","baud":115200,"ping":"2s"}`)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Baud != 115200 || cfg.Ping != 2*time.Second || len(cfg.Forward) != 1 || cfg.Forward[0] != "hal/#" {
		t.Fatalf("%+v", cfg)
	}
	if _, err := decodeConfig(42); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("int payload: %v", err)
	}
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	wr := newFramedWriter(io.Discard)
	err := wr.WriteFrame(Frame{Type: framePub, Payload: make([]byte, maxFramePayload+1)})
	if errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("got %v", err)
	}
}

func TestBackoffDoublesToCap(t *testing.T) {
	next := backoffSeq(100*time.Millisecond, 350*time.Millisecond)
	want := []time.Duration{100, 200, 350, 350}
	for i, w := range want {
		if got := next(); got != w*time.Millisecond {
			t.Fatalf("step %d: %v", i, got)
		}
	}
}
