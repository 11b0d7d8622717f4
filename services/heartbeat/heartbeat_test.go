package heartbeat

import (
	"context"
	"testing"
	"time"

	"go.uber.org/atomic"

	"periphcore-go/bus"
	"periphcore-go/logging"
)

func TestBeatsFollowConfig(t *testing.T) {
	var drops atomic.Uint64
	drops.Store(3)

	b := bus.NewBus(16)
	conn := b.NewConnection("test")
	beats := conn.Subscribe(Topic)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := New(map[string]Counter{"uart0.drops": drops.Load}, logging.NewTestLogger(t))
	svc.Start(ctx, conn)

	// Nothing until configured.
	select {
	case <-beats.Channel():
		t.Fatal("beat before config")
	case <-time.After(30 * time.Millisecond):
	}

	conn.Publish(conn.NewMessage(topicConfig, map[string]any{"interval": "10ms"}, true))
	for i := 0; i < 2; i++ {
		select {
		case m := <-beats.Channel():
			p := m.Payload.(map[string]any)
			if c := p["counters"].(map[string]uint64); c["uart0.drops"] != 3 {
				t.Fatalf("counters %v", c)
			}
		case <-time.After(time.Second):
			t.Fatalf("beat %d missing", i)
		}
	}

	conn.Publish(conn.NewMessage(topicConfig, map[string]any{"interval": 0.0}, true))
	time.Sleep(30 * time.Millisecond)
	for len(beats.Channel()) > 0 {
		<-beats.Channel()
	}
	select {
	case <-beats.Channel():
		t.Fatal("beat after disable")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseInterval(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want time.Duration
		ok   bool
	}{
		{map[string]any{"interval": 2.0}, 2 * time.Second, true},
		{map[string]any{"interval": "250ms"}, 250 * time.Millisecond, true},
		{map[string]any{}, 0, true},
		{map[string]any{"interval": "soon"}, 0, false},
		{"1s", 0, false},
	} {
		got, ok := parseInterval(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%v: got %v %t", tc.in, got, ok)
		}
	}
}
