package bus

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPublishExactAndRetained(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	live := c.Subscribe(T("hal", "gpio", "btn"))
	c.Publish(c.NewMessage(T("hal", "gpio", "btn"), "edge", false))
	expectPayload(t, live, "edge")

	c.Publish(c.NewMessage(T("config", "board"), "pico", true))
	late := c.Subscribe(T("config", "board"))
	expectPayload(t, late, "pico")
}

func TestSingleLevelWildcard(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	s1 := c.Subscribe(T("a", "+", "c"))
	s2 := c.Subscribe(T("a", "+", "+"))
	sNo := c.Subscribe(T("a", "+", "d"))

	c.Publish(b.NewMessage(T("a", "b", "c"), "m1", false))
	expectPayload(t, s1, "m1")
	expectPayload(t, s2, "m1")
	expectNone(t, sNo)

	// "+" never matches an absent level.
	c.Publish(b.NewMessage(T("a", "c"), "m2", false))
	expectNone(t, s1)
	expectNone(t, s2)
}

func TestMultiLevelWildcardMatchesParent(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	sAll := c.Subscribe(T("#"))
	sA := c.Subscribe(T("a", "#"))
	sAB := c.Subscribe(T("a", "b", "#"))

	c.Publish(b.NewMessage(T("a"), "p1", false))
	expectPayload(t, sAll, "p1")
	expectPayload(t, sA, "p1")
	expectNone(t, sAB)

	c.Publish(b.NewMessage(T("a", "b", "c"), "p2", false))
	expectPayload(t, sAll, "p2")
	expectPayload(t, sA, "p2")
	expectPayload(t, sAB, "p2")
}

func TestRetainedReplayThroughWildcards(t *testing.T) {
	b := NewBus(32)
	c := b.NewConnection("test")
	for topic, p := range map[string]Topic{"r0": T("a"), "r1": T("a", "b"), "r2": T("a", "b", "c"), "r3": T("a", "x")} {
		c.Publish(b.NewMessage(p, topic, true))
	}

	for _, tc := range []struct {
		pattern Topic
		want    []string
	}{
		{T("a", "#"), []string{"r0", "r1", "r2", "r3"}},
		{T("a", "+", "#"), []string{"r1", "r2", "r3"}},
		{T("a", "+"), []string{"r1", "r3"}},
	} {
		got := drain(t, c.Subscribe(tc.pattern), len(tc.want))
		sort.Strings(got)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%v (-want +got):\n%s", tc.pattern, diff)
		}
	}
}

func TestRetainedClearPrunes(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")
	c.Publish(b.NewMessage(T("a", "b"), "keep", true))
	c.Publish(b.NewMessage(T("a", "y"), "other", true))
	c.Publish(b.NewMessage(T("a", "b"), nil, true))

	got := drain(t, c.Subscribe(T("a", "#")), 1)
	if got[0] != "other" {
		t.Fatalf("got %v", got)
	}
	if _, ok := b.root.children["a"].children["b"]; ok {
		t.Fatal("cleared topic left an empty node")
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("x"))
	for _, p := range []string{"1", "2", "3"} {
		c.Publish(b.NewMessage(T("x"), p, false))
	}
	if got := drain(t, s, 2); got[0] != "2" || got[1] != "3" {
		t.Fatalf("got %v", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")
	s := c.Subscribe(T("x"))
	s.Unsubscribe()
	if _, ok := <-s.Channel(); ok {
		t.Fatal("channel still open")
	}
	c.Unsubscribe(s)
	c.Publish(b.NewMessage(T("x"), "late", false))

	s2 := c.Subscribe(T("y", "+"))
	c.Disconnect()
	if _, ok := <-s2.Channel(); ok {
		t.Fatal("Disconnect left a channel open")
	}
	if len(b.root.children) != 0 {
		t.Fatalf("trie not pruned: %v", b.root.children)
	}
}

func TestRequestWait(t *testing.T) {
	b := NewBus(8)
	req := b.NewConnection("requester")
	resp := b.NewConnection("responder")
	defer resp.Disconnect()

	in := resp.Subscribe(T("hal", "stats", "get"))
	go func() {
		if m, ok := <-in.Channel(); ok {
			resp.Reply(m, "OK", false)
		}
	}()

	msg := b.NewMessage(T("hal", "stats", "get"), nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := req.RequestWait(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Payload != "OK" || !reply.Topic.Equal(msg.ReplyTo) {
		t.Fatalf("reply %+v", reply)
	}
}

func TestRequestWaitTimesOut(t *testing.T) {
	b := NewBus(8)
	c := b.NewConnection("requester")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.RequestWait(ctx, b.NewMessage(T("nobody"), nil, false)); err != context.DeadlineExceeded {
		t.Fatalf("got %v", err)
	}
}

func expectPayload(t *testing.T, sub *Subscription, want string) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		if s, ok := got.Payload.(string); !ok || s != want {
			t.Fatalf("payload %v, want %q", got.Payload, want)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case got := <-sub.Channel():
		t.Fatalf("unexpected message: %#v", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func drain(t *testing.T, sub *Subscription, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		select {
		case m := <-sub.Channel():
			out = append(out, m.Payload.(string))
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("got %d of %d messages: %v", len(out), n, out)
		}
	}
	return out
}
