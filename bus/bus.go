// Package bus is an in-process publish/subscribe fabric with MQTT-style
// topics.
//
// A subscription pattern may use "+" for exactly one level and a trailing
// "#" for any number of levels, including none. Retained messages are kept
// per concrete topic and replayed to matching subscribers when they join.
// Subscriber queues are bounded; when one is full the oldest message is
// dropped.
package bus

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/atomic"
)

const (
	SingleLevel = "+"
	MultiLevel  = "#"
)

// Topic is a sequence of levels.
type Topic []string

// T builds a Topic from its levels.
func T(levels ...string) Topic { return Topic(levels) }

func (t Topic) String() string { return strings.Join(t, "/") }

// Equal reports whether t and o have the same levels.
func (t Topic) Equal(o Topic) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool // a retained message with nil Payload clears the topic
	ReplyTo  Topic
}

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// node is shared by subscription patterns and retained topics.
type node struct {
	children map[string]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(level string, create bool) *node {
	c := n.children[level]
	if c == nil && create {
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		c = &node{}
		n.children[level] = c
	}
	return c
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0 && n.retained == nil
}

// match appends the subscriptions whose pattern matches rest.
func (n *node) match(rest Topic, out []*Subscription) []*Subscription {
	if c := n.children[MultiLevel]; c != nil {
		out = append(out, c.subs...)
	}
	if len(rest) == 0 {
		return append(out, n.subs...)
	}
	if c := n.children[rest[0]]; c != nil {
		out = c.match(rest[1:], out)
	}
	if c := n.children[SingleLevel]; c != nil {
		out = c.match(rest[1:], out)
	}
	return out
}

// retainedFor appends the retained messages selected by pattern.
func (n *node) retainedFor(pattern Topic, out []*Message) []*Message {
	if len(pattern) == 0 {
		if n.retained != nil {
			out = append(out, n.retained)
		}
		return out
	}
	switch pattern[0] {
	case MultiLevel:
		return n.allRetained(out)
	case SingleLevel:
		for _, c := range n.children {
			out = c.retainedFor(pattern[1:], out)
		}
	default:
		if c := n.children[pattern[0]]; c != nil {
			out = c.retainedFor(pattern[1:], out)
		}
	}
	return out
}

func (n *node) allRetained(out []*Message) []*Message {
	if n.retained != nil {
		out = append(out, n.retained)
	}
	for _, c := range n.children {
		out = c.allRetained(out)
	}
	return out
}

type Bus struct {
	mu   sync.Mutex
	root *node
	qLen int
	seq  atomic.Uint64
}

// NewBus creates a bus whose subscriptions queue up to queueLen messages.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// Publish stores or clears a retained message, then delivers msg to every
// matching subscription.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.Retained {
		b.retain(msg)
	}
	for _, s := range b.root.match(msg.Topic, nil) {
		deliver(s.ch, msg)
	}
}

func (b *Bus) retain(msg *Message) {
	if msg.Payload != nil {
		n := b.root
		for _, l := range msg.Topic {
			n = n.child(l, true)
		}
		n.retained = msg
		return
	}
	path := []*node{b.root}
	for _, l := range msg.Topic {
		c := path[len(path)-1].child(l, false)
		if c == nil {
			return
		}
		path = append(path, c)
	}
	path[len(path)-1].retained = nil
	b.prune(path, msg.Topic)
}

// prune removes empty nodes along path, deepest first.
func (b *Bus) prune(path []*node, topic Topic) {
	for i := len(topic) - 1; i >= 0; i-- {
		if !path[i+1].empty() {
			return
		}
		delete(path[i].children, topic[i])
	}
}

func deliver(ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

func (b *Bus) subscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, l := range sub.topic {
		n = n.child(l, true)
	}
	n.subs = append(n.subs, sub)
	for _, m := range b.root.retainedFor(sub.topic, nil) {
		deliver(sub.ch, m)
	}
}

// unsubscribe detaches sub and closes its channel. It reports false when
// sub was already gone.
func (b *Bus) unsubscribe(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := []*node{b.root}
	for _, l := range sub.topic {
		c := path[len(path)-1].child(l, false)
		if c == nil {
			return false
		}
		path = append(path, c)
	}
	n := path[len(path)-1]
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			close(sub.ch)
			b.prune(path, sub.topic)
			return true
		}
	}
	return false
}

// Connection groups the subscriptions of one client so they can be
// released together.
type Connection struct {
	bus *Bus
	id  string

	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan *Message, c.bus.qLen), conn: c}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.bus.subscribe(sub)
	return sub
}

// Unsubscribe is idempotent.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.bus.unsubscribe(sub)
}

// Disconnect releases every subscription of the connection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		c.bus.unsubscribe(s)
	}
}

// Request subscribes to a fresh reply topic, stamps it into msg.ReplyTo and
// publishes msg. The caller owns the returned subscription.
func (c *Connection) Request(msg *Message) *Subscription {
	msg.ReplyTo = T("_reply", c.id, strconv.FormatUint(c.bus.seq.Inc(), 10))
	sub := c.Subscribe(msg.ReplyTo)
	c.Publish(msg)
	return sub
}

// RequestWait is Request followed by a wait for the first reply.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-sub.Channel():
		return m, nil
	}
}

// Reply publishes payload on req.ReplyTo. Requests without a reply topic
// are ignored.
func (c *Connection) Reply(req *Message, payload any, retained bool) {
	if len(req.ReplyTo) == 0 {
		return
	}
	c.Publish(c.NewMessage(req.ReplyTo, payload, retained))
}
