// Package bridge mirrors local bus traffic to a peer over a byte link such
// as a serial line, and publishes what the peer sends under remote/.
//
// The service waits for its settings on config/bridge and supervises one
// link at a time, redialling with backoff when it drops. Its state is
// retained on bridge/state.
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"periphcore-go/bus"
	"periphcore-go/errcode"
	"periphcore-go/logging"
)

// RemotePrefix is the first level of every topic received from the peer.
// Messages under it are never forwarded back.
const RemotePrefix = "remote"

var (
	TopicConfig = bus.T("config", "bridge")
	TopicState  = bus.T("bridge", "state")
)

// Config arrives on config/bridge.
type Config struct {
	Device  string        `mapstructure:"device"`
	Baud    int           `mapstructure:"baud"`
	Forward []string      `mapstructure:"forward"` // local patterns sent to the peer; default hal/#
	Ping    time.Duration `mapstructure:"ping"`    // 0 means 5s
}

// Dialer opens the link described by cfg.
type Dialer func(ctx context.Context, cfg Config) (io.ReadWriteCloser, error)

type Service struct {
	conn *bus.Connection
	dial Dialer
	log  *zap.Logger

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

func New(conn *bus.Connection, dial Dialer, logger *zap.Logger) *Service {
	return &Service{conn: conn, dial: dial, log: logging.OrNop(logger).Named("bridge")}
}

// Sent, Received and Dropped count pub frames since New.
func (s *Service) Sent() uint64     { return s.sent.Load() }
func (s *Service) Received() uint64 { return s.received.Load() }
func (s *Service) Dropped() uint64  { return s.dropped.Load() }

// Run blocks until ctx is done. A new config replaces the running link; a
// cleared config stops it.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(TopicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	stop := func() {}
	var done chan struct{}
	halt := func() {
		stop()
		if done != nil {
			<-done
			done = nil
		}
	}
	defer halt()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			halt()
			if msg.Payload == nil {
				s.publishState("idle", "awaiting_config", nil)
				continue
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			lctx, cancel := context.WithCancel(ctx)
			stop = cancel
			done = make(chan struct{})
			go func(d chan struct{}) {
				defer close(d)
				s.runLink(lctx, cfg)
			}(done)
		}
	}
}

func (s *Service) runLink(ctx context.Context, cfg Config) {
	if s.dial == nil {
		s.publishState("error", "no_dialer", nil)
		return
	}
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for ctx.Err() == nil {
		rwc, err := s.dial(ctx, cfg)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "dial_failed_retrying", errors.Wrapf(err, "retry in %s", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		err = s.handleLink(ctx, rwc, cfg)
		_ = rwc.Close()
		if err == nil {
			if ctx.Err() == nil {
				s.publishState("down", "peer_closed", nil)
			}
			return
		}
		delay := backoff()
		s.publishState("degraded", "link_lost_retrying", errors.Wrapf(err, "retry in %s", delay))
		if !sleep(ctx, delay) {
			return
		}
	}
}

type wireMsg struct {
	Topic    string `json:"topic"`
	Payload  any    `json:"payload"`
	Retained bool   `json:"retained,omitempty"`
}

// handleLink returns nil when ctx ends or the peer closes cleanly.
func (s *Service) handleLink(ctx context.Context, rwc io.ReadWriter, cfg Config) error {
	rd := newFramedReader(rwc)
	wr := newFramedWriter(rwc)

	out := make(chan *bus.Message, 32)
	for _, f := range cfg.Forward {
		sub := s.conn.Subscribe(bus.T(strings.Split(f, "/")...))
		defer s.conn.Unsubscribe(sub)
		go func() {
			for m := range sub.Channel() {
				select {
				case out <- m:
				default:
					s.dropped.Inc()
				}
			}
		}()
	}

	s.publishState("up", "link_established", nil)

	errCh := make(chan error, 1)
	go func() {
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePing:
				if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
					errCh <- err
					return
				}
			case framePong:
			case framePub:
				s.inbound(f.Payload)
			case frameClose:
				errCh <- nil
				return
			default:
				s.log.Debug("unknown frame", zap.Uint8("type", f.Type))
			}
		}
	}()

	tick := time.NewTicker(cfg.Ping)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return nil
		case err := <-errCh:
			return err
		case <-tick.C:
			if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
				return err
			}
		case m := <-out:
			if len(m.Topic) > 0 && m.Topic[0] == RemotePrefix {
				continue
			}
			b, err := json.Marshal(wireMsg{Topic: m.Topic.String(), Payload: m.Payload, Retained: m.Retained})
			if err != nil {
				s.log.Warn("unencodable payload", zap.Stringer("topic", m.Topic), zap.Error(err))
				s.dropped.Inc()
				continue
			}
			if err := wr.WriteFrame(Frame{Type: framePub, Payload: b}); err != nil {
				return err
			}
			s.sent.Inc()
		}
	}
}

func (s *Service) inbound(p []byte) {
	var w wireMsg
	if err := json.Unmarshal(p, &w); err != nil || w.Topic == "" {
		s.log.Warn("bad pub frame", zap.Error(err))
		s.dropped.Inc()
		return
	}
	t := append(bus.T(RemotePrefix), strings.Split(w.Topic, "/")...)
	s.conn.Publish(s.conn.NewMessage(t, w.Payload, w.Retained))
	s.received.Inc()
}

// ---- framing ----

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameClose byte = 0x7f
)

const maxFramePayload = 0xFFFF

// Frame is a type byte, a big-endian 16-bit length and the payload.
type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct{ r io.Reader }

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(hdr[1])<<8 | int(hdr[2])
	f := Frame{Type: hdr[0]}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(fr.r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// framedWriter is shared by the pong responder and the main loop.
type framedWriter struct {
	w  io.Writer
	mu chan struct{}
}

func newFramedWriter(w io.Writer) *framedWriter {
	return &framedWriter{w: w, mu: make(chan struct{}, 1)}
}

// WriteFrame sends header and payload in one Write so concurrent frames
// never interleave.
func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > maxFramePayload {
		return errors.Wrapf(errcode.InvalidParams, "frame of %d bytes", len(f.Payload))
	}
	buf := make([]byte, 3, 3+len(f.Payload))
	buf[0] = f.Type
	buf[1] = byte(len(f.Payload) >> 8)
	buf[2] = byte(len(f.Payload))
	buf = append(buf, f.Payload...)

	fw.mu <- struct{}{}
	defer func() { <-fw.mu }()
	_, err := fw.w.Write(buf)
	return err
}

// ---- helpers ----

func decodeConfig(p any) (Config, error) {
	var m map[string]any
	switch v := p.(type) {
	case map[string]any:
		m = v
	case string:
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return Config{}, errors.Wrap(err, "bridge config")
		}
	case []byte:
		if err := json.Unmarshal(v, &m); err != nil {
			return Config{}, errors.Wrap(err, "bridge config")
		}
	default:
		return Config{}, errors.Wrapf(errcode.InvalidParams, "bridge config payload %T", p)
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(m); err != nil {
		return Config{}, errors.Wrap(err, "bridge config")
	}
	if cfg.Device == "" {
		return Config{}, errors.Wrap(errcode.InvalidParams, "bridge config: no device")
	}
	if len(cfg.Forward) == 0 {
		cfg.Forward = []string{"hal/#"}
	}
	if cfg.Ping <= 0 {
		cfg.Ping = 5 * time.Second
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,
		"status": status,
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
		s.log.Warn(status, zap.Error(err))
	} else {
		s.log.Debug(status)
	}
	s.conn.Publish(s.conn.NewMessage(TopicState, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
