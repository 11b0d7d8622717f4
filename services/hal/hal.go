// Package hal puts the board's drivers on the bus.
//
// Topics, with <id> the device id from the board config:
//
//	hal/state                 retained service state
//	hal/gpio/<id>/event       input edges
//	hal/gpio/<id>/state       retained level of inputs and outputs
//	hal/gpio/<id>/set         request: true, false, 0, 1 or "toggle"
//	hal/uart/<id>/rx          received chunks or lines
//	hal/uart/<id>/tx          echoed writes
//	hal/uart/<id>/write       request: string or []byte
//	hal/sensor/<id>/value     samples, periodic and on demand
//	hal/sensor/<id>/state     retained link state
//	hal/sensor/<id>/read      request: sample now
//	hal/spi/<id>/xfer         request: bytes to clock out; reply carries rx
//	hal/eth/<id>/send         request: one frame
//	hal/eth/<id>/rx           received frames
//
// Requests are answered on their reply topic with {"ok": true, ...} or
// {"ok": false, "error": ..., "code": ...}.
package hal

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"periphcore-go/bus"
	"periphcore-go/drivers/aht20"
	"periphcore-go/errcode"
	"periphcore-go/irq"
	"periphcore-go/logging"
	"periphcore-go/services/gpioirq"
	"periphcore-go/services/uartio"
)

const Prefix = "hal"

// Output is satisfied by *gpio.Out.
type Output interface {
	Set(high bool)
	Status() bool
	Toggle()
}

// Writer is satisfied by *uart.UART.
type Writer interface {
	Write(p []byte) (int, error)
}

// Sensor is satisfied by *aht20.Device.
type Sensor interface {
	Read() (aht20.Sample, error)
}

// Transceiver is satisfied by *spi.SPI.
type Transceiver interface {
	Select()
	Deselect()
	Tx(w, r []byte) error
}

// NIC is satisfied by *ethernet.Ethernet.
type NIC interface {
	SetCallback(cb irq.Callback)
	ClearCallback()
	TransmitFrame(frame []byte) error
	ReceiveFrame(buf []byte) (int, error)
}

// maxFrame bounds received Ethernet frames.
const maxFrame = 1522

type Config struct {
	GPIO         *gpioirq.Worker
	UART         *uartio.Worker
	Outputs      map[string]Output
	Writers      map[string]Writer
	EchoTX       map[string]bool
	Sensors      map[string]Sensor
	SPIs         map[string]Transceiver
	NICs         map[string]NIC
	SamplePeriod time.Duration // 0 samples on demand only
	Logger       *zap.Logger
}

type Service struct {
	cfg      Config
	conn     *bus.Connection
	log      *zap.Logger
	samplers map[string]*sampler
}

type sampler struct {
	id     string
	sensor Sensor
	reqs   chan *bus.Message
}

func New(conn *bus.Connection, cfg Config) *Service {
	s := &Service{
		cfg:      cfg,
		conn:     conn,
		log:      logging.OrNop(cfg.Logger).Named("hal"),
		samplers: map[string]*sampler{},
	}
	for id, sn := range cfg.Sensors {
		s.samplers[id] = &sampler{id: id, sensor: sn, reqs: make(chan *bus.Message, 4)}
	}
	return s
}

// Run serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sm := range s.samplers {
		sm := sm
		g.Go(func() error {
			s.sample(gctx, sm)
			return nil
		})
	}
	for id, n := range s.cfg.NICs {
		id, n := id, n
		wake := make(chan struct{}, 1)
		n.SetCallback(irq.Func(func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		}))
		g.Go(func() error {
			defer n.ClearCallback()
			s.receive(gctx, id, n, wake)
			return nil
		})
	}
	g.Go(func() error { return s.loop(gctx) })
	return g.Wait()
}

func (s *Service) loop(ctx context.Context) error {
	setSub := s.conn.Subscribe(bus.T(Prefix, "gpio", bus.SingleLevel, "set"))
	writeSub := s.conn.Subscribe(bus.T(Prefix, "uart", bus.SingleLevel, "write"))
	readSub := s.conn.Subscribe(bus.T(Prefix, "sensor", bus.SingleLevel, "read"))
	xferSub := s.conn.Subscribe(bus.T(Prefix, "spi", bus.SingleLevel, "xfer"))
	sendSub := s.conn.Subscribe(bus.T(Prefix, "eth", bus.SingleLevel, "send"))
	defer s.conn.Unsubscribe(setSub)
	defer s.conn.Unsubscribe(writeSub)
	defer s.conn.Unsubscribe(readSub)
	defer s.conn.Unsubscribe(xferSub)
	defer s.conn.Unsubscribe(sendSub)

	var gpioEv <-chan gpioirq.Event
	if s.cfg.GPIO != nil {
		gpioEv = s.cfg.GPIO.Events()
	}
	var uartEv <-chan uartio.Event
	if s.cfg.UART != nil {
		uartEv = s.cfg.UART.Events()
	}

	for id, o := range s.cfg.Outputs {
		s.pubRet(bus.T(Prefix, "gpio", id, "state"), map[string]any{"level": boolToInt(o.Status())})
	}
	s.publishState("ready", nil)

	for {
		select {
		case <-ctx.Done():
			s.publishState("stopped", nil)
			return nil

		case ev := <-gpioEv:
			ts := ev.TS.UnixMilli()
			s.conn.Publish(s.conn.NewMessage(bus.T(Prefix, "gpio", ev.DevID, "event"),
				map[string]any{"edge": ev.Edge.String(), "level": ev.Level, "ts_ms": ts}, false))
			s.pubRet(bus.T(Prefix, "gpio", ev.DevID, "state"), map[string]any{"level": ev.Level, "ts_ms": ts})

		case ev := <-uartEv:
			s.conn.Publish(s.conn.NewMessage(bus.T(Prefix, "uart", ev.DevID, string(ev.Dir)),
				map[string]any{"data": string(ev.Data), "ts_ms": ev.TS.UnixMilli()}, false))

		case msg := <-setSub.Channel():
			s.handleSet(msg)

		case msg := <-writeSub.Channel():
			s.handleWrite(msg)

		case msg := <-xferSub.Channel():
			s.handleXfer(msg)

		case msg := <-sendSub.Channel():
			s.handleSend(msg)

		case msg := <-readSub.Channel():
			sm, ok := s.samplers[msg.Topic[2]]
			if !ok {
				s.replyErr(msg, errcode.New(errcode.UnknownBus, "hal.read", msg.Topic[2]))
				continue
			}
			select {
			case sm.reqs <- msg:
			default:
				s.replyErr(msg, errcode.New(errcode.Busy, "hal.read", msg.Topic[2]))
			}
		}
	}
}

func (s *Service) handleSet(msg *bus.Message) {
	id := msg.Topic[2]
	o, ok := s.cfg.Outputs[id]
	if !ok {
		s.replyErr(msg, errcode.New(errcode.UnknownPin, "hal.set", id))
		return
	}
	if msg.Payload == "toggle" {
		o.Toggle()
	} else {
		level, ok := parseLevel(msg.Payload)
		if !ok {
			s.replyErr(msg, errcode.New(errcode.InvalidParams, "hal.set", "level must be bool, 0/1 or \"toggle\""))
			return
		}
		o.Set(level)
	}
	level := boolToInt(o.Status())
	s.pubRet(bus.T(Prefix, "gpio", id, "state"), map[string]any{"level": level, "ts_ms": time.Now().UnixMilli()})
	s.replyOK(msg, map[string]any{"level": level})
}

func (s *Service) handleWrite(msg *bus.Message) {
	id := msg.Topic[2]
	w, ok := s.cfg.Writers[id]
	if !ok {
		s.replyErr(msg, errcode.New(errcode.UnknownBus, "hal.write", id))
		return
	}
	data, ok := payloadBytes(msg.Payload)
	if !ok {
		s.replyErr(msg, errcode.New(errcode.InvalidParams, "hal.write", "payload must be string or bytes"))
		return
	}
	n, err := w.Write(data)
	if n > 0 && s.cfg.EchoTX[id] && s.cfg.UART != nil {
		s.cfg.UART.EmitTX(id, data[:n])
	}
	if err != nil {
		s.log.Warn("uart write", zap.String("dev", id), zap.Int("n", n), zap.Error(err))
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, map[string]any{"n": n})
}

func (s *Service) handleXfer(msg *bus.Message) {
	id := msg.Topic[2]
	t, ok := s.cfg.SPIs[id]
	if !ok {
		s.replyErr(msg, errcode.New(errcode.UnknownBus, "hal.xfer", id))
		return
	}
	w, ok := payloadBytes(msg.Payload)
	if !ok || len(w) == 0 {
		s.replyErr(msg, errcode.New(errcode.InvalidParams, "hal.xfer", "payload must be non-empty string or bytes"))
		return
	}
	r := make([]byte, len(w))
	t.Select()
	err := t.Tx(w, r)
	t.Deselect()
	if err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, map[string]any{"rx": r})
}

func (s *Service) handleSend(msg *bus.Message) {
	id := msg.Topic[2]
	n, ok := s.cfg.NICs[id]
	if !ok {
		s.replyErr(msg, errcode.New(errcode.UnknownBus, "hal.send", id))
		return
	}
	frame, ok := payloadBytes(msg.Payload)
	if !ok {
		s.replyErr(msg, errcode.New(errcode.InvalidParams, "hal.send", "payload must be string or bytes"))
		return
	}
	if err := n.TransmitFrame(frame); err != nil {
		s.replyErr(msg, err)
		return
	}
	s.replyOK(msg, map[string]any{"len": len(frame)})
}

// receive drains every pending frame after each device interrupt.
func (s *Service) receive(ctx context.Context, id string, n NIC, wake <-chan struct{}) {
	buf := make([]byte, maxFrame)
	topic := bus.T(Prefix, "eth", id, "rx")
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
		for {
			k, err := n.ReceiveFrame(buf)
			if errcode.Is(err, errcode.NoData) {
				break
			}
			if err != nil {
				s.log.Warn("eth receive", zap.String("dev", id), zap.Error(err))
				break
			}
			s.conn.Publish(s.conn.NewMessage(topic,
				map[string]any{"frame": append([]byte(nil), buf[:k]...), "ts_ms": time.Now().UnixMilli()}, false))
		}
	}
}

func (s *Service) sample(ctx context.Context, sm *sampler) {
	var tick <-chan time.Time
	if s.cfg.SamplePeriod > 0 {
		t := time.NewTicker(s.cfg.SamplePeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			s.measure(sm, nil)
		case req := <-sm.reqs:
			s.measure(sm, req)
		}
	}
}

func (s *Service) measure(sm *sampler, req *bus.Message) {
	smp, err := sm.sensor.Read()
	now := time.Now().UnixMilli()
	if err != nil {
		s.log.Warn("sensor read", zap.String("dev", sm.id), zap.Error(err))
		s.pubRet(bus.T(Prefix, "sensor", sm.id, "state"),
			map[string]any{"link": "degraded", "error": err.Error(), "ts_ms": now})
		if req != nil {
			s.replyErr(req, err)
		}
		return
	}
	val := map[string]any{
		"deci_celsius": smp.DeciCelsius(),
		"deci_rh":      smp.DeciRelHumidity(),
		"ts_ms":        now,
	}
	s.conn.Publish(s.conn.NewMessage(bus.T(Prefix, "sensor", sm.id, "value"), val, false))
	s.pubRet(bus.T(Prefix, "sensor", sm.id, "state"), map[string]any{"link": "up", "ts_ms": now})
	if req != nil {
		s.replyOK(req, map[string]any{"value": val})
	}
}

func (s *Service) publishState(level string, err error) {
	payload := map[string]any{"level": level, "ts_ms": time.Now().UnixMilli()}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.pubRet(bus.T(Prefix, "state"), payload)
}

func (s *Service) replyOK(req *bus.Message, extra map[string]any) {
	m := map[string]any{"ok": true}
	for k, v := range extra {
		m[k] = v
	}
	s.conn.Reply(req, m, false)
}

func (s *Service) replyErr(req *bus.Message, err error) {
	s.conn.Reply(req, map[string]any{"ok": false, "error": err.Error(), "code": string(errcode.Of(err))}, false)
}

func (s *Service) pubRet(t bus.Topic, p any) {
	s.conn.Publish(s.conn.NewMessage(t, p, true))
}

func payloadBytes(p any) ([]byte, bool) {
	switch v := p.(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	return nil, false
}

func parseLevel(p any) (bool, bool) {
	switch v := p.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, v == 0 || v == 1
	case int:
		return v != 0, v == 0 || v == 1
	case map[string]any:
		return parseLevel(v["level"])
	}
	return false, false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
