package hal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"periphcore-go/bus"
	"periphcore-go/drivers/aht20"
	"periphcore-go/drivers/ethernet"
	"periphcore-go/drivers/gpio"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/hw/sim"
	"periphcore-go/irq"
	"periphcore-go/logging"
	"periphcore-go/services/gpioirq"
	"periphcore-go/services/uartio"
)

type fakeOut struct{ level bool }

func (o *fakeOut) Set(high bool) { o.level = high }
func (o *fakeOut) Status() bool  { return o.level }
func (o *fakeOut) Toggle()       { o.level = !o.level }

type fakeWriter struct {
	mu  sync.Mutex
	got []byte
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, p...)
	return len(p), nil
}

type fakeSensor struct {
	s   aht20.Sample
	err error
}

func (f *fakeSensor) Read() (aht20.Sample, error) { return f.s, f.err }

// fakeSPI returns each byte inverted and records chip select.
type fakeSPI struct {
	selected, deselected int
}

func (f *fakeSPI) Select()   { f.selected++ }
func (f *fakeSPI) Deselect() { f.deselected++ }

func (f *fakeSPI) Tx(w, r []byte) error {
	for i := range r {
		r[i] = ^w[i]
	}
	return nil
}

func start(t *testing.T, cfg Config) *bus.Connection {
	t.Helper()
	b := bus.NewBus(16)
	cfg.Logger = logging.NewTestLogger(t)
	svc := New(b.NewConnection("hal"), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := b.NewConnection("client")
	st := client.Subscribe(bus.T(Prefix, "state"))
	defer client.Unsubscribe(st)
	recv(t, st)
	return client
}

func recv(t *testing.T, sub *bus.Subscription) *bus.Message {
	t.Helper()
	select {
	case m := <-sub.Channel():
		return m
	case <-time.After(time.Second):
		t.Fatalf("nothing on %s", sub.Topic())
		return nil
	}
}

func request(t *testing.T, c *bus.Connection, topic bus.Topic, payload any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := c.RequestWait(ctx, c.NewMessage(topic, payload, false))
	if err != nil {
		t.Fatalf("%s: %v", topic, err)
	}
	return m.Payload.(map[string]any)
}

func TestOutputSet(t *testing.T) {
	led := &fakeOut{}
	c := start(t, Config{Outputs: map[string]Output{"led": led}})
	set := bus.T(Prefix, "gpio", "led", "set")

	if r := request(t, c, set, true); r["ok"] != true || r["level"] != 1 || !led.level {
		t.Fatalf("set true: %v", r)
	}
	if r := request(t, c, set, "toggle"); r["level"] != 0 {
		t.Fatalf("toggle: %v", r)
	}
	if r := request(t, c, set, map[string]any{"level": 1.0}); r["level"] != 1 {
		t.Fatalf("map level: %v", r)
	}
	if r := request(t, c, set, 7.0); r["ok"] != false || r["code"] != string(errcode.InvalidParams) {
		t.Fatalf("bad level: %v", r)
	}
	if r := request(t, c, bus.T(Prefix, "gpio", "nope", "set"), true); r["code"] != string(errcode.UnknownPin) {
		t.Fatalf("unknown output: %v", r)
	}

	st := c.Subscribe(bus.T(Prefix, "gpio", "led", "state"))
	if m := recv(t, st); m.Payload.(map[string]any)["level"] != 1 {
		t.Fatalf("retained state %v", m.Payload)
	}
}

func TestWriteEchoes(t *testing.T) {
	w := &fakeWriter{}
	uw := uartio.New(8, nil)
	c := start(t, Config{
		UART:    uw,
		Writers: map[string]Writer{"uart0": w},
		EchoTX:  map[string]bool{"uart0": true},
	})
	tx := c.Subscribe(bus.T(Prefix, "uart", "uart0", "tx"))

	if r := request(t, c, bus.T(Prefix, "uart", "uart0", "write"), "AT\r\n"); r["ok"] != true || r["n"] != 4 {
		t.Fatalf("write: %v", r)
	}
	if got := recv(t, tx).Payload.(map[string]any)["data"]; got != "AT\r\n" {
		t.Fatalf("echo %q", got)
	}
	w.mu.Lock()
	if string(w.got) != "AT\r\n" {
		t.Fatalf("wrote %q", w.got)
	}
	w.mu.Unlock()

	if r := request(t, c, bus.T(Prefix, "uart", "uart0", "write"), 12.0); r["code"] != string(errcode.InvalidParams) {
		t.Fatalf("bad payload: %v", r)
	}
}

func TestSensorReadOnDemand(t *testing.T) {
	good := &fakeSensor{s: aht20.Sample{RawHumidity: 0x80000, RawTemp: 0x60000}}
	bad := &fakeSensor{err: aht20.ErrTimeout}
	c := start(t, Config{Sensors: map[string]Sensor{"env": good, "dead": bad}})

	vals := c.Subscribe(bus.T(Prefix, "sensor", "env", "value"))
	r := request(t, c, bus.T(Prefix, "sensor", "env", "read"), nil)
	want := map[string]any{"deci_celsius": int32(250), "deci_rh": int32(500)}
	got := r["value"].(map[string]any)
	delete(got, "ts_ms")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("value (-want +got):\n%s", diff)
	}
	recv(t, vals)

	if r := request(t, c, bus.T(Prefix, "sensor", "dead", "read"), nil); r["code"] != string(errcode.Wedged) {
		t.Fatalf("dead sensor: %v", r)
	}
	st := c.Subscribe(bus.T(Prefix, "sensor", "dead", "state"))
	if m := recv(t, st); m.Payload.(map[string]any)["link"] != "degraded" {
		t.Fatalf("state %v", m.Payload)
	}
	if r := request(t, c, bus.T(Prefix, "sensor", "ghost", "read"), nil); r["code"] != string(errcode.UnknownBus) {
		t.Fatalf("unknown sensor: %v", r)
	}
}

func TestPeriodicSampling(t *testing.T) {
	c := start(t, Config{
		Sensors:      map[string]Sensor{"env": &fakeSensor{}},
		SamplePeriod: 5 * time.Millisecond,
	})
	vals := c.Subscribe(bus.T(Prefix, "sensor", "env", "value"))
	recv(t, vals)
	recv(t, vals)
}

func TestInputEdgesPublished(t *testing.T) {
	const portSrc irq.Source = 16
	pin := hw.PinBinding{Port: 5, Pin: 4, Edge: hw.EdgeFalling}
	reg := irq.NewRegistry()
	soc := sim.New(reg.Dispatch)
	port := soc.AddGPIOPort(pin.Port, portSrc)
	soc.SetVector(portSrc, gpio.PortVector(reg, pin.Port, port))
	in, err := gpio.NewIn(gpio.InConfig{Name: "button", Pin: pin, PortSource: portSrc}, soc, port, reg)
	if err != nil {
		t.Fatal(err)
	}
	soc.Drive(pin, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := gpioirq.New(8, 8, nil)
	gw.Start(ctx)
	if _, err := gw.RegisterInput(gpioirq.InputCfg{DevID: "button", In: in, Edge: hw.EdgeFalling}); err != nil {
		t.Fatal(err)
	}

	c := start(t, Config{GPIO: gw})
	events := c.Subscribe(bus.T(Prefix, "gpio", bus.SingleLevel, "event"))
	soc.Drive(pin, false)

	m := recv(t, events)
	if !m.Topic.Equal(bus.T(Prefix, "gpio", "button", "event")) {
		t.Fatalf("topic %s", m.Topic)
	}
	p := m.Payload.(map[string]any)
	if p["edge"] != "falling" || p["level"] != 0 {
		t.Fatalf("payload %v", p)
	}
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in        any
		level, ok bool
	}{
		{true, true, true},
		{0.0, false, true},
		{1, true, true},
		{2.0, true, false},
		{map[string]any{"level": false}, false, true},
		{"on", false, false},
	} {
		level, ok := parseLevel(tc.in)
		if level != tc.level || ok != tc.ok {
			t.Fatalf("%v: %t %t", tc.in, level, ok)
		}
	}
}

func TestSPIXfer(t *testing.T) {
	dev := &fakeSPI{}
	c := start(t, Config{SPIs: map[string]Transceiver{"ssi0": dev}})

	r := request(t, c, bus.T(Prefix, "spi", "ssi0", "xfer"), []byte{0x00, 0xF0})
	if diff := cmp.Diff([]byte{0xFF, 0x0F}, r["rx"]); diff != "" {
		t.Fatalf("rx (-want +got):\n%s", diff)
	}
	if dev.selected != 1 || dev.deselected != 1 {
		t.Fatalf("cs %d/%d", dev.selected, dev.deselected)
	}
	if r := request(t, c, bus.T(Prefix, "spi", "ssi0", "xfer"), ""); r["code"] != string(errcode.InvalidParams) {
		t.Fatalf("empty xfer: %v", r)
	}
}

func TestEthernetLoopback(t *testing.T) {
	lb := ethernet.NewLoopback()
	lb.MaxLen = 64
	nic := ethernet.New(lb, nil)
	if err := nic.Init(ethernet.MAC{2, 0, 0, 0, 0, 1}); err != nil {
		t.Fatal(err)
	}
	c := start(t, Config{NICs: map[string]NIC{"eth0": nic}})
	rx := c.Subscribe(bus.T(Prefix, "eth", "eth0", "rx"))

	frame := []byte("\xff\xff\xff\xff\xff\xffhello")
	if r := request(t, c, bus.T(Prefix, "eth", "eth0", "send"), frame); r["ok"] != true || r["len"] != len(frame) {
		t.Fatalf("send: %v", r)
	}
	if diff := cmp.Diff(frame, recv(t, rx).Payload.(map[string]any)["frame"]); diff != "" {
		t.Fatalf("frame (-want +got):\n%s", diff)
	}

	if r := request(t, c, bus.T(Prefix, "eth", "eth0", "send"), make([]byte, 65)); r["code"] != string(errcode.InvalidParams) {
		t.Fatalf("oversize: %v", r)
	}
	if st := nic.Stats(); st.SentFrames != 1 || st.ReceivedFrames != 1 || st.SentFramesError != 1 {
		t.Fatalf("stats %+v", st)
	}
}
