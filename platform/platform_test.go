package platform

import (
	"context"
	"testing"
	"time"

	"periphcore-go/bus"
	"periphcore-go/config"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/irq"
	"periphcore-go/logging"
)

func devkit(t *testing.T, loopback bool) (*Board, *Sim, *irq.Registry) {
	t.Helper()
	cfg, err := config.Embedded("sim-devkit")
	if err != nil {
		t.Fatal(err)
	}
	reg := irq.NewRegistry()
	s := NewSim(cfg, reg, loopback)
	b, err := Build(cfg, s, reg, logging.NewTestLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return b, s, reg
}

func TestBuildBringsUpDevkit(t *testing.T) {
	b, s, reg := devkit(t, false)

	if _, ok := reg.Lookup(21); !ok {
		t.Fatal("uart0 source not claimed")
	}
	if _, ok := reg.Lookup(24); !ok {
		t.Fatal("i2c0 source not claimed")
	}
	if !s.AHT20["env"].Calibrated() {
		t.Fatal("aht20 not initialised")
	}
	if len(b.Sensors) != 1 || len(b.SPIs) != 1 || len(b.Ethernet) != 1 {
		t.Fatalf("sensors %d spis %d eth %d", len(b.Sensors), len(b.SPIs), len(b.Ethernet))
	}
	cs := hw.PinBinding{Port: 0, Pin: 3}
	if !s.ReadPin(cs) {
		t.Fatal("chip select not idle high")
	}

	smp, err := b.Sensors["env"].Read()
	if err != nil {
		t.Fatal(err)
	}
	if smp.DeciCelsius() != 215 || smp.DeciRelHumidity() != 400 {
		t.Fatalf("sample %d %d", smp.DeciCelsius(), smp.DeciRelHumidity())
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Lookup(21); ok {
		t.Fatal("uart0 source still claimed after Close")
	}
}

func TestBuildFailsOnMissingBlock(t *testing.T) {
	cfg, err := config.Embedded("sim-devkit")
	if err != nil {
		t.Fatal(err)
	}
	reg := irq.NewRegistry()
	// A chip laid out without the I2C bus.
	bare := *cfg
	bare.I2Cs = nil
	s := NewSim(&bare, reg, false)

	_, err = Build(cfg, s, reg, logging.NewTestLogger(t))
	if !errcode.Is(err, errcode.UnknownBus) {
		t.Fatalf("err %v", err)
	}
	if _, ok := reg.Lookup(21); ok {
		t.Fatal("uart0 left claimed after failed build")
	}
}

func TestServeBridgesDevkit(t *testing.T) {
	b, s, _ := devkit(t, true)
	bs := bus.NewBus(16)
	client := bs.NewConnection("client")
	state := client.Subscribe(bus.T("hal", "state"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, bs, ServeOptions{Logger: logging.NewTestLogger(t)}) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Error(err)
		}
	})

	select {
	case <-state.Channel():
	case <-time.After(time.Second):
		t.Fatal("hal never ready")
	}

	request := func(topic bus.Topic, payload any) map[string]any {
		t.Helper()
		rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
		defer rcancel()
		m, err := client.RequestWait(rctx, client.NewMessage(topic, payload, false))
		if err != nil {
			t.Fatalf("%s: %v", topic, err)
		}
		return m.Payload.(map[string]any)
	}
	recv := func(sub *bus.Subscription) map[string]any {
		t.Helper()
		select {
		case m := <-sub.Channel():
			return m.Payload.(map[string]any)
		case <-time.After(time.Second):
			t.Fatalf("nothing on %s", sub.Topic())
			return nil
		}
	}

	// UART: write loops back into the line reader and is echoed.
	rx := client.Subscribe(bus.T("hal", "uart", "uart0", "rx"))
	tx := client.Subscribe(bus.T("hal", "uart", "uart0", "tx"))
	if r := request(bus.T("hal", "uart", "uart0", "write"), "ping\r\n"); r["ok"] != true {
		t.Fatalf("write: %v", r)
	}
	if got := recv(tx)["data"]; got != "ping\r\n" {
		t.Fatalf("tx %q", got)
	}
	if got := recv(rx)["data"]; got != "ping" {
		t.Fatalf("rx %q", got)
	}

	// Output.
	if r := request(bus.T("hal", "gpio", "led", "set"), true); r["level"] != 1 {
		t.Fatalf("led: %v", r)
	}
	if !s.ReadPin(hw.PinBinding{Port: 5, Pin: 1}) {
		t.Fatal("led pin low")
	}

	// Active-low button on PF4.
	button := hw.PinBinding{Port: 5, Pin: 4}
	events := client.Subscribe(bus.T("hal", "gpio", "button", "event"))
	s.Drive(button, true)
	s.Drive(button, false)
	ev := recv(events)
	if ev["edge"] != "falling" || ev["level"] != 1 {
		t.Fatalf("button %v", ev)
	}

	// Sensor on demand.
	r := request(bus.T("hal", "sensor", "env", "read"), nil)
	v := r["value"].(map[string]any)
	if v["deci_celsius"] != int32(215) || v["deci_rh"] != int32(400) {
		t.Fatalf("sensor %v", r)
	}

	// SPI loops MOSI back to MISO in the simulator.
	r = request(bus.T("hal", "spi", "ssi0", "xfer"), []byte{0x5A, 0xA5})
	if got, _ := r["rx"].([]byte); string(got) != "\x5a\xa5" {
		t.Fatalf("spi %v", r)
	}

	frames := client.Subscribe(bus.T("hal", "eth", "eth0", "rx"))
	if r := request(bus.T("hal", "eth", "eth0", "send"), "frame"); r["ok"] != true {
		t.Fatalf("eth: %v", r)
	}
	if got, _ := recv(frames)["frame"].([]byte); string(got) != "frame" {
		t.Fatalf("eth rx %q", got)
	}
}
