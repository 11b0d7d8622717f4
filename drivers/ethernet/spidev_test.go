package ethernet

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"

	"periphcore-go/drivers/gpio"
	"periphcore-go/drivers/spi"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/hw/sim"
	"periphcore-go/irq"
)

const (
	ssiSrc  irq.Source = 23
	portSrc irq.Source = 18
)

var (
	csPin  = hw.PinBinding{Port: 1, Pin: 3}
	intPin = hw.PinBinding{Port: 2, Pin: 6, Edge: hw.EdgeFalling}
)

type spiRig struct {
	soc *sim.SoC
	ssi *sim.SSI
	mac *sim.EthMAC
	dev *SPIDevice
}

// newSPIRig wires SPIDevice -> spi.SPI -> simulated SSI -> controller, with
// the controller's INT line on a falling-edge gpio.In.
func newSPIRig(t *testing.T) *spiRig {
	t.Helper()
	reg := irq.NewRegistry()
	soc := sim.New(reg.Dispatch)
	ssi := soc.AddSSI("ssi0", ssiSrc)
	port := soc.AddGPIOPort(intPin.Port, portSrc)
	soc.SetVector(portSrc, gpio.PortVector(reg, intPin.Port, port))
	mac := soc.AttachEthMAC(ssi, intPin)

	pins := spi.Pins{
		MISO: hw.PinBinding{Port: 1, Pin: 0},
		MOSI: hw.PinBinding{Port: 1, Pin: 1},
		CLK:  hw.PinBinding{Port: 1, Pin: 2},
	}
	s, err := spi.New(spi.Config{Name: "ssi0", Periph: 4, Source: ssiSrc, Baud: 4_000_000},
		soc, ssi, reg, pins, gpio.NewOut(soc, csPin, true))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enable(0); err != nil {
		t.Fatal(err)
	}
	dev := NewSPIDevice(s)

	in, err := gpio.NewIn(gpio.InConfig{Name: "eth-int", Pin: intPin, PortSource: portSrc}, soc, port, reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := in.SetCallback(irq.Bind(dev, (*SPIDevice).Interrupt)); err != nil {
		t.Fatal(err)
	}
	in.EnableInterrupts()
	return &spiRig{soc: soc, ssi: ssi, mac: mac, dev: dev}
}

func TestSPIDeviceThroughSPIDriver(t *testing.T) {
	r := newSPIRig(t)
	e := New(r.dev, nil)
	addr := MAC{0x02, 0, 0, 0, 0, 9}
	if err := e.Init(addr); err != nil {
		t.Fatal(err)
	}
	if r.mac.MAC() != [6]byte(addr) {
		t.Fatalf("controller mac %x", r.mac.MAC())
	}
	if diff := cmp.Diff([]uint32{0x01, 0x02, 0, 0, 0, 0, 9}, r.ssi.MOSI()); diff != "" {
		t.Fatalf("init command (-want +got):\n%s", diff)
	}

	var fired atomic.Int32
	e.SetCallback(irq.Func(func() { fired.Inc() }))

	for _, f := range []string{"frame-1", "frame-2"} {
		if err := e.TransmitFrame([]byte(f)); err != nil {
			t.Fatal(err)
		}
	}
	if r.mac.Sent() != 2 {
		t.Fatalf("controller accepted %d frames", r.mac.Sent())
	}
	// INT falls once when the receive queue becomes non-empty.
	if fired.Load() != 1 {
		t.Fatalf("interrupts %d", fired.Load())
	}
	if !r.soc.ReadPin(csPin) {
		t.Fatal("chip select left asserted")
	}

	buf := make([]byte, 64)
	for _, want := range []string{"frame-1", "frame-2"} {
		n, err := e.ReceiveFrame(buf)
		if err != nil || string(buf[:n]) != want {
			t.Fatalf("receive %q %v, want %q", buf[:n], err, want)
		}
	}
	if !r.soc.ReadPin(intPin) {
		t.Fatal("INT still asserted with the queue drained")
	}
	if _, err := e.ReceiveFrame(buf); !errcode.Is(err, errcode.NoData) {
		t.Fatalf("empty receive: %v", err)
	}

	if err := e.TransmitFrame([]byte("frame-3")); err != nil {
		t.Fatal(err)
	}
	if fired.Load() != 2 {
		t.Fatalf("interrupts after refill %d", fired.Load())
	}
	if _, err := e.ReceiveFrame(make([]byte, 2)); !errcode.Is(err, errcode.InvalidParams) {
		t.Fatalf("short buffer: %v", err)
	}
	if n, err := e.ReceiveFrame(buf); err != nil || string(buf[:n]) != "frame-3" {
		t.Fatalf("frame left queued after short read: %q %v", buf[:n], err)
	}

	want := Stats{SentFrames: 3, ReceivedFrames: 3, ReceivedFramesError: 1}
	if diff := cmp.Diff(want, e.Stats()); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
}

func TestSPIDeviceNeedsInit(t *testing.T) {
	r := newSPIRig(t)
	if err := r.dev.TransmitFrame([]byte{1}); !errcode.Is(err, errcode.NotEnabled) {
		t.Fatalf("transmit: %v", err)
	}
	if _, err := r.dev.ReceiveFrame(make([]byte, 8)); !errcode.Is(err, errcode.NotEnabled) {
		t.Fatalf("receive: %v", err)
	}
	if r.ssi.Words() != 0 {
		t.Fatalf("%d words clocked before init", r.ssi.Words())
	}

	_ = r.dev.Init(MAC{})
	r.dev.MaxLen = 4
	if err := r.dev.TransmitFrame([]byte("12345")); !errcode.Is(err, errcode.InvalidParams) {
		t.Fatalf("oversize: %v", err)
	}
	if err := r.dev.TransmitFrame(nil); !errcode.Is(err, errcode.InvalidParams) {
		t.Fatalf("empty: %v", err)
	}
}
