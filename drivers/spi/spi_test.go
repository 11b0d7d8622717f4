package spi

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3"
	pspi "periph.io/x/conn/v3/spi"

	"periphcore-go/drivers/gpio"
	"periphcore-go/drivers/internal/lifecycle"
	"periphcore-go/errcode"
	"periphcore-go/hw"
	"periphcore-go/hw/sim"
	"periphcore-go/irq"
)

const src irq.Source = 23

var (
	pins  = Pins{MISO: hw.PinBinding{Port: 1, Pin: 0}, MOSI: hw.PinBinding{Port: 1, Pin: 1}, CLK: hw.PinBinding{Port: 1, Pin: 2}}
	csPin = hw.PinBinding{Port: 1, Pin: 3}
)

type rig struct {
	reg *irq.Registry
	soc *sim.SoC
	blk *sim.SSI
	s   *SPI
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	reg := irq.NewRegistry()
	soc := sim.New(reg.Dispatch)
	blk := soc.AddSSI("ssi0", src)
	cfg.Name, cfg.Source, cfg.Periph = "ssi0", src, 4
	s, err := New(cfg, soc, blk, reg, pins, gpio.NewOut(soc, csPin, true))
	if err != nil {
		t.Fatal(err)
	}
	return &rig{reg: reg, soc: soc, blk: blk, s: s}
}

func TestPureReadIsFullDuplex(t *testing.T) {
	r := newRig(t, Config{Baud: 1_000_000})
	next := byte(0xA0)
	r.blk.Respond = func(uint32) uint32 { next++; return uint32(next) }
	r.blk.BusyPolls = 2
	if err := r.s.Enable(0); err != nil {
		t.Fatal(err)
	}

	p := make([]byte, 4)
	if n, err := r.s.Read(p); err != nil || n != 4 {
		t.Fatalf("Read n=%d err=%v", n, err)
	}
	if diff := cmp.Diff([]uint32{0, 0, 0, 0}, r.blk.MOSI()); diff != "" {
		t.Fatalf("MOSI (-want +got):\n%s", diff)
	}
	if !cmp.Equal(p, []byte{0xA1, 0xA2, 0xA3, 0xA4}) {
		t.Fatalf("MISO %x", p)
	}
	if r.s.Exchanges() != 4 || r.blk.Words() != 4 {
		t.Fatalf("exchanges=%d words=%d", r.s.Exchanges(), r.blk.Words())
	}
}

func TestWriteDiscardsInput(t *testing.T) {
	r := newRig(t, Config{Baud: 1_000_000})
	_ = r.s.Enable(0)
	if n, err := r.s.Write([]byte{1, 2, 3}); err != nil || n != 3 {
		t.Fatalf("Write n=%d err=%v", n, err)
	}
	if v, ok := r.blk.GetNonBlocking(); ok {
		t.Fatalf("receive FIFO still holds %#x", v)
	}
}

func TestTxUnevenLengths(t *testing.T) {
	r := newRig(t, Config{Baud: 1_000_000})
	_ = r.s.Enable(0)

	rd := make([]byte, 3)
	if err := r.s.Tx([]byte{0x9F}, rd); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{0x9F, 0, 0}, r.blk.MOSI()); diff != "" {
		t.Fatalf("MOSI (-want +got):\n%s", diff)
	}
	if !cmp.Equal(rd, []byte{0x9F, 0, 0}) {
		t.Fatalf("loopback read %x", rd)
	}
	if b, err := r.s.Transfer(0x5A); err != nil || b != 0x5A {
		t.Fatalf("Transfer %#x %v", b, err)
	}
}

func TestChipSelectPolarity(t *testing.T) {
	for _, tc := range []struct {
		proto    hw.SPIProtocol
		selected bool
	}{
		{hw.MotoMode0, false},
		{hw.MotoMode1, false},
		{hw.MotoMode2, true},
		{hw.MotoMode3, true},
		{hw.TISync, true},
	} {
		r := newRig(t, Config{Baud: 1_000_000, Protocol: tc.proto})
		if got := r.soc.ReadPin(csPin); got == tc.selected {
			t.Fatalf("%s: idle level %t", tc.proto, got)
		}
		r.s.Select()
		if got := r.soc.ReadPin(csPin); got != tc.selected {
			t.Fatalf("%s: selected level %t", tc.proto, got)
		}
		r.s.Deselect()
		if got := r.soc.ReadPin(csPin); got == tc.selected {
			t.Fatalf("%s: deselected level %t", tc.proto, got)
		}
	}
}

func TestEnableKeepsConfiguredBaud(t *testing.T) {
	r := newRig(t, Config{Baud: 500_000, Protocol: hw.MotoMode3, DataWidth: 16})
	_ = r.s.Enable(0)
	proto, role, baud, width := r.blk.Settings()
	if proto != hw.MotoMode3 || role != hw.SPIMaster || baud != 500_000 || width != 16 {
		t.Fatalf("settings %s %d %d %d", proto, role, baud, width)
	}
	_ = r.s.Enable(2_000_000)
	if _, _, baud, _ = r.blk.Settings(); baud != 2_000_000 || r.s.Baud() != 2_000_000 {
		t.Fatalf("baud %d", baud)
	}

	none := newRig(t, Config{})
	if err := none.s.Enable(0); !errcode.Is(err, errcode.InvalidParams) {
		t.Fatalf("no baud: %v", err)
	}
}

func TestSleepAndWakeup(t *testing.T) {
	r := newRig(t, Config{Baud: 1_000_000})
	r.soc.ResetTrace()
	_ = r.s.Enable(0)
	enable := r.soc.Trace()

	r.blk.BusyPolls = 3
	_ = r.s.WriteByte(0xFF)
	if err := r.s.Sleep(); err != nil {
		t.Fatal(err)
	}
	for _, pin := range []hw.PinBinding{pins.MISO, pins.MOSI, pins.CLK} {
		if r.soc.PinMode(pin) != sim.PinOutput || r.soc.ReadPin(pin) {
			t.Fatalf("%s not parked low", pin)
		}
	}
	if _, err := r.s.ReadByte(); !errcode.Is(err, errcode.NotEnabled) {
		t.Fatalf("read while asleep: %v", err)
	}

	r.soc.ResetTrace()
	if err := r.s.Wakeup(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(enable, r.soc.Trace()); diff != "" {
		t.Fatalf("wakeup differs from enable (-enable +wakeup):\n%s", diff)
	}
	if r.s.State() != lifecycle.Enabled {
		t.Fatal("not enabled after wakeup")
	}
}

func TestCallbackWiring(t *testing.T) {
	for _, swap := range []bool{false, true} {
		r := newRig(t, Config{Baud: 1_000_000, SwapCallbacks: swap})
		_ = r.s.Enable(0)
		var rx, tx int
		r.s.SetRxCallback(irq.Func(func() { rx++ }))
		r.s.SetTxCallback(irq.Func(func() { tx++ }))
		if err := r.s.EnableInterrupts(); err != nil {
			t.Fatal(err)
		}

		r.blk.RaiseTxReady()
		wantTx, wantRx := 1, 0
		if swap {
			wantTx, wantRx = 0, 1
		}
		if tx != wantTx || rx != wantRx {
			t.Fatalf("swap=%t after TX-ready: tx=%d rx=%d", swap, tx, rx)
		}

		r.blk.RaiseRxTimeout()
		if tx+rx != 2 {
			t.Fatalf("swap=%t after RX timeout: tx=%d rx=%d", swap, tx, rx)
		}
		if r.blk.IntStatus(false) != 0 {
			t.Fatal("handler left causes latched")
		}

		r.s.DisableInterrupts()
		r.blk.RaiseRxReady()
		if tx+rx != 2 {
			t.Fatal("disarmed block still interrupted")
		}
	}
}

func TestPeriphConn(t *testing.T) {
	r := newRig(t, Config{Baud: 1_000_000})
	_ = r.s.Enable(0)

	var c pspi.Conn = r.s.PeriphConn()
	if c.Duplex() != conn.Full || c.String() != "ssi0" {
		t.Fatalf("%s duplex %v", c, c.Duplex())
	}
	rd := make([]byte, 2)
	if err := c.Tx([]byte{0x0B, 0x0C}, rd); err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(rd, []byte{0x0B, 0x0C}) {
		t.Fatalf("read %x", rd)
	}
	if !r.soc.ReadPin(csPin) {
		t.Fatal("chip select left asserted")
	}

	err := c.TxPackets([]pspi.Packet{{W: []byte{1}}, {W: []byte{2}, KeepCS: true}, {W: []byte{3}}})
	if err != nil {
		t.Fatal(err)
	}
	if r.s.Exchanges() != 5 {
		t.Fatalf("exchanges %d", r.s.Exchanges())
	}
}
