package hostserial

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"periphcore-go/errcode"
	"periphcore-go/logging"
	"periphcore-go/services/uartio"
)

func TestLinesFromDevice(t *testing.T) {
	host, dev := net.Pipe()
	p := newPort(dev, false, logging.NewTestLogger(t))
	defer p.Close()

	w := uartio.New(8, nil)
	defer w.Close()
	if _, err := w.Register(context.Background(), uartio.ReaderCfg{DevID: "usb0", Port: p, Mode: uartio.ModeLines}); err != nil {
		t.Fatal(err)
	}

	if _, err := host.Write([]byte("OK\r\nREADY\n")); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"OK", "READY"} {
		select {
		case ev := <-w.Events():
			if string(ev.Data) != want || ev.Dir != uartio.DirRX {
				t.Fatalf("got %+v, want %q", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no line %q", want)
		}
	}
	if p.Received() != 10 {
		t.Fatalf("received %d", p.Received())
	}
}

func TestWriteReachesDevice(t *testing.T) {
	host, dev := net.Pipe()
	p := newPort(dev, false, logging.NewTestLogger(t))

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := io.ReadFull(host, buf[:5])
		got <- buf[:n]
	}()
	if n, err := p.Write([]byte("hello")); n != 5 || err != nil {
		t.Fatalf("write %d %v", n, err)
	}
	if b := <-got; string(b) != "hello" {
		t.Fatalf("device saw %q", b)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write([]byte("x")); !errcode.Is(err, errcode.NotEnabled) {
		t.Fatalf("write after close: %v", err)
	}
	if _, err := p.ReadByte(); !errcode.Is(err, errcode.NoData) {
		t.Fatalf("read empty: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPumpStopsOnDeviceLoss(t *testing.T) {
	host, dev := net.Pipe()
	p := newPort(dev, false, logging.NewTestLogger(t))
	host.Close()
	select {
	case <-p.done:
	case <-time.After(time.Second):
		t.Fatal("pump still running")
	}
}
