package hw

import (
	"testing"

	"periphcore-go/errcode"
)

func TestParsePin(t *testing.T) {
	p, err := ParsePin("pc3")
	if err != nil {
		t.Fatalf("ParsePin: %v", err)
	}
	if p.Port != 2 || p.Pin != 3 || p.String() != "PC3" || p.Mask() != 0x08 {
		t.Fatalf("unexpected %+v (%s)", p, p)
	}
	for _, bad := range []string{"", "PA", "PZ1", "PA9", "XA1"} {
		if _, err := ParsePin(bad); !errcode.Is(err, errcode.UnknownPin) {
			t.Fatalf("%q: got %v", bad, err)
		}
	}
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame("8n1")
	if err != nil || f != Frame8N1 || f.String() != "8N1" {
		t.Fatalf("8n1: %+v %v", f, err)
	}
	f, err = ParseFrame("7E2")
	if err != nil || f.DataBits != 7 || f.Parity != ParityEven || f.StopBits != 2 {
		t.Fatalf("7E2: %+v %v", f, err)
	}
	if _, err := ParseFrame("9N1"); err == nil {
		t.Fatal("9N1 accepted")
	}
}

func TestParseEdge(t *testing.T) {
	for _, e := range []Edge{EdgeNone, EdgeRising, EdgeFalling, EdgeBoth, LevelLow, LevelHigh} {
		got, err := ParseEdge(e.String())
		if err != nil || got != e {
			t.Fatalf("%s: %v %v", e, got, err)
		}
	}
	if _, err := ParseEdge("sideways"); err == nil {
		t.Fatal("bad edge accepted")
	}
}

func TestPinSourcesAreDistinct(t *testing.T) {
	seen := map[uint16]bool{}
	for port := uint8(0); port < 4; port++ {
		for pin := uint8(0); pin < 8; pin++ {
			s := uint16(PinSource(PinBinding{Port: port, Pin: pin}))
			if seen[s] {
				t.Fatalf("duplicate source %d", s)
			}
			seen[s] = true
		}
	}
}

func TestI2CCmdPhases(t *testing.T) {
	if !I2CSingleSend.Starts() || !I2CSingleSend.Stops() || !I2CSingleSend.Sends() {
		t.Fatal("single send phases")
	}
	if I2CBurstReceiveCont.Starts() || I2CBurstReceiveCont.Stops() || !I2CBurstReceiveCont.Receives() {
		t.Fatal("burst receive cont phases")
	}
}

func TestEnumTextCodecs(t *testing.T) {
	var c ClockSource
	var m TxIntMode
	var p SPIProtocol
	var r SPIRole
	for _, step := range []struct {
		u    interface{ UnmarshalText([]byte) error }
		text string
	}{{&c, "IO"}, {&m, "eot"}, {&p, "mode3"}, {&r, "slave"}} {
		if err := step.u.UnmarshalText([]byte(step.text)); err != nil {
			t.Fatalf("%q: %v", step.text, err)
		}
	}
	if c != ClockIO || m != TxIntEOT || p != MotoMode3 || r != SPISlave {
		t.Fatalf("decoded %v %v %v %v", c, m, p, r)
	}
	if err := p.UnmarshalText([]byte("mode9")); !errcode.Is(err, errcode.InvalidParams) {
		t.Fatalf("bad protocol: %v", err)
	}
	if p != MotoMode3 {
		t.Fatalf("failed decode changed the value to %v", p)
	}
}
