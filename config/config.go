// Package config describes a board: which peripheral blocks exist, their
// interrupt lines and pins, and how the drivers on top of them are set up.
//
// Boards are JSON documents. They are decoded into a generic map first and
// then into Board with mapstructure, so pins ("PA3"), frames ("8N1"), edges
// ("falling"), protocol names and durations ("20ms") are written as text.
package config

import (
	"embed"
	"encoding/json"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"periphcore-go/hw"
	"periphcore-go/irq"
)

// Block is the part common to every peripheral block.
type Block struct {
	ID        string      `json:"id"`
	Periph    hw.PeriphID `json:"periph"`
	Source    irq.Source  `json:"irq"`
	Priority  uint8       `json:"priority"`
	SpinLimit int         `json:"spin_limit"`
}

type GPIOPort struct {
	Port     uint8      `json:"port"`
	Source   irq.Source `json:"irq"`
	Priority uint8      `json:"priority"`
}

type UART struct {
	Block
	Clock  hw.ClockSource `json:"clock"`
	Baud   uint32         `json:"baud"`
	Frame  hw.Frame       `json:"frame"`
	TxInt  hw.TxIntMode   `json:"tx_int"`
	RX     hw.PinBinding  `json:"rx"`
	TX     hw.PinBinding  `json:"tx"`
	Reader *Reader        `json:"reader"`
}

// Reader turns received bytes into events.
type Reader struct {
	Mode      string        `json:"mode"` // "bytes" | "lines"
	MaxFrame  int           `json:"max_frame"`
	IdleFlush time.Duration `json:"idle_flush"`
	EchoTX    bool          `json:"echo_tx"`
}

type SPI struct {
	Block
	Clock         hw.ClockSource `json:"clock"`
	Protocol      hw.SPIProtocol `json:"protocol"`
	Role          hw.SPIRole     `json:"role"`
	Baud          uint32         `json:"baud"`
	DataWidth     uint8          `json:"data_width"`
	SwapCallbacks bool           `json:"swap_callbacks"`
	MISO          hw.PinBinding  `json:"miso"`
	MOSI          hw.PinBinding  `json:"mosi"`
	CLK           hw.PinBinding  `json:"clk"`
	CS            *hw.PinBinding `json:"cs"`
}

type I2C struct {
	Block
	Baud    uint32        `json:"baud"`
	SCL     hw.PinBinding `json:"scl"`
	SDA     hw.PinBinding `json:"sda"`
	Devices []I2CDevice   `json:"devices"`
}

// I2CDevice is a chip on an I2C bus.
type I2CDevice struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "aht20" | "regfile"
	Addr uint8  `json:"addr"`
}

type Input struct {
	ID       string        `json:"id"`
	Pin      hw.PinBinding `json:"pin"`
	Edge     hw.Edge       `json:"edge"`
	Debounce time.Duration `json:"debounce"`
	Invert   bool          `json:"invert"`
}

type Output struct {
	ID      string        `json:"id"`
	Pin     hw.PinBinding `json:"pin"`
	Initial bool          `json:"initial"`
}

type Ethernet struct {
	ID     string `json:"id"`
	MAC    string `json:"mac"`
	MaxLen int    `json:"max_len"`
}

type Heartbeat struct {
	Interval time.Duration `json:"interval"` // 0 disables
}

type Board struct {
	Name      string     `json:"name"`
	Ports     []GPIOPort `json:"gpio_ports"`
	UARTs     []UART     `json:"uarts"`
	SPIs      []SPI      `json:"spis"`
	I2Cs      []I2C      `json:"i2cs"`
	Inputs    []Input    `json:"inputs"`
	Outputs   []Output   `json:"outputs"`
	Ethernet  []Ethernet `json:"ethernet"`
	Heartbeat Heartbeat  `json:"heartbeat"`
}

//go:embed boards/*.json
var boards embed.FS

// EmbeddedConfigLookup resolves a board name to raw JSON. Tests and
// firmware images may replace it.
var EmbeddedConfigLookup = func(name string) ([]byte, bool) {
	b, err := boards.ReadFile(path.Join("boards", name+".json"))
	return b, err == nil
}

// EmbeddedNames lists the boards compiled into the binary.
func EmbeddedNames() []string {
	ents, _ := boards.ReadDir("boards")
	var out []string
	for _, e := range ents {
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(out)
	return out
}

// Embedded loads a compiled-in board by name.
func Embedded(name string) (*Board, error) {
	raw, ok := EmbeddedConfigLookup(name)
	if !ok || len(raw) == 0 {
		return nil, errors.Errorf("no embedded config for board %q", name)
	}
	b, err := Parse(raw)
	return b, errors.Wrapf(err, "board %q", name)
}

// LoadFile reads and parses a board file.
func LoadFile(file string) (*Board, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "read board config")
	}
	b, err := Parse(raw)
	return b, errors.Wrapf(err, "%s", file)
}

// Parse decodes, defaults and validates a JSON board.
func Parse(raw []byte) (*Board, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "board config is not a JSON object")
	}
	return Decode(m)
}

// Decode is Parse for an already unmarshalled document.
func Decode(m map[string]any) (*Board, error) {
	var b Board
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Squash:      true,
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Result: &b,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(err, "decode board config")
	}
	b.applyDefaults()
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (b *Board) applyDefaults() {
	for i := range b.UARTs {
		if b.UARTs[i].Frame == (hw.Frame{}) {
			b.UARTs[i].Frame = hw.Frame8N1
		}
	}
	for i := range b.SPIs {
		if b.SPIs[i].DataWidth == 0 {
			b.SPIs[i].DataWidth = 8
		}
	}
	// The trigger policy travels with the pin binding.
	for i := range b.Inputs {
		b.Inputs[i].Pin.Edge = b.Inputs[i].Edge
	}
}

// Port returns the port entry for p.
func (b *Board) Port(p uint8) (GPIOPort, bool) {
	for _, gp := range b.Ports {
		if gp.Port == p {
			return gp, true
		}
	}
	return GPIOPort{}, false
}
