// Package aht20 reads the AHT20 temperature/humidity sensor over any
// drivers.I2C, typically an i2c.Bus shared with other devices.
//
// Measurement is two-phase:
//
//	d.Trigger()          // start a conversion (fast)
//	err := d.Collect(&s) // fetch; ErrNotReady while converting
//
// Read combines both with bounded polling. The bus must perform a repeated
// START when Tx is given both w and r.
package aht20

import (
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/drivers"

	"periphcore-go/errcode"
	"periphcore-go/logging"
)

// Address is the fixed 7-bit bus address.
const Address = 0x38

const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdSoftReset  = 0xBA
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

var (
	ErrNotReady = errcode.New(errcode.Busy, "aht20", "measurement not ready")
	ErrTimeout  = errcode.New(errcode.Wedged, "aht20", "measurement timed out")
	ErrCRC      = errcode.New(errcode.Error, "aht20", "crc mismatch")
)

// Config fields are optional.
type Config struct {
	Address        uint16        // 0 means 0x38
	PollInterval   time.Duration // between Collect attempts in Read; 0 means 15ms
	CollectTimeout time.Duration // bound on Read; 0 means 250ms
	Logger         *zap.Logger
}

type Device struct {
	bus  drivers.I2C
	cfg  Config
	log  *zap.Logger
	buf  [7]byte
	last Sample
}

// New only records the bus; it does not touch the device.
func New(bus drivers.I2C, cfg Config) *Device {
	if cfg.Address == 0 {
		cfg.Address = Address
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Millisecond
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 250 * time.Millisecond
	}
	return &Device{bus: bus, cfg: cfg, log: logging.OrNop(cfg.Logger).Named("aht20")}
}

// Configure sends the initialise command unless the device already reports
// itself calibrated.
func (d *Device) Configure() error {
	st, err := d.Status()
	if err != nil {
		return err
	}
	if st&statusCalibrated != 0 {
		return nil
	}
	d.log.Debug("initialising", zap.Uint8("status", st))
	return d.bus.Tx(d.cfg.Address, []byte{cmdInitialize, 0x08, 0x00}, nil)
}

// Reset issues a soft reset. The device needs about 20ms afterwards.
func (d *Device) Reset() error {
	return d.bus.Tx(d.cfg.Address, []byte{cmdSoftReset}, nil)
}

func (d *Device) Status() (byte, error) {
	var st [1]byte
	if err := d.bus.Tx(d.cfg.Address, []byte{cmdStatus}, st[:]); err != nil {
		return 0, err
	}
	return st[0], nil
}

// Trigger starts a conversion without waiting.
func (d *Device) Trigger() error {
	return d.bus.Tx(d.cfg.Address, []byte{cmdTrigger, 0x33, 0x00}, nil)
}

// Collect reads one measurement. It returns ErrNotReady while the device is
// converting and ErrCRC on a corrupted frame.
func (d *Device) Collect(out *Sample) error {
	data := d.buf[:]
	if err := d.bus.Tx(d.cfg.Address, nil, data); err != nil {
		return err
	}
	if data[0]&statusCalibrated == 0 || data[0]&statusBusy != 0 {
		return ErrNotReady
	}
	if crc8(data[:6]) != data[6] {
		return ErrCRC
	}
	s := Sample{
		RawHumidity: uint32(data[1])<<12 | uint32(data[2])<<4 | uint32(data[3])>>4,
		RawTemp:     uint32(data[3]&0x0F)<<16 | uint32(data[4])<<8 | uint32(data[5]),
	}
	d.last = s
	if out != nil {
		*out = s
	}
	return nil
}

// Read triggers a conversion and polls Collect until it succeeds or
// CollectTimeout elapses.
func (d *Device) Read() (Sample, error) {
	if err := d.Trigger(); err != nil {
		return Sample{}, err
	}
	deadline := time.Now().Add(d.cfg.CollectTimeout)
	for {
		var s Sample
		err := d.Collect(&s)
		if err != ErrNotReady {
			return s, err
		}
		if time.Now().After(deadline) {
			return Sample{}, ErrTimeout
		}
		time.Sleep(d.cfg.PollInterval)
	}
}

// Last returns the most recent good sample.
func (d *Device) Last() Sample { return d.last }

// Sample holds raw 20-bit readings.
type Sample struct {
	RawHumidity uint32
	RawTemp     uint32
}

// DeciRelHumidity returns tenths of %RH.
func (s Sample) DeciRelHumidity() int32 {
	return int32(int64(s.RawHumidity) * 1000 / 0x100000)
}

// DeciCelsius returns tenths of a degree Celsius.
func (s Sample) DeciCelsius() int32 {
	return int32(int64(s.RawTemp)*2000/0x100000) - 500
}

func crc8(p []byte) byte {
	c := byte(0xFF)
	for _, b := range p {
		c ^= b
		for i := 0; i < 8; i++ {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x31
			} else {
				c <<= 1
			}
		}
	}
	return c
}
