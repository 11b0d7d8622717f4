package sim

import "sync"

// AHT20 models the temperature/humidity sensor's command set: initialise
// (0xBE), trigger (0xAC), soft reset (0xBA) and status (0x71). After a
// trigger the first BusyReads measurement reads report busy.
type AHT20 struct {
	mu         sync.Mutex
	calibrated bool
	busy       int
	hum, temp  uint32
	cmd        []byte
	out        []byte

	BusyReads int
}

func NewAHT20() *AHT20 { return &AHT20{} }

// SetDeci sets the next sample in tenths of a degree and of %RH.
func (a *AHT20) SetDeci(deciC, deciRH int32) {
	a.mu.Lock()
	// Round up so the driver's truncating conversion returns the same values.
	a.hum = uint32((int64(deciRH)*0x100000 + 999) / 1000)
	a.temp = uint32((int64(deciC+500)*0x100000 + 1999) / 2000)
	a.mu.Unlock()
}

// Calibrated reports whether the initialise command has been seen.
func (a *AHT20) Calibrated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calibrated
}

func (a *AHT20) Start(receive bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !receive {
		a.cmd = a.cmd[:0]
		return
	}
	status := a.execLocked()
	if len(a.cmd) > 0 && a.cmd[0] == 0x71 {
		a.out = []byte{status}
		a.cmd = a.cmd[:0]
		return
	}
	f := []byte{
		status,
		byte(a.hum >> 12), byte(a.hum >> 4), byte(a.hum<<4) | byte(a.temp>>16&0x0F),
		byte(a.temp >> 8), byte(a.temp),
	}
	a.out = append(f, crc8(f))
	if a.busy > 0 {
		a.busy--
	}
}

// execLocked applies a pending write command and returns the status byte.
func (a *AHT20) execLocked() byte {
	if len(a.cmd) > 0 {
		switch a.cmd[0] {
		case 0xBE:
			a.calibrated = true
		case 0xAC:
			a.busy = a.BusyReads
		case 0xBA:
			a.calibrated = false
		}
		if a.cmd[0] != 0x71 {
			a.cmd = a.cmd[:0]
		}
	}
	var st byte
	if a.calibrated {
		st |= 0x08
	}
	if a.busy > 0 {
		st |= 0x80
	}
	return st
}

func (a *AHT20) Write(b byte) bool {
	a.mu.Lock()
	a.cmd = append(a.cmd, b)
	a.mu.Unlock()
	return true
}

func (a *AHT20) Read() byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.out) == 0 {
		return 0xFF
	}
	b := a.out[0]
	a.out = a.out[1:]
	return b
}

func (a *AHT20) Stop() {
	a.mu.Lock()
	a.execLocked()
	a.mu.Unlock()
}

// crc8 is the sensor's CRC: polynomial 0x31, initial value 0xFF.
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
