package platform

import (
	"context"
	"time"

	"go.uber.org/zap"

	"periphcore-go/bus"
	"periphcore-go/logging"
	"periphcore-go/services/gpioirq"
	"periphcore-go/services/hal"
	"periphcore-go/services/heartbeat"
	"periphcore-go/services/uartio"
)

type ServeOptions struct {
	SamplePeriod time.Duration // sensor polling; 0 reads on request only
	Logger       *zap.Logger
}

// Serve arms the inputs and UART readers, then runs the hal and heartbeat
// services on bs until ctx is done.
func (b *Board) Serve(ctx context.Context, bs *bus.Bus, opts ServeOptions) error {
	log := logging.OrNop(opts.Logger)

	gw := gpioirq.New(32, 32, log)
	gw.Start(ctx)
	for _, c := range b.Config.Inputs {
		cancel, err := gw.RegisterInput(gpioirq.InputCfg{
			DevID:    c.ID,
			In:       b.Inputs[c.ID],
			Edge:     c.Edge,
			Debounce: c.Debounce,
			Invert:   c.Invert,
		})
		if err != nil {
			return err
		}
		defer cancel()
	}

	uw := uartio.New(64, log)
	defer uw.Close()
	writers := map[string]hal.Writer{}
	echo := map[string]bool{}
	for _, c := range b.Config.UARTs {
		u := b.UARTs[c.ID]
		writers[c.ID] = u
		if c.Reader == nil {
			continue
		}
		echo[c.ID] = c.Reader.EchoTX
		if _, err := uw.Register(ctx, uartio.ReaderCfg{
			DevID:     c.ID,
			Port:      u,
			Mode:      uartio.Mode(c.Reader.Mode),
			MaxFrame:  c.Reader.MaxFrame,
			IdleFlush: c.Reader.IdleFlush,
		}); err != nil {
			return err
		}
	}

	outputs := make(map[string]hal.Output, len(b.Outputs))
	for id, o := range b.Outputs {
		outputs[id] = o
	}
	sensors := make(map[string]hal.Sensor, len(b.Sensors))
	for id, s := range b.Sensors {
		sensors[id] = s
	}
	spis := make(map[string]hal.Transceiver, len(b.SPIs))
	for id, s := range b.SPIs {
		spis[id] = s
	}
	nics := make(map[string]hal.NIC, len(b.Ethernet))
	for id, e := range b.Ethernet {
		nics[id] = e
	}

	counters := map[string]heartbeat.Counter{
		"irq.dropped":    func() uint64 { return uint64(b.Registry.Dropped()) },
		"gpio.isr_drops": func() uint64 { return uint64(gw.ISRDrops()) },
		"gpio.lost":      func() uint64 { return uint64(gw.Lost()) },
		"uart.drops":     func() uint64 { return uint64(uw.Drops()) },
		"uart.lost":      func() uint64 { return uint64(uw.Lost()) },
	}
	for id, e := range b.Ethernet {
		e := e
		counters["eth."+id+".sent"] = func() uint64 { return uint64(e.Stats().SentFrames) }
		counters["eth."+id+".received"] = func() uint64 { return uint64(e.Stats().ReceivedFrames) }
	}
	heartbeat.New(counters, log).Start(ctx, bs.NewConnection("heartbeat"))

	return hal.New(bs.NewConnection("hal"), hal.Config{
		GPIO:         gw,
		UART:         uw,
		Outputs:      outputs,
		Writers:      writers,
		EchoTX:       echo,
		Sensors:      sensors,
		SPIs:         spis,
		NICs:         nics,
		SamplePeriod: opts.SamplePeriod,
		Logger:       log,
	}).Run(ctx)
}
