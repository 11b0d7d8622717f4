package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"periphcore-go/bus"
	"periphcore-go/config"
	"periphcore-go/errcode"
	"periphcore-go/irq"
	"periphcore-go/platform"
	svcconfig "periphcore-go/services/config"
)

const flagScenario = "scenario"

var simCommand = &cli.Command{
	Name:  "sim",
	Usage: "bring a board up on the simulated chip and serve it on the bus",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  flagBoard,
			Value: "sim-devkit",
			Usage: "embedded board name",
		},
		&cli.StringFlag{
			Name:  flagFile,
			Usage: "board config file; overrides --board",
		},
		&cli.DurationFlag{
			Name:  flagDuration,
			Usage: "stop after this long; 0 runs until interrupted",
		},
		&cli.DurationFlag{
			Name:  flagSample,
			Usage: "sensor sampling period; 0 reads on request only",
		},
		&cli.BoolFlag{
			Name:  flagScenario,
			Value: true,
			Usage: "exercise every peripheral once the board is up",
		},
	}, bridgeFlags...),
	Action: simAction,
}

func simAction(c *cli.Context) (err error) {
	log := newLogger(c)
	defer func() { _ = log.Sync() }()

	cfg, raw, err := loadBoard(c)
	if err != nil {
		return err
	}
	reg := irq.NewRegistry(irq.WithLogger(log))
	soc := platform.NewSim(cfg, reg, true)
	board, err := platform.Build(cfg, soc, reg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, board.Close()) }()

	ctx, cancel := runFor(c.Context, c.Duration(flagDuration))
	defer cancel()

	bs := bus.NewBus(32)
	monitor(ctx, bs, log.Named("bus"))
	startBridge(ctx, c, bs, log)
	if _, err := svcconfig.NewService(log).Publish(bs.NewConnection("config"), raw); err != nil {
		return err
	}

	client := bs.NewConnection("periphctl")
	ready := client.Subscribe(bus.T("hal", "state"))

	done := make(chan error, 1)
	go func() {
		done <- board.Serve(ctx, bs, platform.ServeOptions{
			SamplePeriod: c.Duration(flagSample),
			Logger:       log,
		})
	}()

	if c.Bool(flagScenario) {
		select {
		case <-ready.Channel():
			if err := runScenario(ctx, client, soc, cfg, log); err != nil {
				log.Error("scenario failed", zap.Error(err))
			}
		case err := <-done:
			return err
		}
	}
	return <-done
}

// runScenario drives each configured peripheral once through the bus.
func runScenario(ctx context.Context, client *bus.Connection, soc *platform.Sim, cfg *config.Board, log *zap.Logger) error {
	request := func(topic bus.Topic, payload any) (map[string]any, error) {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		m, err := client.RequestWait(rctx, client.NewMessage(topic, payload, false))
		if err != nil {
			return nil, errors.Wrapf(err, "%s", topic)
		}
		p, _ := m.Payload.(map[string]any)
		if p["ok"] != true {
			code, _ := p["code"].(string)
			msg, _ := p["error"].(string)
			return p, errors.Wrapf(errcode.Code(code), "%s: %s", topic, msg)
		}
		return p, nil
	}

	var errs error
	step := func(name string, topic bus.Topic, payload any) {
		r, err := request(topic, payload)
		if err != nil {
			errs = multierr.Append(errs, err)
			return
		}
		log.Info(name, zap.Any("reply", r))
	}

	for id := range soc.AHT20 {
		step("sensor", bus.T("hal", "sensor", id, "read"), nil)
	}
	for _, in := range cfg.Inputs {
		// Pulse the pin so both edge policies see one event.
		soc.Drive(in.Pin, !soc.ReadPin(in.Pin))
		soc.Drive(in.Pin, !soc.ReadPin(in.Pin))
	}
	for _, c := range cfg.Outputs {
		step("toggle", bus.T("hal", "gpio", c.ID, "set"), "toggle")
	}
	for _, c := range cfg.UARTs {
		step("uart write", bus.T("hal", "uart", c.ID, "write"), "hello "+c.ID+"\r\n")
	}
	for _, c := range cfg.SPIs {
		step("spi xfer", bus.T("hal", "spi", c.ID, "xfer"), []byte{0x9F, 0x00, 0x00})
	}
	for _, c := range cfg.Ethernet {
		step("eth send", bus.T("hal", "eth", c.ID, "send"), []byte("periphctl"))
	}
	return errs
}
