//go:build linux

package main

import (
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"periphcore-go/bus"
	"periphcore-go/hw"
	"periphcore-go/platform/linuxgpio"
	"periphcore-go/services/gpioirq"
	"periphcore-go/services/hal"
)

const (
	flagChip     = "chip"
	flagLine     = "line"
	flagEdge     = "edge"
	flagDebounce = "debounce"
	flagInvert   = "invert"
	flagLED      = "led"
)

func init() {
	commands = append(commands, &cli.Command{
		Name:  "gpio-watch",
		Usage: "publish edges from a Linux GPIO line, optionally driving an LED line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagChip, Value: "/dev/gpiochip0"},
			&cli.UintFlag{Name: flagLine, Required: true},
			&cli.StringFlag{Name: flagEdge, Value: "both", Usage: "rising, falling or both"},
			&cli.DurationFlag{Name: flagDebounce},
			&cli.BoolFlag{Name: flagInvert},
			&cli.IntFlag{Name: flagLED, Value: -1, Usage: "output line driven through hal/gpio/led/set; -1 for none"},
			&cli.StringFlag{Name: flagID, Value: "input", Usage: "device id used in bus topics"},
			&cli.DurationFlag{Name: flagDuration, Usage: "stop after this long; 0 runs until interrupted"},
		},
		Action: gpioWatchAction,
	})
}

func gpioWatchAction(c *cli.Context) (err error) {
	log := newLogger(c)
	defer func() { _ = log.Sync() }()

	edge, err := hw.ParseEdge(c.String(flagEdge))
	if err != nil {
		return err
	}
	chip := c.String(flagChip)
	in, err := linuxgpio.OpenInput(chip, uint32(c.Uint(flagLine)), edge, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, in.Close()) }()

	outputs := map[string]hal.Output{}
	if n := c.Int(flagLED); n >= 0 {
		led, err := linuxgpio.OpenOutput(chip, uint32(n), false, log)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, led.Close()) }()
		outputs["led"] = led
	}

	ctx, cancel := runFor(c.Context, c.Duration(flagDuration))
	defer cancel()

	gw := gpioirq.New(32, 32, log)
	gw.Start(ctx)
	unregister, err := gw.RegisterInput(gpioirq.InputCfg{
		DevID:    c.String(flagID),
		In:       in,
		Edge:     edge,
		Debounce: c.Duration(flagDebounce),
		Invert:   c.Bool(flagInvert),
	})
	if err != nil {
		return err
	}
	defer unregister()

	bs := bus.NewBus(32)
	monitor(ctx, bs, log.Named("bus"))
	return hal.New(bs.NewConnection("hal"), hal.Config{
		GPIO:    gw,
		Outputs: outputs,
		Logger:  log,
	}).Run(ctx)
}
