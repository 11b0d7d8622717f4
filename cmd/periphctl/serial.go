package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"periphcore-go/bus"
	"periphcore-go/platform/hostserial"
	"periphcore-go/services/hal"
	"periphcore-go/services/uartio"
)

const (
	flagDevice = "device"
	flagBaud   = "baud"
	flagMode   = "mode"
	flagID     = "id"
)

var serialCommand = &cli.Command{
	Name:  "serial",
	Usage: "bridge a host serial port onto the bus; stdin lines are written to it",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     flagDevice,
			Required: true,
			Usage:    "serial device, e.g. /dev/ttyUSB0",
		},
		&cli.IntFlag{
			Name:  flagBaud,
			Value: 115200,
		},
		&cli.StringFlag{
			Name:  flagMode,
			Value: string(uartio.ModeLines),
			Usage: "reader framing: lines or bytes",
		},
		&cli.StringFlag{
			Name:  flagID,
			Value: "serial0",
			Usage: "device id used in bus topics",
		},
		&cli.DurationFlag{
			Name:  flagDuration,
			Usage: "stop after this long; 0 runs until interrupted",
		},
	},
	Action: serialAction,
}

func serialAction(c *cli.Context) (err error) {
	log := newLogger(c)
	defer func() { _ = log.Sync() }()

	id := c.String(flagID)
	port, err := hostserial.Open(hostserial.Config{
		Device:      c.String(flagDevice),
		Baud:        c.Int(flagBaud),
		ReadTimeout: 200 * time.Millisecond,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, port.Close()) }()

	ctx, cancel := runFor(c.Context, c.Duration(flagDuration))
	defer cancel()

	uw := uartio.New(64, log)
	defer uw.Close()
	if _, err := uw.Register(ctx, uartio.ReaderCfg{
		DevID:     id,
		Port:      port,
		Mode:      uartio.Mode(c.String(flagMode)),
		MaxFrame:  256,
		IdleFlush: 100 * time.Millisecond,
	}); err != nil {
		return err
	}

	bs := bus.NewBus(32)
	monitor(ctx, bs, log.Named("bus"))
	go forwardLines(ctx, bs.NewConnection("stdin"), bus.T(hal.Prefix, "uart", id, "write"), os.Stdin, log)

	return hal.New(bs.NewConnection("hal"), hal.Config{
		UART:    uw,
		Writers: map[string]hal.Writer{id: port},
		EchoTX:  map[string]bool{id: true},
		Logger:  log,
	}).Run(ctx)
}

// forwardLines turns each line of r into a write request on topic.
func forwardLines(ctx context.Context, conn *bus.Connection, topic bus.Topic, r io.Reader, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		m, err := conn.RequestWait(rctx, conn.NewMessage(topic, sc.Text()+"\r\n", false))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("write request", zap.Error(err))
			continue
		}
		if p, _ := m.Payload.(map[string]any); p["ok"] != true {
			log.Warn("write rejected", zap.Any("reply", p))
		}
	}
}
