// Command periphctl inspects board configs and runs the peripheral stack,
// either against the simulated chip or against host devices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"periphcore-go/bus"
	"periphcore-go/config"
	"periphcore-go/errcode"
	"periphcore-go/logging"
)

const (
	flagDebug    = "debug"
	flagBoard    = "board"
	flagFile     = "file"
	flagDuration = "duration"
	flagSample   = "sample"
)

// commands is extended by platform-specific files.
var commands = []*cli.Command{
	{
		Name:   "boards",
		Usage:  "list the compiled-in board configs",
		Action: boardsAction,
	},
	{
		Name:      "check",
		Usage:     "decode and validate a board config file",
		ArgsUsage: "<file>",
		Action:    checkAction,
	},
	simCommand,
	serialCommand,
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "periphctl",
		Usage: "drive board peripherals through the message bus",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "log at debug level",
			},
		},
		Commands: commands,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "periphctl:", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) *zap.Logger {
	if c.Bool(flagDebug) {
		return logging.NewDebugLogger("periphctl")
	}
	return logging.NewLogger("periphctl")
}

func boardsAction(c *cli.Context) error {
	for _, n := range config.EmbeddedNames() {
		fmt.Fprintln(c.App.Writer, n)
	}
	return nil
}

func checkAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("check takes exactly one board file")
	}
	b, err := config.LoadFile(c.Args().First())
	if err != nil {
		for _, e := range multierr.Errors(errors.Cause(err)) {
			fmt.Fprintf(c.App.Writer, "%s: %v\n", errcode.Of(e), e)
		}
		return errors.Wrap(err, "invalid board")
	}
	fmt.Fprintf(c.App.Writer, "%s: %d uarts, %d spis, %d i2cs, %d inputs, %d outputs, %d ethernet\n",
		b.Name, len(b.UARTs), len(b.SPIs), len(b.I2Cs), len(b.Inputs), len(b.Outputs), len(b.Ethernet))
	return nil
}

// loadBoard resolves --file, falling back to the embedded --board.
func loadBoard(c *cli.Context) (*config.Board, []byte, error) {
	var raw []byte
	if f := c.String(flagFile); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, nil, errors.Wrap(err, "read board config")
		}
		raw = b
	} else {
		b, ok := config.EmbeddedConfigLookup(c.String(flagBoard))
		if !ok {
			return nil, nil, errors.Errorf("no embedded config for board %q", c.String(flagBoard))
		}
		raw = b
	}
	b, err := config.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return b, raw, nil
}

// monitor logs every message on bs until ctx is done.
func monitor(ctx context.Context, bs *bus.Bus, log *zap.Logger) {
	conn := bs.NewConnection("monitor")
	sub := conn.Subscribe(bus.T(bus.MultiLevel))
	go func() {
		defer conn.Disconnect()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-sub.Channel():
				if !ok {
					return
				}
				log.Info("bus",
					zap.Stringer("topic", m.Topic),
					zap.Any("payload", m.Payload),
					zap.Bool("retained", m.Retained))
			}
		}
	}()
}

// runFor bounds ctx by d when d is positive.
func runFor(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
