package main

import (
	"context"
	"io"

	"github.com/tarm/serial"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"periphcore-go/bus"
	"periphcore-go/services/bridge"
)

const (
	flagBridge     = "bridge"
	flagBridgeBaud = "bridge-baud"
)

var bridgeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  flagBridge,
		Usage: "serial device to mirror hal and sys traffic to",
	},
	&cli.IntFlag{
		Name:  flagBridgeBaud,
		Value: 115200,
	},
}

func dialSerial(_ context.Context, cfg bridge.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{Name: cfg.Device, Baud: cfg.Baud})
}

// startBridge runs the bridge service when --bridge is set.
func startBridge(ctx context.Context, c *cli.Context, bs *bus.Bus, log *zap.Logger) {
	dev := c.String(flagBridge)
	if dev == "" {
		return
	}
	conn := bs.NewConnection("bridge")
	conn.Publish(conn.NewMessage(bridge.TopicConfig, map[string]any{
		"device":  dev,
		"baud":    c.Int(flagBridgeBaud),
		"forward": []any{"hal/#", "sys/#"},
	}, true))
	go bridge.New(conn, dialSerial, log).Run(ctx)
}
