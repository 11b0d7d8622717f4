// Package config publishes a board document on the bus. Each top-level key
// becomes a retained message on config/<key> whose payload is the decoded
// JSON value, so a service subscribes only to its own section.
package config

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"periphcore-go/bus"
	boardcfg "periphcore-go/config"
	"periphcore-go/logging"
)

const Prefix = "config"

// Topic returns the retained topic for one section.
func Topic(key string) bus.Topic { return bus.T(Prefix, key) }

type Service struct {
	log *zap.Logger
}

func NewService(logger *zap.Logger) *Service {
	return &Service{log: logging.OrNop(logger).Named("config")}
}

// PublishEmbedded validates and publishes a compiled-in board.
func (s *Service) PublishEmbedded(conn *bus.Connection, board string) ([]string, error) {
	raw, ok := boardcfg.EmbeddedConfigLookup(board)
	if !ok || len(raw) == 0 {
		return nil, errors.Errorf("no embedded config for board %q", board)
	}
	return s.Publish(conn, raw)
}

// Publish checks raw as a board and, when it is valid, publishes its
// sections. It returns the published keys in order.
func (s *Service) Publish(conn *bus.Connection, raw []byte) ([]string, error) {
	if _, err := boardcfg.Parse(raw); err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "board config is not a JSON object")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conn.Publish(conn.NewMessage(Topic(k), m[k], true))
	}
	s.log.Info("published", zap.Strings("sections", keys))
	return keys, nil
}

// Start publishes board in the background. Failures are logged and also
// retained on config/_error.
func (s *Service) Start(ctx context.Context, conn *bus.Connection, board string) {
	go func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.PublishEmbedded(conn, board); err != nil {
			s.log.Error("publish failed", zap.String("board", board), zap.Error(err))
			conn.Publish(conn.NewMessage(Topic("_error"), err.Error(), true))
		}
	}()
}
