// Package heartbeat periodically publishes liveness and the loss counters
// of the interrupt paths. The interval comes from the retained
// config/heartbeat section and may change at runtime.
package heartbeat

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"periphcore-go/bus"
	"periphcore-go/logging"
	"periphcore-go/x/timex"
)

var (
	topicConfig = bus.T("config", "heartbeat")
	Topic       = bus.T("sys", "heartbeat")
)

// Counter reads one monotonically increasing statistic.
type Counter func() uint64

type Service struct {
	counters map[string]Counter
	log      *zap.Logger
	started  time.Time
	interval time.Duration
}

// New returns a service that reports counters. It stays idle until a config
// section with a positive interval arrives.
func New(counters map[string]Counter, logger *zap.Logger) *Service {
	return &Service{counters: counters, log: logging.OrNop(logger).Named("heartbeat")}
}

// Snapshot reads every counter.
func (s *Service) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(s.counters))
	for k, c := range s.counters {
		out[k] = c()
	}
	return out
}

func (s *Service) beat(conn *bus.Connection, now time.Time) {
	snap := s.Snapshot()
	conn.Publish(conn.NewMessage(Topic, map[string]any{
		"ts_ms":    now.UnixMilli(),
		"uptime_s": int64(now.Sub(s.started) / time.Second),
		"counters": snap,
	}, false))

	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Uint64(k, snap[k]))
	}
	s.log.Debug("beat", fields...)
}

func (s *Service) loop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)

	t := timex.NewStoppedTimer()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping")
			return
		case now := <-t.C:
			s.beat(conn, now)
			timex.ResetTimer(t, s.interval)
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			iv, ok := parseInterval(msg.Payload)
			if !ok {
				s.log.Warn("ignoring config", zap.Any("payload", msg.Payload))
				continue
			}
			s.interval = iv
			if iv <= 0 {
				t.Stop()
				timex.DrainTimer(t)
				s.log.Info("disabled")
				continue
			}
			timex.ResetTimer(t, iv)
			s.log.Info("interval set", zap.Duration("interval", iv))
		}
	}
}

// Start runs the service until ctx is done.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) {
	s.started = time.Now()
	go s.loop(ctx, conn)
}

// parseInterval accepts {"interval": "2s"} or a number of seconds.
func parseInterval(p any) (time.Duration, bool) {
	m, ok := p.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := m["interval"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	case nil:
		return 0, true
	}
	return 0, false
}
