// Package bridge turns upstream change events into room broadcasts.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/optimizer"
	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/benbjohnson/clock"
)

// Broadcaster delivers a message to every member of a room and reports how
// many members it was dispatched to.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, msg *optimizer.OutboundMessage) int
}

type Bridge struct {
	mapper      Mapper
	broadcaster Broadcaster
	observer    metrics.Observer
	clock       clock.Clock
	logger      *slog.Logger
}

func New(logger *slog.Logger, broadcaster Broadcaster, observer metrics.Observer, clk clock.Clock) *Bridge {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Bridge{
		broadcaster: broadcaster,
		observer:    observer,
		clock:       clk,
		logger:      logger.With(slog.String("component", "bridge")),
	}
}

// Handle decodes one upstream payload and broadcasts it to every room it
// maps to. Invalid payloads are counted and reported, never retried.
func (b *Bridge) Handle(ctx context.Context, raw []byte) error {
	b.observer.Observe(metrics.UpstreamReceived)
	ev, err := DecodeEvent(raw)
	if err != nil {
		b.observer.Observe(metrics.UpstreamInvalid)
		b.logger.Warn("Dropping invalid upstream event", slog.Any("error", err))
		return err
	}

	rooms := b.mapper.Rooms(ev)
	if len(rooms) == 0 {
		b.logger.Debug("Upstream event maps to no room",
			slog.String("entityType", ev.EntityType),
			slog.String("entityId", ev.EntityID),
		)
		return nil
	}

	priority := optimizer.PriorityNormal
	if ev.ChangeType == ChangeDelete {
		priority = optimizer.PriorityHigh
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	now := b.clock.Now()
	recipients := 0
	for _, room := range rooms {
		msg := optimizer.NewMessage(protocol.TypeEvent, room, payload, priority, now)
		recipients += b.broadcaster.Broadcast(ctx, room, msg)
	}
	b.logger.Debug("Upstream event broadcast",
		slog.String("entityType", ev.EntityType),
		slog.String("entityId", ev.EntityID),
		slog.String("changeType", string(ev.ChangeType)),
		slog.Any("rooms", rooms),
		slog.Int("recipients", recipients),
	)
	return nil
}
