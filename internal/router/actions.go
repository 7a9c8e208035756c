package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/a-essam23/go-fanout/pkg/state"
)

const (
	actionSubscribe         = protocol.ActionSubscribe
	actionUnsubscribe       = protocol.ActionUnsubscribe
	actionPing              = protocol.ActionPing
	actionListSubscriptions = protocol.ActionListSubscriptions
)

// ActionContext carries everything an action needs for one frame.
type ActionContext struct {
	Ctx     context.Context
	Conn    *state.Connection
	Frame   *protocol.ClientFrame
	Manager state.Manager
	Logger  *slog.Logger
	Now     time.Time

	reply func(frame any) error
}

// Reply sends frame back to the originating connection.
func (a *ActionContext) Reply(frame any) error {
	return a.reply(frame)
}

func handleSubscribe(actx *ActionContext) error {
	room := actx.Frame.Room
	if err := actx.Manager.Join(actx.Conn.ID, room); err != nil {
		return err
	}
	actx.Logger.Info("Connection subscribed", slog.String("roomID", room))
	return actx.Reply(protocol.Subscribed(room))
}

func handleUnsubscribe(actx *ActionContext) error {
	room := actx.Frame.Room
	if err := actx.Manager.Leave(actx.Conn.ID, room); err != nil {
		return err
	}
	actx.Logger.Info("Connection unsubscribed", slog.String("roomID", room))
	return actx.Reply(protocol.Unsubscribed(room))
}

func handlePing(actx *ActionContext) error {
	return actx.Reply(protocol.Pong(actx.Now))
}

func handleListSubscriptions(actx *ActionContext) error {
	return actx.Reply(protocol.Subscriptions(actx.Manager.Rooms(actx.Conn.ID)))
}
