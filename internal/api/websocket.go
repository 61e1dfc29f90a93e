package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/logger"
)

const wsWriteTimeout = 10 * time.Second

func (s *server) registerWebsocket(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals(localsAccount, accountID(c))
		return c.Next()
	})

	app.Get("/ws", websocket.New(s.stream))
}

// stream sends a status snapshot first and then every event for the
// account until the client goes away.
func (s *server) stream(conn *websocket.Conn) {
	account, _ := conn.Locals(localsAccount).(string)
	log := logger.WithCommonFields(s.Logger, account, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := s.Events.Subscribe(ctx, account)
	defer s.Events.Unsubscribe(sub)

	// Inbound frames are ignored. The read loop only notices the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug("websocket subscriber connected")
	defer log.Debug("websocket subscriber disconnected", zap.Int64("dropped", sub.Dropped()))

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
