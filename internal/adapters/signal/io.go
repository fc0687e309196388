package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/domain"
)

// writePump owns every write to the socket and closes it on exit.
func (ctl *SignalWSController) writePump(ctx context.Context, id domain.ConnID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(id)).Msg("writePump ctx done")
			c.Close()
			ctl.drain(id, c)
			return
		case data, ok := <-c.send:
			if !ok {
				ctl.writeClose(id, c)
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

// drain writes whatever is still queued, then the close frame.
func (ctl *SignalWSController) drain(id domain.ConnID, c *WsSignalConn) {
	for data := range c.send {
		if err := c.write(websocket.TextMessage, data); err != nil {
			return
		}
	}
	ctl.writeClose(id, c)
}

func (ctl *SignalWSController) writeClose(id domain.ConnID, c *WsSignalConn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.write(websocket.CloseMessage, msg); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("close frame")
	}
}

func (c *WsSignalConn) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

// readPump feeds inbound frames to the hub and reports the disconnect once
// the socket stops reading.
func (ctl *SignalWSController) readPump(id domain.ConnID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Hub.Disconnect(id)
		c.Close()
	}()

	pongWait := ctl.cfg.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.Hub.Dispatch(id, data)
	}
}
