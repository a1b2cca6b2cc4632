package hub

import (
	"bufio"
	"context"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/pulsehub/internal/codec"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// readPump reads frames from the WebSocket connection and dispatches them,
// adapted from ws/internal/shared/pump_read.go.
func (h *Hub) readPump(ctx context.Context, c *Connection) {
	defer h.Disconnect(c)

	limiter := h.newInboundLimiter()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if op == ws.OpClose {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		if !limiter.AllowN(time.Now(), 1) {
			h.logger.Warn().Int64("client_id", c.ID).Msg("client exceeded inbound rate limit, dropping frame")
			continue
		}

		frame, err := codec.DecodeBody(msg)
		if err != nil {
			// Protocol error: drop the frame, do not close, per spec.md §7.
			h.logger.Debug().Err(err).Int64("client_id", c.ID).Msg("dropping malformed frame")
			continue
		}

		h.handleFrame(ctx, c, frame)
	}
}

// writePump batches queued sends and writes them to the connection, sending
// periodic pings to detect dead peers, adapted from
// ws/internal/shared/pump_write.go.
func (h *Hub) writePump(c *Connection) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case body, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, body); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				body = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, body); err != nil {
					return
				}
			}

			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
