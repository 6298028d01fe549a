package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard may be served from a different origin than the API.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

// handleDeviceLogStream upgrades to a websocket, replays the current log
// tail, then forwards new lines as the running script produces them.
func (r *Router) handleDeviceLogStream(c *gin.Context) {
	serial := c.Param("serial")
	if !isSafeName(serial) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid serial"})
		return
	}
	if _, err := r.reg.Get(serial); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "serial", serial, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Subscribe before the replay so lines appended in between are not
	// lost; duplicates across the boundary are acceptable, gaps are not.
	lines, cancel := r.logs.Subscribe(serial)
	defer cancel()

	for _, line := range r.logs.Read(serial, 0) {
		if err := writeLine(conn, line); err != nil {
			return
		}
	}

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces close frames and connection loss.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := writeLine(conn, line); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeLine(conn *websocket.Conn, line string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}
