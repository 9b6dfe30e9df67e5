package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wishlane/wishlane/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth happens in middleware; origins are the deployment's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// subscribe upgrades the connection and streams the list's change feed.
// A since query parameter replays the changelog gap before going live,
// so a reconnecting watcher misses no sequence. Events arrive in
// commit-sequence order; a client that still observes a gap (or a
// closed socket) recovers through the changes-since endpoint.
func (s *Server) subscribe(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	listID := mustUUID(c.Param("id"))

	rawSince := c.Query("since")
	since, ok := parseSince(rawSince)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}

	sub, err := s.dispatcher.Subscribe(c.Request.Context(), p, listID)
	if err != nil {
		writeErr(c, err)
		return
	}

	// The backlog is fetched after subscribing so nothing falls between
	// replay and live stream. The overlap can duplicate the tail of the
	// backlog; clients track their cursor by seq.
	var backlog []model.Change
	if rawSince != "" {
		backlog, err = s.wish.ChangesSince(c.Request.Context(), p, listID, since)
		if err != nil {
			sub.Close()
			writeErr(c, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		return
	}
	defer conn.Close()
	defer sub.Close()

	for _, ch := range backlog {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(toChangeResp(ch)); err != nil {
			s.log.Debug("ws replay write", zap.Error(err))
			return
		}
	}

	// Read pump: we expect no client messages, only closure.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ch, ok := <-sub.C:
			if !ok {
				// Dropped by the dispatcher (slow consumer or access
				// revoked); the client must resync.
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "resync"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(toChangeResp(ch)); err != nil {
				s.log.Debug("ws write", zap.Error(err))
				return
			}
		}
	}
}

func parseSince(raw string) (int64, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
